package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionbroker/sessionbroker/internal/orchestrator"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server proxies interactive attach channels to running sessions
type Server struct {
	orch *orchestrator.Orchestrator
}

// NewServer creates an attach proxy over the orchestrator
func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{
		orch: orch,
	}
}

// HandleAttach upgrades the request and bidirectionally proxies it to the
// session's provider connect endpoint.
func (s *Server) HandleAttach(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.orch.GetSession(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if sess.Status != models.StatusRunning {
		http.Error(w, "Session is not running", http.StatusBadRequest)
		return
	}
	if sess.ConnectURL == "" {
		http.Error(w, "Session has no connect endpoint", http.StatusBadGateway)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer clientConn.Close()

	log.Printf("Client attached to session %s", sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backendConn, _, err := websocket.DefaultDialer.DialContext(ctx, sess.ConnectURL, nil)
	if err != nil {
		log.Printf("Failed to connect to session backend: %v", err)
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer backendConn.Close()

	// Bidirectional proxy
	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, backendConn, "client→session")
	}()

	go func() {
		errChan <- s.proxyMessages(backendConn, clientConn, "session→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF {
		log.Printf("Proxy error for session %s: %v", sessionID, err)
	}

	log.Printf("Client detached from session %s", sessionID)
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error (%s): %v", direction, err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			log.Printf("Failed to write message (%s): %v", direction, err)
			return err
		}
	}
}
