package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sessionbroker/sessionbroker/internal/proxy"
	"github.com/sessionbroker/sessionbroker/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes; everything requires an authenticated identity.
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(IdentityMiddleware)

	// Session lifecycle endpoints (rate limited)
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))

	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	rateLimitedAPI.HandleFunc("/workspaces", h.CreateWorkspace).Methods("POST")
	rateLimitedAPI.HandleFunc("/workspaces", h.ListWorkspaces).Methods("GET")
	rateLimitedAPI.HandleFunc("/workspaces/{id}", h.DeleteWorkspace).Methods("DELETE")

	// Exec and job polling (not rate limited - frequent polling)
	api.HandleFunc("/sessions/{id}/exec", h.ExecSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/status", h.GetSessionStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")

	// Interactive attach channel
	api.HandleFunc("/sessions/{id}/attach", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		proxyServer.HandleAttach(w, r, vars["id"])
	}).Methods("GET")

	// Account endpoints
	api.HandleFunc("/credits", h.GetCredits).Methods("GET")
	api.HandleFunc("/credits", h.AddCredits).Methods("POST")
	api.HandleFunc("/entitlements", h.GetEntitlements).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Tier")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
