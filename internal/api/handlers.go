package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sessionbroker/sessionbroker/internal/billing"
	"github.com/sessionbroker/sessionbroker/internal/entitlement"
	"github.com/sessionbroker/sessionbroker/internal/orchestrator"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

const defaultExecTimeout = 30 * time.Second

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orch     *orchestrator.Orchestrator
	registry *entitlement.Registry
	ledger   *billing.Ledger
}

// NewHandler creates a new HTTP handler
func NewHandler(orch *orchestrator.Orchestrator, registry *entitlement.Registry, ledger *billing.Ledger) *Handler {
	return &Handler{
		orch:     orch,
		registry: registry,
		ledger:   ledger,
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sess, err := h.orch.CreateSession(r.Context(), id.UserID, id.Tier, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var status models.SessionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = models.SessionStatus(s)
	}

	writeJSON(w, http.StatusOK, h.orch.ListSessions(id.UserID, status))
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/{id}. Deletion always succeeds
// from the tenant's perspective; cleanup failures surface as warnings.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	sessionID := mux.Vars(r)["id"]

	// Deleting an absent session is idempotent success; ownership is only
	// checked while the session still exists.
	if sess, err := h.orch.GetSession(sessionID); err == nil {
		if sess.OwnerUserID != id.UserID && id.Tier != models.TierAdmin {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}

	report, err := h.orch.DeleteSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExecSession handles POST /v1/sessions/{id}/exec
func (h *Handler) ExecSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req models.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	timeout := defaultExecTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := h.orch.Execute(r.Context(), sess.ID, req.Command, timeout, req.Async)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSessionStatus handles GET /v1/sessions/{id}/status
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	status, err := h.orch.ProviderStatus(r.Context(), sess.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	owner := id.UserID
	if id.Tier == models.TierAdmin {
		owner = ""
	}

	status, err := h.orch.JobStatus(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListWorkspaces handles GET /v1/workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.registry.EnsureUser(id.UserID, id.Tier)
	writeJSON(w, http.StatusOK, h.registry.WorkspacesFor(id.UserID))
}

// CreateWorkspace handles POST /v1/workspaces
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.registry.EnsureUser(id.UserID, id.Tier)

	var req models.CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ws, err := h.registry.CreateWorkspace(id.UserID, req.Package)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// DeleteWorkspace handles DELETE /v1/workspaces/{id}
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	if err := h.registry.DeleteWorkspace(id.UserID, mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCredits handles GET /v1/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.ledger.EnsureAccount(id.UserID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      h.ledger.GetBalance(id.UserID),
		"transactions": h.ledger.Transactions(id.UserID),
	})
}

// AddCredits handles POST /v1/credits
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.ledger.EnsureAccount(id.UserID)

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.ledger.Credit(id.UserID, req.Amount, "topup", "credit purchase"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{
		"balance": h.ledger.GetBalance(id.UserID),
	})
}

// GetEntitlements handles GET /v1/entitlements
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	user := h.registry.EnsureUser(id.UserID, id.Tier)

	pkgs, err := h.registry.AllowedPackages(id.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	images, err := h.registry.AllowedImages(id.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier":       user.Tier,
		"hourlyRate": billing.HourlyRate(user.Tier),
		"packages":   pkgs,
		"images":     images,
	})
}

// ownedSession loads the session from the route and enforces ownership
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id, _ := IdentityFrom(r.Context())

	sess, err := h.orch.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if sess.OwnerUserID != id.UserID && id.Tier != models.TierAdmin {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// statusFor maps core error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrEntitlementDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrStorageQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrWorkspaceNotFound),
		errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrProviderProvisioningFailed):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
