package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/middleware"
	"github.com/akmatori/issuebridge/internal/services"
)

// APIHandler serves the operator API. Every route below /api/tenants/{tenant} is scoped to that tenant.
type APIHandler struct {
	bridge *services.Bridge
	now    func() time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(bridge *services.Bridge) *APIHandler {
	return &APIHandler{
		bridge: bridge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetupRoutes configures all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Tenants and config
	mux.HandleFunc("GET /api/tenants", h.handleListTenants)
	mux.HandleFunc("GET /api/tenants/{tenant}/config", h.handleGetConfig)
	mux.HandleFunc("PUT /api/tenants/{tenant}/config", h.handlePutConfig)
	mux.HandleFunc("POST /api/tenants/{tenant}/enable", h.handleSetEnabled(true))
	mux.HandleFunc("POST /api/tenants/{tenant}/disable", h.handleSetEnabled(false))
	mux.HandleFunc("GET /api/tenants/{tenant}/status", h.handleTenantStatus)
	mux.HandleFunc("POST /api/tenants/{tenant}/breaker/reset", h.handleResetBreaker)

	// Routing rules
	mux.HandleFunc("GET /api/tenants/{tenant}/rules", h.handleListRules)
	mux.HandleFunc("POST /api/tenants/{tenant}/rules", h.handleCreateRule)
	mux.HandleFunc("POST /api/tenants/{tenant}/rules/test", h.handleTestRoute)
	mux.HandleFunc("PUT /api/tenants/{tenant}/rules/{id}", h.handleUpdateRule)
	mux.HandleFunc("DELETE /api/tenants/{tenant}/rules/{id}", h.handleDeleteRule)

	// Triage
	mux.HandleFunc("GET /api/tenants/{tenant}/triage", h.handleListTriage)
	mux.HandleFunc("POST /api/tenants/{tenant}/triage/{id}/resolve", h.handleResolveTriage)

	// Dead letters
	mux.HandleFunc("GET /api/tenants/{tenant}/dead-letters", h.handleListDeadLetters)
	mux.HandleFunc("POST /api/tenants/{tenant}/dead-letters/{id}/replay", h.handleReplayDeadLetter)
	mux.HandleFunc("POST /api/tenants/{tenant}/dead-letters/{id}/discard", h.handleDiscardDeadLetter)

	// Observability
	mux.HandleFunc("GET /api/tenants/{tenant}/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/tenants/{tenant}/mappings", h.handleListMappings)
	mux.HandleFunc("GET /api/tenants/{tenant}/events/held", h.handleListHeldEvents)
}

// pathID parses a numeric path parameter
func pathID(r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// operator names the authenticated user for audit fields
func operator(r *http.Request) string {
	if user := middleware.GetUserFromContext(r.Context()); user != "" {
		return user
	}
	return "unknown"
}

// respondServiceError maps service sentinels to status codes; anything else is a 500 with msg
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		api.RespondError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, services.ErrInvalidRule):
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, api.CodeInvalidRule, err.Error())
	case errors.Is(err, services.ErrAlreadyResolved):
		api.RespondErrorWithCode(w, http.StatusConflict, api.CodeAlreadyResolved, err.Error())
	default:
		slog.ErrorContext(r.Context(), msg, "path", r.URL.Path, "err", err)
		api.RespondError(w, http.StatusInternalServerError, msg)
	}
}
