package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/services"
)

func (h *APIHandler) handleListTenants(w http.ResponseWriter, r *http.Request) {
	configs, err := h.bridge.Configs.ListTenants(r.Context())
	if err != nil {
		respondServiceError(w, r, err, "Failed to list tenants")
		return
	}
	api.RespondJSON(w, http.StatusOK, configs)
}

func (h *APIHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.bridge.Configs.Get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		respondServiceError(w, r, err, "Failed to get config")
		return
	}
	api.RespondJSON(w, http.StatusOK, cfg)
}

// handlePutConfig creates the tenant's config on first use and replaces it afterwards
func (h *APIHandler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req api.BridgeConfigRequest
	if !api.Bind(w, r, &req) {
		return
	}

	cfg, err := h.bridge.Configs.Get(r.Context(), tenantID)
	status := http.StatusOK
	if errors.Is(err, services.ErrNotFound) {
		cfg = database.NewDefaultBridgeConfig(tenantID)
		status = http.StatusCreated
	} else if err != nil {
		respondServiceError(w, r, err, "Failed to get config")
		return
	}

	req.ApplyToConfig(cfg)
	if err := h.bridge.Configs.Save(r.Context(), cfg); err != nil {
		respondServiceError(w, r, err, "Failed to save config")
		return
	}

	slog.Info("bridge config saved", "tenant", tenantID, "by", operator(r))
	api.RespondJSON(w, status, cfg)
}

func (h *APIHandler) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant")
		if err := h.bridge.Configs.SetEnabled(r.Context(), tenantID, enabled); err != nil {
			respondServiceError(w, r, err, "Failed to update config")
			return
		}
		slog.Info("bridge toggled", "tenant", tenantID, "enabled", enabled, "by", operator(r))
		api.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"tenant_id": tenantID,
			"enabled":   enabled,
		})
	}
}

func (h *APIHandler) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenant")

	cfg, err := h.bridge.Configs.Get(ctx, tenantID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to get config")
		return
	}
	queue, err := h.bridge.Queue.CountByStatus(ctx, tenantID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to count queue items")
		return
	}
	pending, err := h.bridge.DeadLetters.CountPending(ctx, tenantID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to count dead letters")
		return
	}

	resp := api.TenantStatusResponse{
		TenantID:            tenantID,
		Enabled:             cfg.Enabled,
		CircuitOpen:         cfg.IsCircuitOpen(h.now()),
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		Queue:               queue,
		PendingDeadLetters:  pending,
	}
	if resp.CircuitOpen {
		until := cfg.CircuitOpenUntil()
		resp.CircuitOpenUntil = &until
	}
	api.RespondJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if _, err := h.bridge.Configs.Get(r.Context(), tenantID); err != nil {
		respondServiceError(w, r, err, "Failed to get config")
		return
	}
	if err := h.bridge.Admission.ResetBreaker(r.Context(), tenantID); err != nil {
		respondServiceError(w, r, err, "Failed to reset circuit breaker")
		return
	}
	slog.Info("circuit breaker reset", "tenant", tenantID, "by", operator(r))
	api.RespondNoContent(w)
}
