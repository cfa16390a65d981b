package handlers

import (
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/api"
)

func (h *APIHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rules, err := h.bridge.Routing.ListRules(r.Context(), r.PathValue("tenant"), enabledOnly)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list rules")
		return
	}
	api.RespondJSON(w, http.StatusOK, rules)
}

func (h *APIHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, 0, http.StatusCreated)
}

func (h *APIHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}
	h.saveRule(w, r, id, http.StatusOK)
}

func (h *APIHandler) saveRule(w http.ResponseWriter, r *http.Request, id uint, status int) {
	tenantID := r.PathValue("tenant")

	var req api.RoutingRuleRequest
	if !api.Bind(w, r, &req) {
		return
	}

	rule := req.ToRule(tenantID, id)
	if err := h.bridge.Routing.SaveRule(r.Context(), rule); err != nil {
		respondServiceError(w, r, err, "Failed to save rule")
		return
	}

	slog.Info("routing rule saved", "tenant", tenantID, "rule", rule.ID, "name", rule.Name, "by", operator(r))
	api.RespondJSON(w, status, rule)
}

func (h *APIHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, ok := pathID(r, "id")
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}
	if err := h.bridge.Routing.DeleteRule(r.Context(), tenantID, id); err != nil {
		respondServiceError(w, r, err, "Failed to delete rule")
		return
	}
	slog.Info("routing rule deleted", "tenant", tenantID, "rule", id, "by", operator(r))
	api.RespondNoContent(w)
}

// handleTestRoute evaluates the tenant's enabled rules against sample attributes without storing anything
func (h *APIHandler) handleTestRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenant")

	var req api.RouteTestRequest
	if rerr := api.DecodeJSON(w, r, &req); rerr != nil {
		api.RespondError(w, rerr.Status, rerr.Message)
		return
	}

	cfg, err := h.bridge.Configs.Get(ctx, tenantID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to get config")
		return
	}
	rules, err := h.bridge.Routing.ListRules(ctx, tenantID, true)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list rules")
		return
	}

	api.RespondJSON(w, http.StatusOK, h.bridge.Routing.Evaluate(rules, req.Attributes, cfg))
}
