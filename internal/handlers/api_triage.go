package handlers

import (
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/services"
)

func (h *APIHandler) handleListTriage(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	items, total, err := h.bridge.Triage.ListPending(r.Context(), r.PathValue("tenant"), p.PerPage, p.Offset())
	if err != nil {
		respondServiceError(w, r, err, "Failed to list triage items")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPaginatedResponse(items, p, total))
}

// handleResolveTriage approves or rejects a pending item. Destination fields in the request
// override the suggested routing on approval.
func (h *APIHandler) handleResolveTriage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenant")
	id, ok := pathID(r, "id")
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "Invalid triage id")
		return
	}

	var req api.TriageResolveRequest
	if !api.Bind(w, r, &req) {
		return
	}

	res := services.TriageResolution{
		Approve:  req.Action == "approve",
		Resolver: operator(r),
	}
	if res.Approve && (req.Project != "" || req.Owner != "" || req.Priority != "") {
		item, err := h.bridge.Triage.Get(ctx, tenantID, id)
		if err != nil {
			respondServiceError(w, r, err, "Failed to get triage item")
			return
		}
		decision := overrideDecision(item.Suggested, req)
		res.Decision = &decision
	}

	item, queued, err := h.bridge.ResolveTriage(ctx, tenantID, id, res)
	if err != nil {
		respondServiceError(w, r, err, "Failed to resolve triage item")
		return
	}

	slog.Info("triage item resolved", "tenant", tenantID, "triage", id, "action", req.Action, "by", res.Resolver)
	api.RespondJSON(w, http.StatusOK, api.TriageResolveResponse{Item: item, QueueItem: queued})
}

// overrideDecision applies the non-empty request fields on top of the suggestion.
// A changed destination is a human choice, so no rule is credited for it.
func overrideDecision(suggested database.Decision, req api.TriageResolveRequest) database.Decision {
	d := suggested
	changed := false
	if req.Project != "" && req.Project != d.Project {
		d.Project = req.Project
		changed = true
	}
	if req.Owner != "" {
		d.Owner = req.Owner
	}
	if req.Priority != "" {
		d.Priority = req.Priority
	}
	if changed {
		d.MatchedRuleID = nil
	}
	d.Confidence = 1
	return d
}
