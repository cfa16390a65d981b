package handlers

import (
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/database"
)

func (h *APIHandler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	status := database.DeadLetterStatus(r.URL.Query().Get("status"))
	switch status {
	case "", database.DeadLetterStatusPending, database.DeadLetterStatusReplayed, database.DeadLetterStatusDiscarded:
	default:
		api.RespondError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	items, total, err := h.bridge.DeadLetters.List(r.Context(), r.PathValue("tenant"), status, p.PerPage, p.Offset())
	if err != nil {
		respondServiceError(w, r, err, "Failed to list dead letters")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPaginatedResponse(items, p, total))
}

func (h *APIHandler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, ok := pathID(r, "id")
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "Invalid dead letter id")
		return
	}

	item, err := h.bridge.ReplayDeadLetter(r.Context(), tenantID, id, operator(r))
	if err != nil {
		respondServiceError(w, r, err, "Failed to replay dead letter")
		return
	}

	slog.Info("dead letter replayed", "tenant", tenantID, "dead_letter", id, "queue_item", item.ID, "by", operator(r))
	api.RespondJSON(w, http.StatusOK, item)
}

func (h *APIHandler) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, ok := pathID(r, "id")
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "Invalid dead letter id")
		return
	}

	if err := h.bridge.DeadLetters.Discard(r.Context(), tenantID, id, operator(r)); err != nil {
		respondServiceError(w, r, err, "Failed to discard dead letter")
		return
	}

	slog.Info("dead letter discarded", "tenant", tenantID, "dead_letter", id, "by", operator(r))
	api.RespondNoContent(w)
}
