package handlers

import (
	"net/http"
	"time"

	"github.com/akmatori/issuebridge/internal/api"
)

const (
	defaultMetricsRange = 24 * time.Hour
	defaultHeldEvents   = 50
	maxHeldEvents       = 200
)

// handleMetrics handles GET /api/tenants/{tenant}/metrics?from=&to= (RFC 3339).
// Without a range it returns the last 24 hours.
func (h *APIHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	from, to, err := api.ParseTimeRange(r, h.now(), defaultMetricsRange)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.bridge.Metrics.Query(r.Context(), r.PathValue("tenant"), from, to)
	if err != nil {
		respondServiceError(w, r, err, "Failed to query metrics")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.MetricsResponse{
		From:    from,
		To:      to,
		Totals:  api.SumBuckets(buckets),
		Buckets: buckets,
	})
}

func (h *APIHandler) handleListMappings(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	mappings, total, err := h.bridge.Mappings.List(r.Context(), r.PathValue("tenant"), p.PerPage, p.Offset())
	if err != nil {
		respondServiceError(w, r, err, "Failed to list issue mappings")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPaginatedResponse(mappings, p, total))
}

// handleListHeldEvents lists events waiting on admission, oldest first
func (h *APIHandler) handleListHeldEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := api.ParseLimit(r, "limit", defaultHeldEvents, maxHeldEvents)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.bridge.Events.ListHeld(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list held events")
		return
	}
	api.RespondJSON(w, http.StatusOK, events)
}
