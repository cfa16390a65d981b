package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/alerts"
	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/logging"
	"github.com/akmatori/issuebridge/internal/services"
	"github.com/akmatori/issuebridge/internal/utils"
)

// maxWebhookBody caps webhook payloads; Sentry event bodies carry full stack traces
const maxWebhookBody = 5 << 20

// Ingester stores normalized events. *services.Bridge implements it.
type Ingester interface {
	Ingest(ctx context.Context, req services.IngestRequest) (*services.IngestResult, error)
}

// WebhookHandler turns source webhooks into stored bridge events
type WebhookHandler struct {
	ingester Ingester
	registry *alerts.Registry
	nudge    func()
}

// NewWebhookHandler creates a webhook handler. nudge, when set, is called after new events were
// stored so dispatch does not wait for the next poll.
func NewWebhookHandler(ingester Ingester, registry *alerts.Registry, nudge func()) *WebhookHandler {
	return &WebhookHandler{
		ingester: ingester,
		registry: registry,
		nudge:    nudge,
	}
}

// SetupRoutes registers the webhook route
func (h *WebhookHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/{source}/{tenant}", h.HandleWebhook)
}

// HandleWebhook handles POST /webhook/{source}/{tenant}.
// Redelivered events are acknowledged like new ones.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	tenantID := r.PathValue("tenant")
	if tenantID == "" {
		api.RespondError(w, http.StatusBadRequest, "Missing tenant")
		return
	}

	adapter, err := h.registry.Get(source)
	if err != nil {
		api.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.RespondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	events, err := adapter.ParsePayload(body, nil)
	if err != nil {
		slog.Warn("invalid webhook payload", "source", source, "tenant", tenantID, "err", err,
			"body", utils.EscapeForLogging(string(body), 256))
		api.RespondError(w, http.StatusBadRequest, "Invalid payload: "+err.Error())
		return
	}

	resp := api.WebhookResponse{EventIDs: []uint{}}
	for _, ev := range events {
		result, err := h.ingester.Ingest(r.Context(), services.IngestRequest{
			TenantID:      tenantID,
			SourceEventID: ev.SourceEventID,
			SourceIssueID: ev.SourceIssueID,
			EventType:     ev.EventType,
			Attributes:    ev.Attributes,
			Payload:       database.JSONB(ev.RawPayload),
		})
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to ingest webhook event", "source", source, "tenant", tenantID,
				"source_event", ev.SourceEventID, "err", err)
			logging.CaptureError(err, map[string]string{"tenant": tenantID, "source": source})
			api.RespondError(w, http.StatusInternalServerError, "Failed to store event")
			return
		}
		if result.Duplicate {
			resp.Duplicates++
		} else {
			resp.Accepted++
		}
		resp.EventIDs = append(resp.EventIDs, result.Event.ID)
	}

	slog.Info("webhook received", "source", source, "tenant", tenantID,
		"accepted", resp.Accepted, "duplicates", resp.Duplicates)

	if resp.Accepted > 0 && h.nudge != nil {
		h.nudge()
	}
	api.RespondJSON(w, http.StatusAccepted, resp)
}
