package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/api"
)

// Version is reported by the health endpoint
var Version = "dev"

// HTTPHandler serves the unauthenticated endpoints: health and webhook ingestion
type HTTPHandler struct {
	db      *gorm.DB
	webhook *WebhookHandler
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(db *gorm.DB, webhook *WebhookHandler) *HTTPHandler {
	return &HTTPHandler{
		db:      db,
		webhook: webhook,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.webhook != nil {
		h.webhook.SetupRoutes(mux)
	}
}

// handleHealth reports ok when the database answers a ping
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status":  "ok",
		"version": Version,
	}

	if err := h.ping(r.Context()); err != nil {
		slog.Warn("health check failed", "err", err)
		response["status"] = "unavailable"
		response["database"] = err.Error()
		api.RespondJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	api.RespondJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) ping(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
