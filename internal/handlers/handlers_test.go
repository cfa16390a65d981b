package handlers

import (
	"context"
	"net/http"
	"testing"

	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/alerts"
	"github.com/akmatori/issuebridge/internal/alerts/adapters"
	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/middleware"
	"github.com/akmatori/issuebridge/internal/services"
	"github.com/akmatori/issuebridge/internal/testhelpers"
)

const sentryPayload = `{
	"action": "triggered",
	"data": {
		"event": {
			"event_id": "9f2c1e7a",
			"issue_id": "4211",
			"project_slug": "billing-api",
			"title": "DatabaseTimeout: query exceeded 30s",
			"level": "error",
			"environment": "production",
			"exception": {"values": [{"type": "DatabaseTimeout", "value": "query exceeded 30s"}]}
		}
	}
}`

type testServer struct {
	db      *gorm.DB
	bridge  *services.Bridge
	tickets *testhelpers.FakeTicketClient
	handler http.Handler
	nudges  int
}

// newTestServer wires every handler onto one mux. API requests run as operator "alice".
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	tickets := testhelpers.NewFakeTicketClient()
	bridge, err := services.NewBridge(db, tickets, &testhelpers.FakeNotifier{}, services.BridgeOptions{})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}

	s := &testServer{db: db, bridge: bridge, tickets: tickets}
	registry := alerts.NewRegistry(adapters.NewSentryAdapter(), adapters.NewAlertmanagerAdapter())
	webhook := NewWebhookHandler(bridge, registry, func() { s.nudges++ })

	mux := http.NewServeMux()
	NewHTTPHandler(db, webhook).SetupRoutes(mux)
	NewAPIHandler(bridge).SetupRoutes(mux)
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), "alice")))
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *testhelpers.HTTPTestContext {
	t.Helper()
	ctx := testhelpers.NewHTTPTestContext(t, method, path, nil)
	if body != nil {
		ctx.WithJSONBody(body)
	}
	return ctx.Execute(s.handler)
}

// dispatch runs one dispatcher pass over the ingested events
func (s *testServer) dispatch(t *testing.T) {
	t.Helper()
	if _, err := s.bridge.DispatchPending(context.Background(), 100); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
}

func (s *testServer) ingest(t *testing.T, tenantID, eventID, issueID string) {
	t.Helper()
	_, err := s.bridge.Ingest(context.Background(), services.IngestRequest{
		TenantID:      tenantID,
		SourceEventID: eventID,
		SourceIssueID: issueID,
		EventType:     database.EventTypeEvent,
		Attributes:    testhelpers.NewAttributesBuilder().Build(),
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
}
