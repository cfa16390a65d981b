package jobs

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/services"
	"github.com/akmatori/issuebridge/internal/testhelpers"
)

func setupBridge(t *testing.T) (*gorm.DB, *services.Bridge, *testhelpers.FakeTicketClient) {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	tickets := testhelpers.NewFakeTicketClient()
	bridge, err := services.NewBridge(db, tickets, &testhelpers.FakeNotifier{}, services.BridgeOptions{})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, db)
	return db, bridge, tickets
}

func ingest(t *testing.T, bridge *services.Bridge, eventID, issueID string) {
	t.Helper()
	_, err := bridge.Ingest(context.Background(), services.IngestRequest{
		TenantID:      "acme",
		SourceEventID: eventID,
		SourceIssueID: issueID,
		EventType:     database.EventTypeEvent,
		Attributes:    testhelpers.NewAttributesBuilder().Build(),
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
}

func TestDispatcherAndWorker_RunOnce(t *testing.T) {
	db, bridge, tickets := setupBridge(t)
	ctx := context.Background()

	ingest(t, bridge, "e1", "issue-1")
	ingest(t, bridge, "e2", "issue-2")

	dispatched, err := NewDispatcher(bridge, 1).RunOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if dispatched != 2 {
		t.Errorf("expected 2 dispatched events across batches, got %d", dispatched)
	}

	worker := NewWorker(bridge, 10)
	claimed, err := worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if claimed != 2 {
		t.Errorf("expected 2 claimed items, got %d", claimed)
	}
	if len(tickets.Created()) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(tickets.Created()))
	}

	var completed int64
	db.Model(&database.BridgeQueueItem{}).Where("status = ?", database.QueueStatusCompleted).Count(&completed)
	if completed != 2 {
		t.Errorf("expected 2 completed items, got %d", completed)
	}
}

func TestWorker_IDIsUnique(t *testing.T) {
	_, bridge, _ := setupBridge(t)
	a, b := NewWorker(bridge, 1), NewWorker(bridge, 1)
	if a.ID() == b.ID() {
		t.Errorf("expected distinct worker ids, got %s twice", a.ID())
	}
}

func TestDispatcher_Nudge(t *testing.T) {
	_, bridge, tickets := setupBridge(t)

	dispatcher := NewDispatcher(bridge, 0)
	worker := NewWorker(bridge, 5)
	stop := make(chan struct{})
	defer close(stop)

	go dispatcher.Start(time.Hour, stop)
	go worker.Start(20*time.Millisecond, stop)

	ingest(t, bridge, "e1", "issue-1")
	// coalesces with any pending nudge
	dispatcher.Nudge()
	dispatcher.Nudge()

	testhelpers.Eventually(t, 5*time.Second, func() bool {
		return len(tickets.Created()) == 1
	}, "ticket created after nudge")
}

func TestLeaseSweeper_Sweep(t *testing.T) {
	db, bridge, _ := setupBridge(t)
	ctx := context.Background()

	ingest(t, bridge, "e1", "issue-1")
	if _, err := NewDispatcher(bridge, 10).RunOnce(ctx); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	items, err := bridge.Queue.Claim(ctx, "dead-worker", 1)
	if err != nil || len(items) != 1 {
		t.Fatalf("claim failed: %v (%d items)", err, len(items))
	}

	sweeper := NewLeaseSweeper(bridge.Queue, bridge.Events, time.Minute)
	stats, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Leases != 0 || stats.Dispatches != 0 {
		t.Errorf("expected fresh lease to be kept, got %+v", stats)
	}

	old := time.Now().UTC().Add(-2 * time.Minute)
	db.Model(&database.BridgeQueueItem{}).Where("id = ?", items[0].ID).Update("claimed_at", old)

	stats, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Leases != 1 {
		t.Errorf("expected 1 recovered lease, got %d", stats.Leases)
	}
	if stats.Dispatches != 0 {
		t.Errorf("expected the queued event to be left alone, got %d", stats.Dispatches)
	}

	var item database.BridgeQueueItem
	db.First(&item, items[0].ID)
	if item.Status != database.QueueStatusPending || item.ClaimedBy != "" {
		t.Errorf("expected pending unclaimed item, got status=%s claimed_by=%q", item.Status, item.ClaimedBy)
	}
	if item.AttemptCount != 1 {
		t.Errorf("expected attempt count to be kept at 1, got %d", item.AttemptCount)
	}
}

func TestLeaseSweeper_RecoversInterruptedDispatch(t *testing.T) {
	db, bridge, tickets := setupBridge(t)
	ctx := context.Background()

	ingest(t, bridge, "e1", "issue-1")
	var event database.WebhookEvent
	if err := db.Where("source_event_id = ?", "e1").First(&event).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	// a dispatcher takes the event and dies before queueing it
	ok, err := bridge.Events.Transition(ctx, event.ID, database.EventStatusReceived, database.EventStatusProcessing)
	if err != nil || !ok {
		t.Fatalf("transition failed: ok=%v err=%v", ok, err)
	}

	sweeper := NewLeaseSweeper(bridge.Queue, bridge.Events, time.Minute)
	stats, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Dispatches != 0 {
		t.Errorf("expected a recent dispatch to be kept, recovered %d", stats.Dispatches)
	}

	old := time.Now().UTC().Add(-2 * time.Minute)
	db.Model(&database.WebhookEvent{}).Where("id = ?", event.ID).Update("dispatched_at", old)

	stats, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stats.Dispatches != 1 {
		t.Fatalf("expected 1 recovered dispatch, got %d", stats.Dispatches)
	}
	db.First(&event, event.ID)
	if event.Status != database.EventStatusReceived || event.DispatchedAt != nil {
		t.Errorf("expected received event without dispatch time, got status=%s dispatched_at=%v", event.Status, event.DispatchedAt)
	}

	if _, err := NewDispatcher(bridge, 10).RunOnce(ctx); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, err := NewWorker(bridge, 10).RunOnce(ctx); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if got := len(tickets.Created()); got != 1 {
		t.Errorf("expected the recovered event to produce 1 ticket, got %d", got)
	}
}
