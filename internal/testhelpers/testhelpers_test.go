package testhelpers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/ticket"
)

func TestNewTestDB_Migrated(t *testing.T) {
	db := NewTestDB(t)
	cfg := NewBridgeConfigBuilder("acme").Create(t, db)
	if cfg.ID == 0 {
		t.Fatal("Expected config to get an id")
	}

	var count int64
	db.Model(&database.BridgeConfig{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 config row, got %d", count)
	}
}

func TestFakeTicketClient(t *testing.T) {
	f := NewFakeTicketClient().FailNext(errors.New("boom"))
	ctx := context.Background()

	if _, err := f.CreateOrUpdateTicket(ctx, ticket.Payload{Project: "acme/ops"}); err == nil {
		t.Fatal("Expected queued error")
	}
	id, err := f.CreateOrUpdateTicket(ctx, ticket.Payload{Project: "acme/ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "fake:acme/ops#1" {
		t.Errorf("Expected fake:acme/ops#1, got %s", id)
	}
	if got, _ := f.CreateOrUpdateTicket(ctx, ticket.Payload{Project: "acme/ops", TicketID: id}); got != id {
		t.Errorf("Expected update to keep id, got %s", got)
	}

	if len(f.Calls()) != 3 || len(f.Created()) != 1 || len(f.Updated()) != 1 {
		t.Errorf("Unexpected call counts: calls=%d created=%d updated=%d",
			len(f.Calls()), len(f.Created()), len(f.Updated()))
	}
}

func TestClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.Advance(90 * time.Minute)
	if !c.Now().Equal(start.Add(90 * time.Minute)) {
		t.Errorf("Unexpected time %s", c.Now())
	}
}
