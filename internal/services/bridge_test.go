package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/notify"
	"github.com/akmatori/issuebridge/internal/testhelpers"
	"github.com/akmatori/issuebridge/internal/ticket"
)

var testStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type bridgeFixture struct {
	db       *gorm.DB
	bridge   *Bridge
	tickets  *testhelpers.FakeTicketClient
	notifier *testhelpers.FakeNotifier
	clock    *testhelpers.Clock
}

func newBridgeFixture(t *testing.T, opts BridgeOptions) *bridgeFixture {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	f := &bridgeFixture{
		db:       db,
		tickets:  testhelpers.NewFakeTicketClient(),
		notifier: &testhelpers.FakeNotifier{},
		clock:    testhelpers.NewClock(testStart),
	}
	bridge, err := NewBridge(db, f.tickets, f.notifier, opts)
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}
	bridge.SetClock(f.clock.Now)
	f.bridge = bridge
	return f
}

func (f *bridgeFixture) ingest(t *testing.T, eventID, issueID string, eventType database.EventType, attrs database.EventAttributes) *IngestResult {
	t.Helper()
	result, err := f.bridge.Ingest(context.Background(), IngestRequest{
		TenantID:      "acme",
		SourceEventID: eventID,
		SourceIssueID: issueID,
		EventType:     eventType,
		Attributes:    attrs,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return result
}

func (f *bridgeFixture) dispatch(t *testing.T, eventID uint) *DispatchResult {
	t.Helper()
	event, err := f.bridge.Events.Get(context.Background(), "acme", eventID)
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	result, err := f.bridge.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	return result
}

// work claims and processes every due item once
func (f *bridgeFixture) work(t *testing.T) []*ProcessResult {
	t.Helper()
	ctx := context.Background()
	items, err := f.bridge.Queue.Claim(ctx, "worker-test", 100)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	var results []*ProcessResult
	for i := range items {
		result, err := f.bridge.Process(ctx, &items[i])
		if err != nil {
			t.Fatalf("process failed: %v", err)
		}
		results = append(results, result)
	}
	return results
}

func (f *bridgeFixture) mapping(t *testing.T, issueID string) *database.IssueMapping {
	t.Helper()
	m, err := f.bridge.Mappings.Get(context.Background(), "acme", issueID)
	if err != nil {
		t.Fatalf("failed to load mapping for %s: %v", issueID, err)
	}
	return m
}

func (f *bridgeFixture) eventStatus(t *testing.T, id uint) database.EventStatus {
	t.Helper()
	var event database.WebhookEvent
	if err := f.db.First(&event, id).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	return event.Status
}

func TestBridge_Ingest_Idempotent(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	attrs := testhelpers.NewAttributesBuilder().Build()

	first := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	second := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)

	if first.Duplicate || !second.Duplicate {
		t.Fatalf("expected only the redelivery to be a duplicate: first=%v second=%v", first.Duplicate, second.Duplicate)
	}
	if first.Event.ID != second.Event.ID {
		t.Errorf("expected redelivery to return event %d, got %d", first.Event.ID, second.Event.ID)
	}

	var count int64
	f.db.Model(&database.WebhookEvent{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 stored event, got %d", count)
	}

	buckets, _ := f.bridge.Metrics.Query(context.Background(), "acme", testStart.Add(-time.Hour), time.Time{})
	if len(buckets) != 1 || buckets[0].Received != 1 {
		t.Errorf("expected the duplicate not to be counted, got %+v", buckets)
	}
}

func TestBridge_Ingest_RequiresIDs(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	_, err := f.bridge.Ingest(context.Background(), IngestRequest{TenantID: "acme", SourceEventID: "evt-1"})
	if err == nil {
		t.Fatal("expected an error for a missing source issue id")
	}
}

func TestBridge_EndToEnd_DatabaseTimeout(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, f.db)
	testhelpers.NewRoutingRuleBuilder("acme", "database timeouts", "acme/platform").
		WithErrorType("^DatabaseTimeout$").
		WithTarget("dba-oncall", "high").
		Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	first := f.ingest(t, "evt-1", "issue-42", database.EventTypeEvent, attrs)
	result := f.dispatch(t, first.Event.ID)
	if result.Outcome != DispatchEnqueued {
		t.Fatalf("expected enqueued, got %s", result.Outcome)
	}
	if result.Decision.Priority != "high" || result.Decision.Project != "acme/platform" || result.Decision.Fallback {
		t.Errorf("unexpected decision %+v", result.Decision)
	}

	processed := f.work(t)
	if len(processed) != 1 || processed[0].Action != database.TicketActionCreated {
		t.Fatalf("expected one created ticket, got %+v", processed)
	}
	m := f.mapping(t, "issue-42")
	if m.EventCount != 1 || m.TicketID != processed[0].TicketID {
		t.Errorf("unexpected mapping after first event: %+v", m)
	}
	if f.eventStatus(t, first.Event.ID) != database.EventStatusProcessed {
		t.Errorf("expected first event processed")
	}

	second := f.ingest(t, "evt-2", "issue-42", database.EventTypeEvent, attrs)
	f.dispatch(t, second.Event.ID)
	processed = f.work(t)
	if len(processed) != 1 || processed[0].Action != database.TicketActionUpdated {
		t.Fatalf("expected the second event to update the ticket, got %+v", processed)
	}

	m = f.mapping(t, "issue-42")
	if m.EventCount != 2 {
		t.Errorf("expected event count 2, got %d", m.EventCount)
	}
	if len(f.tickets.Created()) != 1 {
		t.Errorf("expected exactly one ticket creation, got %d", len(f.tickets.Created()))
	}
	updates := f.tickets.Updated()
	if len(updates) != 1 || updates[0].TicketID != m.TicketID || updates[0].EventCount != 2 {
		t.Errorf("unexpected ticket updates %+v", updates)
	}
	if updates[0].Priority != "high" {
		t.Errorf("expected update to keep priority high, got %s", updates[0].Priority)
	}
}

func TestBridge_FallbackToDefaultDestination(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, f.db)

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	result := f.dispatch(t, ev.Event.ID)
	if result.Outcome != DispatchEnqueued || !result.Decision.Fallback {
		t.Fatalf("expected fallback enqueue, got %+v", result)
	}
	if result.Decision.Project != "acme/inbox" || result.Decision.Confidence != FallbackConfidence {
		t.Errorf("unexpected fallback decision %+v", result.Decision)
	}
}

func TestBridge_DisabledOrUnknownTenantSkips(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchSkipped {
		t.Errorf("expected unknown tenant to be skipped, got %s", result.Outcome)
	}

	testhelpers.NewBridgeConfigBuilder("acme").Disabled().Create(t, f.db)
	ev = f.ingest(t, "evt-2", "issue-1", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchSkipped {
		t.Errorf("expected disabled tenant to be skipped, got %s", result.Outcome)
	}
	if f.eventStatus(t, ev.Event.ID) != database.EventStatusSkipped {
		t.Errorf("expected skipped event status")
	}
}

func TestBridge_Dispatch_OnlyOnce(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, f.db)

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	f.dispatch(t, ev.Event.ID)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchNoop {
		t.Errorf("expected second dispatch to be a noop, got %s", result.Outcome)
	}
}

func TestBridge_LifecycleEvents(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	orphan := f.ingest(t, "evt-0", "issue-unmapped", database.EventTypeResolved, attrs)
	if result := f.dispatch(t, orphan.Event.ID); result.Outcome != DispatchSkipped {
		t.Errorf("expected lifecycle event without a ticket to be skipped, got %s", result.Outcome)
	}

	created := f.ingest(t, "evt-1", "issue-1", database.EventTypeCreated, attrs)
	f.dispatch(t, created.Event.ID)
	f.work(t)

	resolved := f.ingest(t, "evt-2", "issue-1", database.EventTypeResolved, attrs)
	if result := f.dispatch(t, resolved.Event.ID); result.Outcome != DispatchEnqueued {
		t.Fatalf("expected resolve to be enqueued, got %s", result.Outcome)
	}
	f.work(t)

	updates := f.tickets.Updated()
	if len(updates) != 1 || updates[0].State != "closed" {
		t.Fatalf("expected the ticket to be closed, got %+v", updates)
	}
	m := f.mapping(t, "issue-1")
	if m.SourceStatus != "resolved" || m.TicketStatus != "closed" || m.EventCount != 1 {
		t.Errorf("unexpected mapping after resolve: %+v", m)
	}

	assigned := f.ingest(t, "evt-3", "issue-1", database.EventTypeAssigned, attrs)
	if result := f.dispatch(t, assigned.Event.ID); result.Outcome != DispatchSkipped {
		t.Errorf("expected assigned event to be skipped, got %s", result.Outcome)
	}
}

func TestBridge_CooldownCoalescesRepeatEvents(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithCooldown(10).Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	f.dispatch(t, ev.Event.ID)
	f.work(t)

	f.clock.Advance(5 * time.Minute)
	ev = f.ingest(t, "evt-2", "issue-1", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchCoalesced {
		t.Fatalf("expected coalesced within cooldown, got %s", result.Outcome)
	}
	if m := f.mapping(t, "issue-1"); m.EventCount != 2 {
		t.Errorf("expected coalesced event to be counted, got %d", m.EventCount)
	}

	f.clock.Advance(6 * time.Minute)
	ev = f.ingest(t, "evt-3", "issue-1", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchEnqueued {
		t.Errorf("expected enqueue after cooldown, got %s", result.Outcome)
	}
}

func TestBridge_SpikeEscalatesPriority(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithSpike(3, 60).Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	f.dispatch(t, ev.Event.ID)
	f.work(t)

	ev = f.ingest(t, "evt-2", "issue-1", database.EventTypeEvent, attrs)
	result := f.dispatch(t, ev.Event.ID)
	if result.QueueItem.Payload.Data().Priority == "critical" {
		t.Fatal("expected no escalation below the threshold")
	}
	f.work(t)

	ev = f.ingest(t, "evt-3", "issue-1", database.EventTypeEvent, attrs)
	result = f.dispatch(t, ev.Event.ID)
	payload := result.QueueItem.Payload.Data()
	if payload.Priority != "critical" || result.Decision.Priority != "critical" {
		t.Errorf("expected spike to escalate to critical, got payload=%s decision=%s", payload.Priority, result.Decision.Priority)
	}
	hasLabel := false
	for _, l := range payload.Labels {
		if l == "spike" {
			hasLabel = true
		}
	}
	if !hasLabel {
		t.Errorf("expected spike label, got %v", payload.Labels)
	}
}

func TestBridge_TriageApproveThenRepeatBypassesTriage(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithTriage().Create(t, f.db)
	ctx := context.Background()
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	result := f.dispatch(t, ev.Event.ID)
	if result.Outcome != DispatchTriaged {
		t.Fatalf("expected triage, got %s", result.Outcome)
	}

	override := result.Triage.Suggested
	override.Project = "acme/payments"
	item, queued, err := f.bridge.ResolveTriage(ctx, "acme", result.Triage.ID, TriageResolution{
		Approve: true, Resolver: "alice", Decision: &override,
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if item.Status != database.TriageStatusApproved || queued == nil || queued.Payload.Data().Project != "acme/payments" {
		t.Fatalf("unexpected approval result item=%+v queued=%+v", item, queued)
	}

	_, _, err = f.bridge.ResolveTriage(ctx, "acme", result.Triage.ID, TriageResolution{Resolver: "bob"})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	f.work(t)
	ev = f.ingest(t, "evt-2", "issue-1", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchEnqueued {
		t.Errorf("expected repeat event to skip triage, got %s", result.Outcome)
	}
}

func TestBridge_TriageReject(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithTriageThreshold(0.5).Create(t, f.db)

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	result := f.dispatch(t, ev.Event.ID)
	if result.Outcome != DispatchTriaged {
		t.Fatalf("expected low-confidence fallback to be triaged, got %s", result.Outcome)
	}

	item, queued, err := f.bridge.ResolveTriage(context.Background(), "acme", result.Triage.ID, TriageResolution{Resolver: "alice"})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if item.Status != database.TriageStatusRejected || queued != nil {
		t.Errorf("unexpected reject result %+v %+v", item, queued)
	}
	if f.eventStatus(t, ev.Event.ID) != database.EventStatusSkipped {
		t.Errorf("expected rejected event to be skipped")
	}

	_, _, err = f.bridge.ResolveTriage(context.Background(), "globex", result.Triage.ID, TriageResolution{Approve: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected another tenant to get ErrNotFound, got %v", err)
	}
}

func TestBridge_RetryBackoffThenDeadLetter(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{DeadLetterAlertThreshold: 1})
	testhelpers.NewBridgeConfigBuilder("acme").WithMaxAttempts(3).WithBreaker(0, 0).Create(t, f.db)
	f.tickets.Always = errors.New("502 bad gateway")

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	f.dispatch(t, ev.Event.ID)

	for attempt := 1; attempt <= 2; attempt++ {
		results := f.work(t)
		if len(results) != 1 {
			t.Fatalf("attempt %d: expected one claimed item, got %d", attempt, len(results))
		}
		want := f.clock.Now().Add(Backoff(attempt))
		if results[0].Fail.DeadLettered || !results[0].Fail.NextAttemptAt.Equal(want) {
			t.Fatalf("attempt %d: expected retry at %s, got %+v", attempt, want, results[0].Fail)
		}
		if !errors.Is(results[0].Err, ErrTicketCreation) {
			t.Errorf("expected ErrTicketCreation, got %v", results[0].Err)
		}
		if len(f.work(t)) != 0 {
			t.Fatalf("attempt %d: expected item to wait for its backoff", attempt)
		}
		f.clock.Set(want)
	}

	results := f.work(t)
	if len(results) != 1 || !results[0].Fail.DeadLettered {
		t.Fatalf("expected the third attempt to dead-letter, got %+v", results)
	}

	dl, err := f.bridge.DeadLetters.Get(context.Background(), "acme", results[0].Fail.DeadLetterID)
	if err != nil {
		t.Fatalf("failed to load dead letter: %v", err)
	}
	if dl.AttemptCount != 3 || dl.FailureReason == "" {
		t.Errorf("unexpected dead letter %+v", dl)
	}

	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Severity != notify.SeverityWarning {
		t.Errorf("expected one dead-letter warning, got %+v", sent)
	}
}

func TestBridge_PermanentErrorDeadLettersImmediately(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithMaxAttempts(5).Create(t, f.db)
	f.tickets.FailNext(fmt.Errorf("%w: project not found", ticket.ErrPermanent))

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	f.dispatch(t, ev.Event.ID)
	results := f.work(t)
	if len(results) != 1 || !results[0].Fail.DeadLettered {
		t.Fatalf("expected permanent failure to dead-letter on first attempt, got %+v", results)
	}
}

func TestBridge_ReplayDeadLetter(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithMaxAttempts(1).WithBreaker(0, 0).Create(t, f.db)
	f.tickets.FailNext(errors.New("timeout"))
	ctx := context.Background()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	f.dispatch(t, ev.Event.ID)
	results := f.work(t)
	dlID := results[0].Fail.DeadLetterID

	item, err := f.bridge.ReplayDeadLetter(ctx, "acme", dlID, "alice")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if item.AttemptCount != 0 || item.MaxAttempts != 1 || item.Status != database.QueueStatusPending {
		t.Errorf("expected a fresh attempt budget, got %+v", item)
	}
	if _, err := f.bridge.ReplayDeadLetter(ctx, "acme", dlID, "alice"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected second replay to fail with ErrAlreadyResolved, got %v", err)
	}

	results = f.work(t)
	if len(results) != 1 || results[0].Action != database.TicketActionCreated {
		t.Fatalf("expected replayed item to create the ticket, got %+v", results)
	}
	if f.eventStatus(t, ev.Event.ID) != database.EventStatusProcessed {
		t.Errorf("expected event processed after replay")
	}
}

func TestBridge_CircuitBreaker(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithMaxAttempts(5).WithBreaker(2, 15).Create(t, f.db)
	ctx := context.Background()
	attrs := testhelpers.NewAttributesBuilder().Build()
	f.tickets.FailNext(errors.New("503"), errors.New("503"))

	for _, id := range []string{"evt-1", "evt-2"} {
		ev := f.ingest(t, id, "issue-"+id, database.EventTypeEvent, attrs)
		f.dispatch(t, ev.Event.ID)
	}
	f.work(t)

	open, until, err := f.bridge.Admission.CircuitOpen(ctx, "acme")
	if err != nil || !open {
		t.Fatalf("expected breaker open after 2 failures, open=%v err=%v", open, err)
	}
	if !until.Equal(testStart.Add(15 * time.Minute)) {
		t.Errorf("expected breaker open until +15m, got %s", until)
	}
	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Severity != notify.SeverityCritical {
		t.Errorf("expected one critical notification, got %+v", sent)
	}

	ev := f.ingest(t, "evt-3", "issue-3", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchHeld || result.Reason != string(DenialCircuitOpen) {
		t.Errorf("expected new event to be held on the open circuit, got %+v", result)
	}

	// items due during the cooldown are deferred without using an attempt
	f.clock.Advance(4 * time.Minute)
	results := f.work(t)
	if len(results) == 0 || !results[0].Deferred {
		t.Fatalf("expected deferred items, got %+v", results)
	}
	var item database.BridgeQueueItem
	f.db.Where("source_issue_id = ?", "issue-evt-1").First(&item)
	if item.AttemptCount != 1 || !item.NextAttemptAt.Equal(until) {
		t.Errorf("expected deferral to keep 1 attempt and wait for %s, got attempts=%d next=%s", until, item.AttemptCount, item.NextAttemptAt)
	}

	f.clock.Set(until)
	if open, _, _ := f.bridge.Admission.CircuitOpen(ctx, "acme"); open {
		t.Fatal("expected breaker closed after cooldown")
	}
	if _, err := f.bridge.DispatchPending(ctx, 10); err != nil {
		t.Fatalf("dispatch pending failed: %v", err)
	}
	f.work(t)
	if got := len(f.tickets.Created()); got != 3 {
		t.Errorf("expected all three tickets after the circuit closed, got %d", got)
	}

	cfg, _ := f.bridge.Configs.Get(ctx, "acme")
	if cfg.ConsecutiveFailures != 0 {
		t.Errorf("expected success to reset the failure run, got %d", cfg.ConsecutiveFailures)
	}
}

func TestBridge_HourlyLimitBoundary(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithLimits(1, 0).Create(t, f.db)
	ctx := context.Background()
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	f.dispatch(t, ev.Event.ID)
	f.work(t)

	held := f.ingest(t, "evt-2", "issue-2", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, held.Event.ID); result.Outcome != DispatchHeld || result.Reason != string(DenialHourlyLimit) {
		t.Fatalf("expected hourly-limit hold, got %+v", result)
	}

	f.clock.Advance(59 * time.Minute)
	if result := f.dispatch(t, held.Event.ID); result.Outcome != DispatchHeld {
		t.Fatalf("expected hold inside the hour, got %s", result.Outcome)
	}

	f.clock.Advance(time.Minute + time.Second)
	if result := f.dispatch(t, held.Event.ID); result.Outcome != DispatchEnqueued {
		t.Fatalf("expected enqueue once the first ticket left the window, got %s", result.Outcome)
	}

	buckets, _ := f.bridge.Metrics.Query(ctx, "acme", testStart, time.Time{})
	var denied int64
	for _, b := range buckets {
		denied += b.Denied
	}
	if denied != 2 {
		t.Errorf("expected 2 denials recorded, got %d", denied)
	}
}

func TestBridge_DailyLimit(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithLimits(0, 1).Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, attrs)
	f.dispatch(t, ev.Event.ID)
	f.work(t)

	f.clock.Advance(3 * time.Hour)
	ev = f.ingest(t, "evt-2", "issue-2", database.EventTypeEvent, attrs)
	result := f.dispatch(t, ev.Event.ID)
	if result.Outcome != DispatchHeld || result.Reason != string(DenialDailyLimit) {
		t.Fatalf("expected daily-limit hold, got %+v", result)
	}
	if want := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC); !result.Admission.RetryAfter.Equal(want) {
		t.Errorf("expected retry at midnight, got %s", result.Admission.RetryAfter)
	}
}

func TestBridge_HourlyLimitHoldsBurst(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithLimits(5, 0).Create(t, f.db)
	ctx := context.Background()
	attrs := testhelpers.NewAttributesBuilder().Build()

	// nothing has completed yet, so dispatch admits the whole burst
	for i := 1; i <= 10; i++ {
		ev := f.ingest(t, fmt.Sprintf("evt-%d", i), fmt.Sprintf("issue-%d", i), database.EventTypeEvent, attrs)
		if result := f.dispatch(t, ev.Event.ID); result.Outcome != DispatchEnqueued {
			t.Fatalf("expected event %d enqueued, got %s", i, result.Outcome)
		}
	}

	results := f.work(t)
	if len(results) != 10 {
		t.Fatalf("expected 10 processed items, got %d", len(results))
	}
	var deferred int
	for _, r := range results {
		if !r.Deferred {
			continue
		}
		deferred++
		if r.Admission.Reason != DenialHourlyLimit || !r.Admission.RetryAfter.Equal(testStart.Add(time.Hour)) {
			t.Errorf("expected hourly-limit deferral until +1h, got %+v", r.Admission)
		}
	}
	if got := len(f.tickets.Created()); got != 5 || deferred != 5 {
		t.Fatalf("expected 5 tickets and 5 deferred items, got %d tickets and %d deferred", got, deferred)
	}

	counts, _ := f.bridge.Queue.CountByStatus(ctx, "acme")
	if counts[database.QueueStatusCompleted] != 5 || counts[database.QueueStatusPending] != 5 {
		t.Errorf("unexpected queue counts %v", counts)
	}
	var waiting []database.BridgeQueueItem
	f.db.Where("status = ?", database.QueueStatusPending).Find(&waiting)
	for _, item := range waiting {
		if item.AttemptCount != 0 || item.QuotaReservedAt != nil {
			t.Errorf("expected deferral to give back the attempt and the slot, got %+v", item)
		}
	}

	// the sixth creation inside the hour is denied at dispatch as well
	sixth := f.ingest(t, "evt-11", "issue-11", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, sixth.Event.ID); result.Outcome != DispatchHeld || result.Reason != string(DenialHourlyLimit) {
		t.Fatalf("expected hourly-limit hold, got %+v", result)
	}

	f.clock.Advance(30 * time.Minute)
	if results := f.work(t); len(results) != 0 {
		t.Fatalf("expected deferred items to wait for the window, got %d", len(results))
	}

	f.clock.Advance(30 * time.Minute)
	f.work(t)
	if got := len(f.tickets.Created()); got != 10 {
		t.Errorf("expected the deferred half once the window moved, got %d tickets", got)
	}
}

func TestBridge_ConcurrentWorkersShareHourlyQuota(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithLimits(5, 0).Create(t, f.db)
	attrs := testhelpers.NewAttributesBuilder().Build()

	for i := 1; i <= 10; i++ {
		ev := f.ingest(t, fmt.Sprintf("evt-%d", i), fmt.Sprintf("issue-%d", i), database.EventTypeEvent, attrs)
		f.dispatch(t, ev.Event.ID)
	}

	testhelpers.RunConcurrently(t, 4, func(ctx context.Context, worker int) error {
		name := fmt.Sprintf("worker-%d", worker)
		for {
			items, err := f.bridge.Queue.Claim(ctx, name, 1)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return nil
			}
			if _, err := f.bridge.Process(ctx, &items[0]); err != nil {
				return err
			}
		}
	})

	if got := len(f.tickets.Created()); got != 5 {
		t.Errorf("expected exactly 5 tickets across workers, got %d", got)
	}
	counts, _ := f.bridge.Queue.CountByStatus(context.Background(), "acme")
	if counts[database.QueueStatusPending] != 5 {
		t.Errorf("expected 5 deferred items, got %v", counts)
	}
}

func TestBridge_ReservedCreationsCountAgainstQuota(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").WithLimits(5, 0).Create(t, f.db)
	ctx := context.Background()
	attrs := testhelpers.NewAttributesBuilder().Build()

	for i := 1; i <= 6; i++ {
		ev := f.ingest(t, fmt.Sprintf("evt-%d", i), fmt.Sprintf("issue-%d", i), database.EventTypeEvent, attrs)
		f.dispatch(t, ev.Event.ID)
	}
	items, err := f.bridge.Queue.Claim(ctx, "worker-test", 10)
	if err != nil || len(items) != 6 {
		t.Fatalf("claim failed: %v (%d items)", err, len(items))
	}

	// five items are mid-call; none has completed
	for i := 0; i < 5; i++ {
		admission, err := f.bridge.Admission.ReserveCreation(ctx, &items[i])
		if err != nil || !admission.Allowed {
			t.Fatalf("expected reservation %d to be allowed, got %+v err=%v", i+1, admission, err)
		}
	}
	admission, err := f.bridge.Admission.ReserveCreation(ctx, &items[5])
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if admission.Allowed || admission.Reason != DenialHourlyLimit {
		t.Fatalf("expected the sixth creation to be denied, got %+v", admission)
	}
	if !admission.RetryAfter.Equal(testStart.Add(time.Minute)) {
		t.Errorf("expected a short retry while only reservations fill the hour, got %s", admission.RetryAfter)
	}

	late := f.ingest(t, "evt-7", "issue-7", database.EventTypeEvent, attrs)
	if result := f.dispatch(t, late.Event.ID); result.Outcome != DispatchHeld {
		t.Errorf("expected dispatch to see the reserved slots, got %s", result.Outcome)
	}

	// a failed attempt gives its slot back
	if _, err := f.bridge.Queue.Fail(ctx, &items[0], errors.New("503"), false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	admission, err = f.bridge.Admission.ReserveCreation(ctx, &items[5])
	if err != nil || !admission.Allowed {
		t.Errorf("expected the released slot to be reusable, got %+v err=%v", admission, err)
	}
}

func TestBridge_ExpiredLeaseSkipsTicketCall(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	testhelpers.NewBridgeConfigBuilder("acme").Create(t, f.db)
	ctx := context.Background()
	lease := 10 * time.Minute

	ev := f.ingest(t, "evt-1", "issue-1", database.EventTypeEvent, testhelpers.NewAttributesBuilder().Build())
	f.dispatch(t, ev.Event.ID)
	stale, err := f.bridge.Queue.Claim(ctx, "worker-a", 1)
	if err != nil || len(stale) != 1 {
		t.Fatalf("claim failed: %v (%d items)", err, len(stale))
	}

	f.clock.Advance(lease + time.Second)
	if n, err := f.bridge.Queue.RecoverStaleLeases(ctx, lease); err != nil || n != 1 {
		t.Fatalf("expected the lease to be recovered, n=%d err=%v", n, err)
	}
	if _, err := f.bridge.Process(ctx, &stale[0]); !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("expected ErrStaleClaim after the sweep, got %v", err)
	}

	fresh, err := f.bridge.Queue.Claim(ctx, "worker-b", 1)
	if err != nil || len(fresh) != 1 {
		t.Fatalf("reclaim failed: %v (%d items)", err, len(fresh))
	}
	if _, err := f.bridge.Process(ctx, &stale[0]); !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("expected ErrStaleClaim for the old holder, got %v", err)
	}
	if calls := f.tickets.Calls(); len(calls) != 0 {
		t.Fatalf("expected no ticket call from the expired holder, got %d", len(calls))
	}

	if _, err := f.bridge.Process(ctx, &fresh[0]); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if got := len(f.tickets.Created()); got != 1 {
		t.Errorf("expected exactly one ticket, got %d", got)
	}
}
