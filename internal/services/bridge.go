package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/logging"
	"github.com/akmatori/issuebridge/internal/notify"
	"github.com/akmatori/issuebridge/internal/ticket"
	"github.com/akmatori/issuebridge/internal/utils"
)

// DispatchOutcome is what Dispatch did with an event
type DispatchOutcome string

const (
	DispatchEnqueued  DispatchOutcome = "enqueued"
	DispatchTriaged   DispatchOutcome = "triaged"
	DispatchHeld      DispatchOutcome = "held"
	DispatchCoalesced DispatchOutcome = "coalesced"
	DispatchSkipped   DispatchOutcome = "skipped"
	// DispatchNoop means another dispatcher already took the event
	DispatchNoop DispatchOutcome = "noop"
)

// BridgeOptions tunes the orchestrator
type BridgeOptions struct {
	// TicketTimeout bounds a single ticket-system call
	TicketTimeout time.Duration
	// DeadLetterAlertThreshold notifies operators each time a tenant's pending dead letters reach
	// a multiple of it; 0 disables the alert
	DeadLetterAlertThreshold int64
}

// IngestResult is the outcome of storing an inbound event
type IngestResult struct {
	Event     *database.WebhookEvent
	Duplicate bool
}

// DispatchResult is the outcome of dispatching a stored event
type DispatchResult struct {
	Outcome   DispatchOutcome
	Reason    string
	Decision  *RoutingDecision
	QueueItem *database.BridgeQueueItem
	Triage    *database.TriageItem
	Admission *Admission
}

// ProcessResult is the outcome of one worker attempt on a claimed item
type ProcessResult struct {
	TicketID string
	Action   database.TicketAction
	Deferred bool
	// Admission is the denial that deferred the item
	Admission *Admission
	// Err is the ticket failure that was handed to the retry policy
	Err  error
	Fail FailOutcome
}

// Bridge wires the pipeline stages together: ingest, dispatch (route, admit, triage, enqueue)
// and processing of claimed queue items.
type Bridge struct {
	Events      *EventStore
	Routing     *RoutingEngine
	Admission   *AdmissionController
	Queue       *BridgeQueue
	Triage      *TriageQueue
	Mappings    *IssueMappingStore
	DeadLetters *DeadLetterStore
	Metrics     *MetricsAggregator
	Configs     *TenantConfigService

	tickets  ticket.Client
	notifier notify.Notifier
	opts     BridgeOptions
	now      func() time.Time
}

// NewBridge creates the pipeline over db
func NewBridge(db *gorm.DB, tickets ticket.Client, notifier notify.Notifier, opts BridgeOptions) (*Bridge, error) {
	metrics, err := NewMetricsAggregator(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics instruments: %w", err)
	}
	if opts.TicketTimeout <= 0 {
		opts.TicketTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	queue := NewBridgeQueue(db)
	return &Bridge{
		Events:      NewEventStore(db),
		Routing:     NewRoutingEngine(db),
		Admission:   NewAdmissionController(db),
		Queue:       queue,
		Triage:      NewTriageQueue(db, queue),
		Mappings:    NewIssueMappingStore(db),
		DeadLetters: NewDeadLetterStore(db, queue),
		Metrics:     metrics,
		Configs:     NewTenantConfigService(db),
		tickets:     tickets,
		notifier:    notifier,
		opts:        opts,
		now:         utcNow,
	}, nil
}

// SetClock replaces the time source of every stage
func (b *Bridge) SetClock(now func() time.Time) {
	b.now = now
	b.Events.now = now
	b.Admission.now = now
	b.Queue.now = now
	b.Triage.now = now
	b.Mappings.now = now
	b.DeadLetters.now = now
	b.Metrics.now = now
}

// Ingest stores an inbound event. Redeliveries are absorbed and reported as duplicates.
func (b *Bridge) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	event, created, err := b.Events.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		slog.DebugContext(ctx, "duplicate webhook event absorbed", "tenant", req.TenantID,
			"source_event", req.SourceEventID, "reason", ErrDuplicateEvent)
		return &IngestResult{Event: event, Duplicate: true}, nil
	}
	b.recordOutcome(ctx, req.TenantID, OutcomeReceived, 0)
	return &IngestResult{Event: event}, nil
}

// DispatchPending dispatches up to limit received events, including held ones
func (b *Bridge) DispatchPending(ctx context.Context, limit int) (int, error) {
	events, err := b.Events.ListReceived(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list received events: %w", err)
	}
	dispatched := 0
	for i := range events {
		result, err := b.Dispatch(ctx, &events[i])
		if err != nil {
			slog.Error("failed to dispatch event", "event", events[i].ID, "tenant", events[i].TenantID, "err", err)
			continue
		}
		if result.Outcome != DispatchNoop && result.Outcome != DispatchHeld {
			dispatched++
		}
	}
	return dispatched, nil
}

// Dispatch routes a received event and puts it on the bridge queue, the triage queue, or holds it
// when admission is denied. Only one dispatcher acts on an event.
func (b *Bridge) Dispatch(ctx context.Context, event *database.WebhookEvent) (result *DispatchResult, err error) {
	ok, err := b.Events.Transition(ctx, event.ID, database.EventStatusReceived, database.EventStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &DispatchResult{Outcome: DispatchNoop}, nil
	}
	defer func() {
		if err != nil {
			// return the event to the dispatcher so the next tick retries it
			if herr := b.Events.Hold(ctx, event.ID, "dispatch-error"); herr != nil {
				slog.Error("failed to release event after dispatch error", "event", event.ID, "err", herr)
			}
		}
	}()

	cfg, err := b.Configs.Get(ctx, event.TenantID)
	if errors.Is(err, ErrNotFound) {
		return b.skip(ctx, event, ErrBridgeDisabled.Error())
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return b.skip(ctx, event, ErrBridgeDisabled.Error())
	}

	mapping, err := b.Mappings.Get(ctx, event.TenantID, event.SourceIssueID)
	if errors.Is(err, ErrNotFound) {
		mapping, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !event.EventType.IsOccurrence() {
		if mapping == nil {
			return b.skip(ctx, event, fmt.Sprintf("%s event for an issue without a ticket", event.EventType))
		}
		if event.EventType != database.EventTypeResolved && event.EventType != database.EventTypeUnresolved {
			return b.skip(ctx, event, fmt.Sprintf("no ticket action for %s events", event.EventType))
		}
	}

	now := b.now()
	cooldown := time.Duration(cfg.IssueCooldownMinutes) * time.Minute
	if event.EventType == database.EventTypeEvent && InCooldown(mapping, cooldown, now) {
		if err := b.Mappings.RecordEvent(ctx, event.TenantID, event.SourceIssueID); err != nil {
			return nil, err
		}
		if err := b.Events.MarkStatus(ctx, event.ID, database.EventStatusProcessed, ""); err != nil {
			return nil, err
		}
		return &DispatchResult{Outcome: DispatchCoalesced}, nil
	}

	decision, err := b.Routing.Route(ctx, event, cfg)
	if err != nil {
		return nil, err
	}

	spike := false
	if mapping != nil && event.EventType.IsOccurrence() && cfg.SpikeThreshold > 0 {
		window := time.Duration(cfg.SpikeWindowMinutes) * time.Minute
		count, err := b.Events.CountSince(ctx, event.TenantID, event.SourceIssueID, now.Add(-window))
		if err != nil {
			return nil, err
		}
		if count >= int64(cfg.SpikeThreshold) {
			spike = true
			slog.Warn("event spike detected", "tenant", event.TenantID, "issue", event.SourceIssueID,
				"events", count, "window", window)
		}
	}
	payload := buildPayload(event, decision, mapping, cfg, spike)
	decision.Priority = payload.Priority

	if mapping == nil && (cfg.TriageMode || decision.Confidence < cfg.TriageConfidenceThreshold) {
		item, err := b.Triage.Submit(ctx, event, decision, payload)
		if err != nil {
			return nil, err
		}
		b.recordOutcome(ctx, event.TenantID, OutcomeTriaged, 0)
		return &DispatchResult{Outcome: DispatchTriaged, Decision: &decision, Triage: item}, nil
	}

	admission, err := b.Admission.CheckAdmission(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}
	if !admission.Allowed {
		if err := b.Events.Hold(ctx, event.ID, string(admission.Reason)); err != nil {
			return nil, err
		}
		b.recordOutcome(ctx, event.TenantID, OutcomeDenied, 0)
		slog.Info("event held", "tenant", event.TenantID, "event", event.ID,
			"reason", admission.Reason, "retry_after", admission.RetryAfter)
		return &DispatchResult{Outcome: DispatchHeld, Reason: string(admission.Reason), Decision: &decision, Admission: &admission}, nil
	}

	item, err := b.Queue.Enqueue(ctx, EnqueueRequest{
		TenantID:       event.TenantID,
		WebhookEventID: event.ID,
		SourceIssueID:  event.SourceIssueID,
		Decision:       decision.Persisted(),
		Payload:        payload,
		MaxAttempts:    cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return &DispatchResult{Outcome: DispatchEnqueued, Decision: &decision, QueueItem: item, Admission: &admission}, nil
}

func (b *Bridge) skip(ctx context.Context, event *database.WebhookEvent, reason string) (*DispatchResult, error) {
	if err := b.Events.MarkStatus(ctx, event.ID, database.EventStatusSkipped, reason); err != nil {
		return nil, err
	}
	slog.Debug("event skipped", "tenant", event.TenantID, "event", event.ID, "reason", reason)
	return &DispatchResult{Outcome: DispatchSkipped, Reason: reason}, nil
}

// Process performs one attempt on a claimed item. Ticket failures are handed to the retry policy
// and reported in the result; the returned error is reserved for storage failures and lost leases.
func (b *Bridge) Process(ctx context.Context, item *database.BridgeQueueItem) (*ProcessResult, error) {
	// an item whose lease expired may already belong to another worker
	if err := b.Queue.Renew(ctx, item); err != nil {
		return nil, err
	}

	payload := item.Payload.Data()
	mapping, err := b.Mappings.Get(ctx, item.TenantID, item.SourceIssueID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if mapping != nil {
		// another item for this issue may have created the ticket after this one was queued
		payload.TicketID = mapping.TicketID
		payload.EventCount = mapping.EventCount
		if payload.EventType.IsOccurrence() {
			payload.EventCount++
		}
	}
	action := database.TicketActionCreated
	if payload.TicketID != "" {
		action = database.TicketActionUpdated
	}

	admission, err := b.admitAttempt(ctx, item, action)
	if err != nil {
		return nil, err
	}
	if !admission.Allowed {
		if err := b.Queue.Defer(ctx, item, admission.RetryAfter, string(admission.Reason)); err != nil {
			return nil, err
		}
		b.recordOutcome(ctx, item.TenantID, OutcomeDenied, 0)
		return &ProcessResult{Deferred: true, Admission: &admission}, nil
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, b.opts.TicketTimeout)
	ticketID, callErr := b.tickets.CreateOrUpdateTicket(callCtx, payload)
	cancel()
	latency := time.Since(start)

	if callErr != nil {
		return b.handleFailure(ctx, item, callErr)
	}

	if err := b.Admission.RecordSuccess(ctx, item.TenantID); err != nil {
		slog.Error("failed to record ticket success", "tenant", item.TenantID, "err", err)
	}
	if err := b.Queue.Complete(ctx, item, ticketID, action, latency); err != nil {
		return nil, fmt.Errorf("failed to complete item %d after ticket %s: %w", item.ID, ticketID, err)
	}

	b.recordOutcome(ctx, item.TenantID, OutcomeProcessed, latency)
	if action == database.TicketActionCreated {
		b.recordOutcome(ctx, item.TenantID, OutcomeTicketCreated, 0)
	} else {
		b.recordOutcome(ctx, item.TenantID, OutcomeTicketUpdated, 0)
	}
	slog.Info("ticket synced", "tenant", item.TenantID, "item", item.ID, "ticket", ticketID,
		"action", action, "latency_ms", latency.Milliseconds())
	return &ProcessResult{TicketID: ticketID, Action: action}, nil
}

// admitAttempt re-checks admission right before ticket I/O. A creation reserves a quota slot;
// an update to an existing ticket only has to get past the breaker.
func (b *Bridge) admitAttempt(ctx context.Context, item *database.BridgeQueueItem, action database.TicketAction) (Admission, error) {
	if action == database.TicketActionCreated {
		return b.Admission.ReserveCreation(ctx, item)
	}
	open, until, err := b.Admission.CircuitOpen(ctx, item.TenantID)
	if err != nil {
		return Admission{}, err
	}
	if open {
		return Admission{Reason: DenialCircuitOpen, RetryAfter: until}, nil
	}
	return Admission{Allowed: true}, nil
}

func (b *Bridge) handleFailure(ctx context.Context, item *database.BridgeQueueItem, callErr error) (*ProcessResult, error) {
	failure := fmt.Errorf("%w: %w", ErrTicketCreation, callErr)

	trip, err := b.Admission.RecordFailure(ctx, item.TenantID)
	if err != nil {
		slog.Error("failed to record ticket failure", "tenant", item.TenantID, "err", err)
	}
	if trip != nil {
		b.notify(ctx, item.TenantID, notify.SeverityCritical, fmt.Sprintf(
			"Ticket creation circuit breaker opened after %d consecutive failures; paused for %s until %s",
			trip.Failures, utils.FormatDuration(trip.OpenUntil.Sub(b.now())), trip.OpenUntil.Format(time.RFC3339)))
	}

	outcome, err := b.Queue.Fail(ctx, item, failure, errors.Is(callErr, ticket.ErrPermanent))
	if err != nil {
		return nil, err
	}
	b.recordOutcome(ctx, item.TenantID, OutcomeFailed, 0)

	if outcome.DeadLettered {
		b.recordOutcome(ctx, item.TenantID, OutcomeDeadLettered, 0)
		exhausted := fmt.Errorf("%w: item %d: %w", ErrRetriesExhausted, item.ID, failure)
		logging.CaptureError(exhausted, map[string]string{
			"tenant":       item.TenantID,
			"source_issue": item.SourceIssueID,
		})
		b.alertDeadLetters(ctx, item.TenantID)
	}
	return &ProcessResult{Err: failure, Fail: outcome}, nil
}

func (b *Bridge) alertDeadLetters(ctx context.Context, tenantID string) {
	threshold := b.opts.DeadLetterAlertThreshold
	if threshold <= 0 {
		return
	}
	pending, err := b.DeadLetters.CountPending(ctx, tenantID)
	if err != nil {
		slog.Error("failed to count dead letters", "tenant", tenantID, "err", err)
		return
	}
	if pending > 0 && pending%threshold == 0 {
		b.notify(ctx, tenantID, notify.SeverityWarning,
			fmt.Sprintf("%s bridge items are waiting in the dead-letter queue", utils.FormatCount(pending)))
	}
}

// ResolveTriage applies a human decision to a triage item. Approved items skip admission.
func (b *Bridge) ResolveTriage(ctx context.Context, tenantID string, id uint, res TriageResolution) (*database.TriageItem, *database.BridgeQueueItem, error) {
	if res.Decision != nil {
		if err := b.Routing.validate.Struct(res.Decision.Destination); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	cfg, err := b.Configs.Get(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return b.Triage.Resolve(ctx, tenantID, id, res, cfg.MaxAttempts)
}

// ReplayDeadLetter re-queues a dead-lettered item with a fresh attempt budget
func (b *Bridge) ReplayDeadLetter(ctx context.Context, tenantID string, id uint, operator string) (*database.BridgeQueueItem, error) {
	cfg, err := b.Configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return b.DeadLetters.Replay(ctx, tenantID, id, operator, cfg.MaxAttempts)
}

func (b *Bridge) recordOutcome(ctx context.Context, tenantID string, kind OutcomeKind, latency time.Duration) {
	if err := b.Metrics.RecordOutcome(ctx, tenantID, kind, latency); err != nil {
		slog.Warn("failed to record metrics", "tenant", tenantID, "kind", kind, "err", err)
	}
}

func (b *Bridge) notify(ctx context.Context, tenantID string, severity notify.Severity, message string) {
	if err := b.notifier.Notify(ctx, tenantID, severity, message); err != nil {
		slog.Warn("notification failed", "tenant", tenantID, "severity", severity, "err", err)
	}
}
