package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

// IngestRequest is a normalized inbound alert event
type IngestRequest struct {
	TenantID      string
	SourceEventID string
	SourceIssueID string
	EventType     database.EventType
	Attributes    database.EventAttributes
	Payload       database.JSONB
}

// EventStore records inbound webhook events, deduplicated per tenant and source event id
type EventStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEventStore creates a new event store
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db, now: utcNow}
}

// Ingest stores the event unless the tenant already has one with the same source event id,
// in which case the existing record is returned and created is false.
func (s *EventStore) Ingest(ctx context.Context, req IngestRequest) (event *database.WebhookEvent, created bool, err error) {
	if req.TenantID == "" || req.SourceEventID == "" || req.SourceIssueID == "" {
		return nil, false, fmt.Errorf("tenant, source event id and source issue id are required")
	}
	if req.EventType == "" {
		req.EventType = database.EventTypeEvent
	}

	db := s.db.WithContext(ctx)
	existing, err := s.findByKey(db, req.TenantID, req.SourceEventID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	event = &database.WebhookEvent{
		TenantID:      req.TenantID,
		SourceEventID: req.SourceEventID,
		SourceIssueID: req.SourceIssueID,
		EventType:     req.EventType,
		Attributes:    datatypes.NewJSONType(req.Attributes),
		Payload:       req.Payload,
		Status:        database.EventStatusReceived,
		ReceivedAt:    s.now(),
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "source_event_id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to store webhook event: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// lost an insert race against a concurrent redelivery
		existing, err := s.findByKey(db, req.TenantID, req.SourceEventID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return event, true, nil
}

func (s *EventStore) findByKey(db *gorm.DB, tenantID, sourceEventID string) (*database.WebhookEvent, error) {
	var event database.WebhookEvent
	err := db.Where("tenant_id = ? AND source_event_id = ?", tenantID, sourceEventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Get returns a tenant's event by id
func (s *EventStore) Get(ctx context.Context, tenantID string, id uint) (*database.WebhookEvent, error) {
	var event database.WebhookEvent
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Transition moves an event from one status to another. It reports false when the event was
// not in the expected status, so concurrent dispatchers act on each event once.
func (s *EventStore) Transition(ctx context.Context, id uint, from, to database.EventStatus) (bool, error) {
	updates := map[string]interface{}{"status": to, "held_reason": ""}
	if to == database.EventStatusProcessing {
		updates["dispatched_at"] = s.now()
	}
	result := s.db.WithContext(ctx).Model(&database.WebhookEvent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Hold returns an event to received with the reason it could not be admitted
func (s *EventStore) Hold(ctx context.Context, id uint, reason string) error {
	return s.db.WithContext(ctx).Model(&database.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        database.EventStatusReceived,
			"held_reason":   reason,
			"dispatched_at": nil,
		}).Error
}

// RecoverStalledDispatches returns events that were taken for dispatch at least age ago but never
// reached the bridge or triage queue to received. This happens when a dispatcher dies between
// taking an event and handing it on.
func (s *EventStore) RecoverStalledDispatches(ctx context.Context, age time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&database.WebhookEvent{}).
		Where("status = ? AND dispatched_at <= ?", database.EventStatusProcessing, s.now().Add(-age)).
		Where("NOT EXISTS (SELECT 1 FROM bridge_queue_items q WHERE q.webhook_event_id = webhook_events.id)").
		Where("NOT EXISTS (SELECT 1 FROM triage_items t WHERE t.webhook_event_id = webhook_events.id)").
		Updates(map[string]interface{}{
			"status":        database.EventStatusReceived,
			"held_reason":   "",
			"dispatched_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to recover stalled dispatches: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		slog.Warn("recovered stalled event dispatches", "count", result.RowsAffected, "age", age)
	}
	return result.RowsAffected, nil
}

// ListReceived returns events awaiting dispatch. New events come before held ones so a tenant
// with a backlog of denied events cannot starve the others.
func (s *EventStore) ListReceived(ctx context.Context, limit int) ([]database.WebhookEvent, error) {
	var events []database.WebhookEvent
	err := s.db.WithContext(ctx).Where("status = ?", database.EventStatusReceived).
		Order("held_reason ASC, id ASC").Limit(limit).Find(&events).Error
	return events, err
}

// ListHeld returns a tenant's events waiting on admission, oldest first
func (s *EventStore) ListHeld(ctx context.Context, tenantID string, limit int) ([]database.WebhookEvent, error) {
	var events []database.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND held_reason <> ''", tenantID, database.EventStatusReceived).
		Order("id ASC").Limit(limit).Find(&events).Error
	return events, err
}

// MarkStatus sets an event's status and error message
func (s *EventStore) MarkStatus(ctx context.Context, id uint, status database.EventStatus, errMsg string) error {
	return setEventStatus(s.db.WithContext(ctx), id, status, errMsg)
}

// CountSince counts a source issue's events received at or after since
func (s *EventStore) CountSince(ctx context.Context, tenantID, sourceIssueID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.WebhookEvent{}).
		Where("tenant_id = ? AND source_issue_id = ? AND received_at >= ?", tenantID, sourceIssueID, since).
		Count(&count).Error
	return count, err
}

// setEventStatus updates an event's status inside a caller's transaction
func setEventStatus(tx *gorm.DB, id uint, status database.EventStatus, errMsg string) error {
	return tx.Model(&database.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "error": errMsg}).Error
}
