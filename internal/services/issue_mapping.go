package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

// IssueMappingStore correlates source issues with their tickets, one row per (tenant, source issue)
type IssueMappingStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewIssueMappingStore creates a new issue mapping store
func NewIssueMappingStore(db *gorm.DB) *IssueMappingStore {
	return &IssueMappingStore{db: db, now: utcNow}
}

// Get returns the mapping for a source issue, or ErrNotFound before its first ticket
func (s *IssueMappingStore) Get(ctx context.Context, tenantID, sourceIssueID string) (*database.IssueMapping, error) {
	var m database.IssueMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_issue_id = ?", tenantID, sourceIssueID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordEvent counts an occurrence that did not produce ticket work (cooldown coalescing)
func (s *IssueMappingStore) RecordEvent(ctx context.Context, tenantID, sourceIssueID string) error {
	result := s.db.WithContext(ctx).Model(&database.IssueMapping{}).
		Where("tenant_id = ? AND source_issue_id = ?", tenantID, sourceIssueID).
		Updates(map[string]interface{}{
			"event_count":  gorm.Expr("event_count + 1"),
			"last_seen_at": s.now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a tenant's mappings, most recently seen first
func (s *IssueMappingStore) List(ctx context.Context, tenantID string, limit, offset int) ([]database.IssueMapping, int64, error) {
	query := s.db.WithContext(ctx).Model(&database.IssueMapping{}).
		Where("tenant_id = ?", tenantID).Session(&gorm.Session{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var mappings []database.IssueMapping
	err := query.Order("last_seen_at DESC, id DESC").Limit(limit).Offset(offset).Find(&mappings).Error
	return mappings, total, err
}

// InCooldown reports whether the mapping's ticket was synced less than cooldown ago
func InCooldown(m *database.IssueMapping, cooldown time.Duration, now time.Time) bool {
	if m == nil || m.LastTicketSyncAt == nil || cooldown <= 0 {
		return false
	}
	return now.Before(m.LastTicketSyncAt.Add(cooldown))
}

// sourceStatusFor maps a lifecycle event to the issue's source-side status; "" leaves it unchanged
func sourceStatusFor(t database.EventType) string {
	switch t {
	case database.EventTypeCreated, database.EventTypeEvent, database.EventTypeRegressed, database.EventTypeUnresolved:
		return "unresolved"
	case database.EventTypeResolved:
		return "resolved"
	case database.EventTypeIgnored:
		return "ignored"
	default:
		return ""
	}
}

// recordTicket upserts the mapping for a completed ticket inside the caller's transaction.
// The first ticket for an issue creates the row; later ones update it in place.
func recordTicket(tx *gorm.DB, p database.TicketPayload, ticketID string, now time.Time) error {
	seed := &database.IssueMapping{
		TenantID:      p.TenantID,
		SourceIssueID: p.SourceIssueID,
		TicketID:      ticketID,
		Fingerprint:   p.Fingerprint,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "source_issue_id"}},
		DoNothing: true,
	}).Create(seed).Error
	if err != nil {
		return err
	}

	var m database.IssueMapping
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND source_issue_id = ?", p.TenantID, p.SourceIssueID).
		First(&m).Error
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"ticket_id":           ticketID,
		"ticket_status":       p.State,
		"last_ticket_sync_at": now,
	}
	if p.Fingerprint != "" {
		updates["fingerprint"] = p.Fingerprint
	}
	if status := sourceStatusFor(p.EventType); status != "" {
		updates["source_status"] = status
	}
	if p.EventType.IsOccurrence() {
		updates["event_count"] = gorm.Expr("event_count + 1")
		updates["last_seen_at"] = now
	}
	return tx.Model(&m).Updates(updates).Error
}
