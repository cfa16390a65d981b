package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

// DeadLetterStore holds items that exhausted their attempts until an operator replays or
// discards them. Nothing is replayed automatically.
type DeadLetterStore struct {
	db    *gorm.DB
	queue *BridgeQueue
	now   func() time.Time
}

// NewDeadLetterStore creates a new dead-letter store that replays onto queue
func NewDeadLetterStore(db *gorm.DB, queue *BridgeQueue) *DeadLetterStore {
	return &DeadLetterStore{db: db, queue: queue, now: utcNow}
}

// resolvePending locks a pending dead-letter record for resolution
func resolvePending(tx *gorm.DB, tenantID string, id uint) (*database.DeadLetterItem, error) {
	var dl database.DeadLetterItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, id).First(&dl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dl.Status != database.DeadLetterStatusPending {
		return nil, fmt.Errorf("%w: dead-letter item %d is %s", ErrAlreadyResolved, id, dl.Status)
	}
	return &dl, nil
}

// Replay re-injects the snapshot as a fresh queue item with no attempts used
func (s *DeadLetterStore) Replay(ctx context.Context, tenantID string, id uint, operator string, maxAttempts int) (*database.BridgeQueueItem, error) {
	var item *database.BridgeQueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := resolvePending(tx, tenantID, id)
		if err != nil {
			return err
		}
		item, err = s.queue.enqueueTx(tx, EnqueueRequest{
			TenantID:       dl.TenantID,
			WebhookEventID: dl.WebhookEventID,
			SourceIssueID:  dl.SourceIssueID,
			Decision:       dl.Decision,
			Payload:        dl.Payload.Data(),
			MaxAttempts:    maxAttempts,
		})
		if err != nil {
			return err
		}
		now := s.now()
		err = tx.Model(dl).Updates(map[string]interface{}{
			"status":               database.DeadLetterStatusReplayed,
			"resolved_by":          operator,
			"resolved_at":          now,
			"replay_queue_item_id": item.ID,
		}).Error
		if err != nil {
			return err
		}
		return setEventStatus(tx, dl.WebhookEventID, database.EventStatusProcessing, "")
	})
	if err != nil {
		return nil, err
	}
	slog.Info("dead-letter item replayed", "tenant", tenantID, "item", id, "queue_item", item.ID, "operator", operator)
	return item, nil
}

// Discard terminally closes a dead-letter record
func (s *DeadLetterStore) Discard(ctx context.Context, tenantID string, id uint, operator string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := resolvePending(tx, tenantID, id)
		if err != nil {
			return err
		}
		return tx.Model(dl).Updates(map[string]interface{}{
			"status":      database.DeadLetterStatusDiscarded,
			"resolved_by": operator,
			"resolved_at": s.now(),
		}).Error
	})
	if err != nil {
		return err
	}
	slog.Info("dead-letter item discarded", "tenant", tenantID, "item", id, "operator", operator)
	return nil
}

// Get returns a tenant's dead-letter record by id
func (s *DeadLetterStore) Get(ctx context.Context, tenantID string, id uint) (*database.DeadLetterItem, error) {
	var dl database.DeadLetterItem
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&dl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// List returns a tenant's dead-letter records, newest first. An empty status lists all.
func (s *DeadLetterStore) List(ctx context.Context, tenantID string, status database.DeadLetterStatus, limit, offset int) ([]database.DeadLetterItem, int64, error) {
	query := s.db.WithContext(ctx).Model(&database.DeadLetterItem{}).Where("tenant_id = ?", tenantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []database.DeadLetterItem
	err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&items).Error
	return items, total, err
}

// CountPending returns how many of a tenant's records await an operator
func (s *DeadLetterStore) CountPending(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.DeadLetterItem{}).
		Where("tenant_id = ? AND status = ?", tenantID, database.DeadLetterStatusPending).
		Count(&count).Error
	return count, err
}
