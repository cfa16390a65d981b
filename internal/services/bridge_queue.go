package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

// DefaultMaxAttempts is used when a tenant config does not set one
const DefaultMaxAttempts = 3

// maxBackoffExponent caps 2^attempt so the delay cannot overflow a time.Duration
const maxBackoffExponent = 20

// EnqueueRequest describes a unit of ticket work
type EnqueueRequest struct {
	TenantID       string
	WebhookEventID uint
	SourceIssueID  string
	Decision       database.Decision
	Payload        database.TicketPayload
	MaxAttempts    int
}

// FailOutcome reports what Fail did with an item
type FailOutcome struct {
	DeadLettered  bool
	DeadLetterID  uint
	NextAttemptAt time.Time
}

// Backoff returns the retry delay after the given number of attempts: 2^attempts minutes
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return time.Duration(math.Pow(2, float64(attempts))) * time.Minute
}

// BridgeQueue is the durable ticket work queue.
// An item moves pending -> processing -> completed | pending (retry) | dead_lettered.
type BridgeQueue struct {
	db  *gorm.DB
	now func() time.Time
}

// NewBridgeQueue creates a new bridge queue
func NewBridgeQueue(db *gorm.DB) *BridgeQueue {
	return &BridgeQueue{db: db, now: utcNow}
}

// Enqueue adds a pending item that is immediately claimable
func (q *BridgeQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*database.BridgeQueueItem, error) {
	var item *database.BridgeQueueItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		item, err = q.enqueueTx(tx, req)
		return err
	})
	return item, err
}

func (q *BridgeQueue) enqueueTx(tx *gorm.DB, req EnqueueRequest) (*database.BridgeQueueItem, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	item := &database.BridgeQueueItem{
		TenantID:       req.TenantID,
		WebhookEventID: req.WebhookEventID,
		SourceIssueID:  req.SourceIssueID,
		Decision:       req.Decision,
		Payload:        datatypes.NewJSONType(req.Payload),
		Status:         database.QueueStatusPending,
		MaxAttempts:    maxAttempts,
		NextAttemptAt:  q.now(),
	}
	if err := tx.Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue bridge item: %w", err)
	}
	return item, nil
}

// Claim atomically takes up to n due pending items for workerID. Rows locked by a concurrent
// claimant are skipped rather than waited on; each row is flipped with a status compare-and-swap
// so an item is never processing for two workers at once.
func (q *BridgeQueue) Claim(ctx context.Context, workerID string, n int) ([]database.BridgeQueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	var claimed []database.BridgeQueueItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		var candidates []database.BridgeQueueItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", database.QueueStatusPending, now).
			Order("next_attempt_at ASC, id ASC").
			Limit(n).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, item := range candidates {
			ok, err := claimRow(tx, item.ID, workerID, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			claimedAt := now
			item.Status = database.QueueStatusProcessing
			item.ClaimedBy = workerID
			item.ClaimedAt = &claimedAt
			item.AttemptCount++
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim bridge items: %w", err)
	}
	return claimed, nil
}

// claimRow flips one pending row to processing for workerID. It reports false when the row is no
// longer pending, which happens when the locking read could not hold it and another claimant won.
func claimRow(tx *gorm.DB, id uint, workerID string, now time.Time) (bool, error) {
	result := tx.Model(&database.BridgeQueueItem{}).
		Where("id = ? AND status = ?", id, database.QueueStatusPending).
		Updates(map[string]interface{}{
			"status":        database.QueueStatusProcessing,
			"claimed_by":    workerID,
			"claimed_at":    now,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Renew restarts the lease on a claimed item. It fails with ErrStaleClaim once the sweeper has
// recovered the item or another worker holds it, so workers call it right before ticket I/O.
func (q *BridgeQueue) Renew(ctx context.Context, item *database.BridgeQueueItem) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockClaimed(tx, item.ID, item.ClaimedBy)
		if err != nil {
			return err
		}
		if err := tx.Model(current).Update("claimed_at", now).Error; err != nil {
			return err
		}
		item.ClaimedAt = &now
		return nil
	})
}

// lockClaimed re-reads an item inside tx and verifies workerID still holds it
func lockClaimed(tx *gorm.DB, id uint, workerID string) (*database.BridgeQueueItem, error) {
	var current database.BridgeQueueItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if current.Status != database.QueueStatusProcessing || current.ClaimedBy != workerID {
		return nil, fmt.Errorf("%w: item %d is %s by %q", ErrStaleClaim, id, current.Status, current.ClaimedBy)
	}
	return &current, nil
}

// Complete marks a claimed item completed, records the ticket on the issue mapping and marks the
// originating event processed, all in one transaction.
func (q *BridgeQueue) Complete(ctx context.Context, item *database.BridgeQueueItem, ticketID string, action database.TicketAction, latency time.Duration) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockClaimed(tx, item.ID, item.ClaimedBy)
		if err != nil {
			return err
		}
		err = tx.Model(current).Updates(map[string]interface{}{
			"status":        database.QueueStatusCompleted,
			"ticket_id":     ticketID,
			"ticket_action": action,
			"completed_at":  now,
			"processing_ms": latency.Milliseconds(),
			"last_error":    "",
		}).Error
		if err != nil {
			return err
		}

		payload := current.Payload.Data()
		if err := recordTicket(tx, payload, ticketID, now); err != nil {
			return fmt.Errorf("failed to update issue mapping: %w", err)
		}
		if err := setEventStatus(tx, current.WebhookEventID, database.EventStatusProcessed, ""); err != nil {
			return err
		}

		item.Status = database.QueueStatusCompleted
		item.TicketID = ticketID
		item.TicketAction = action
		item.CompletedAt = &now
		item.ProcessingMs = latency.Milliseconds()
		return nil
	})
}

// Fail records a failed attempt. The item is dead-lettered when it has used all its attempts or
// when force is set; otherwise it returns to pending after a 2^attempt_count minute backoff.
func (q *BridgeQueue) Fail(ctx context.Context, item *database.BridgeQueueItem, cause error, force bool) (FailOutcome, error) {
	now := q.now()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var outcome FailOutcome
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockClaimed(tx, item.ID, item.ClaimedBy)
		if err != nil {
			return err
		}

		if force || current.AttemptCount >= current.MaxAttempts {
			dl, err := deadLetterTx(tx, current, reason)
			if err != nil {
				return err
			}
			outcome = FailOutcome{DeadLettered: true, DeadLetterID: dl.ID}
			item.Status = database.QueueStatusDeadLettered
			item.LastError = reason
			return nil
		}

		next := now.Add(Backoff(current.AttemptCount))
		err = tx.Model(current).Updates(map[string]interface{}{
			"status":            database.QueueStatusPending,
			"next_attempt_at":   next,
			"last_error":        reason,
			"claimed_by":        "",
			"claimed_at":        nil,
			"quota_reserved_at": nil,
		}).Error
		if err != nil {
			return err
		}
		outcome = FailOutcome{NextAttemptAt: next}
		item.QuotaReservedAt = nil
		item.Status = database.QueueStatusPending
		item.NextAttemptAt = next
		item.LastError = reason
		return nil
	})
	if err != nil {
		return FailOutcome{}, err
	}

	if outcome.DeadLettered {
		slog.Warn("bridge item dead-lettered", "item", item.ID, "tenant", item.TenantID,
			"attempts", item.AttemptCount, "error", reason)
	} else {
		slog.Info("bridge item scheduled for retry", "item", item.ID, "tenant", item.TenantID,
			"attempt", item.AttemptCount, "next_attempt_at", outcome.NextAttemptAt)
	}
	return outcome, nil
}

// deadLetterTx snapshots the item into the dead-letter store and marks both the item and its event
func deadLetterTx(tx *gorm.DB, item *database.BridgeQueueItem, reason string) (*database.DeadLetterItem, error) {
	err := tx.Model(item).Updates(map[string]interface{}{
		"status":     database.QueueStatusDeadLettered,
		"last_error": reason,
	}).Error
	if err != nil {
		return nil, err
	}

	dl := &database.DeadLetterItem{
		TenantID:       item.TenantID,
		QueueItemID:    item.ID,
		WebhookEventID: item.WebhookEventID,
		SourceIssueID:  item.SourceIssueID,
		Decision:       item.Decision,
		Payload:        item.Payload,
		FailureReason:  reason,
		AttemptCount:   item.AttemptCount,
		Status:         database.DeadLetterStatusPending,
	}
	if err := tx.Create(dl).Error; err != nil {
		return nil, fmt.Errorf("failed to create dead-letter item: %w", err)
	}
	if err := setEventStatus(tx, item.WebhookEventID, database.EventStatusFailed, reason); err != nil {
		return nil, err
	}
	return dl, nil
}

// Defer returns a claimed item to pending until the given time without consuming its attempt
func (q *BridgeQueue) Defer(ctx context.Context, item *database.BridgeQueueItem, until time.Time, reason string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockClaimed(tx, item.ID, item.ClaimedBy)
		if err != nil {
			return err
		}
		attempts := current.AttemptCount - 1
		if attempts < 0 {
			attempts = 0
		}
		err = tx.Model(current).Updates(map[string]interface{}{
			"status":            database.QueueStatusPending,
			"attempt_count":     attempts,
			"next_attempt_at":   until,
			"last_error":        reason,
			"claimed_by":        "",
			"claimed_at":        nil,
			"quota_reserved_at": nil,
		}).Error
		if err != nil {
			return err
		}
		item.QuotaReservedAt = nil
		item.Status = database.QueueStatusPending
		item.AttemptCount = attempts
		item.NextAttemptAt = until
		return nil
	})
}

// RecoverStaleLeases returns processing items whose lease expired to pending. The attempt count
// is kept, so a worker that keeps crashing still exhausts the item.
func (q *BridgeQueue) RecoverStaleLeases(ctx context.Context, lease time.Duration) (int64, error) {
	now := q.now()
	result := q.db.WithContext(ctx).Model(&database.BridgeQueueItem{}).
		Where("status = ? AND claimed_at <= ?", database.QueueStatusProcessing, now.Add(-lease)).
		Updates(map[string]interface{}{
			"status":            database.QueueStatusPending,
			"next_attempt_at":   now,
			"claimed_by":        "",
			"claimed_at":        nil,
			"quota_reserved_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to recover stale leases: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		slog.Warn("recovered stale bridge leases", "count", result.RowsAffected, "lease", lease)
	}
	return result.RowsAffected, nil
}

// Get returns a tenant's queue item by id
func (q *BridgeQueue) Get(ctx context.Context, tenantID string, id uint) (*database.BridgeQueueItem, error) {
	var item database.BridgeQueueItem
	err := q.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CountByStatus returns the number of a tenant's items in each status
func (q *BridgeQueue) CountByStatus(ctx context.Context, tenantID string) (map[database.QueueStatus]int64, error) {
	var rows []struct {
		Status database.QueueStatus
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&database.BridgeQueueItem{}).
		Select("status, count(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[database.QueueStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
