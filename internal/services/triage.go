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
	"github.com/akmatori/issuebridge/internal/utils"
)

// TriageResolution is a human decision on a triage item
type TriageResolution struct {
	Approve  bool
	Resolver string
	// Decision overrides the suggested routing when set
	Decision *database.Decision
}

// TriageQueue holds low-confidence routing decisions until a human resolves them.
// Items never time out.
type TriageQueue struct {
	db    *gorm.DB
	queue *BridgeQueue
	now   func() time.Time
}

// NewTriageQueue creates a new triage queue that pushes approved items onto queue
func NewTriageQueue(db *gorm.DB, queue *BridgeQueue) *TriageQueue {
	return &TriageQueue{db: db, queue: queue, now: utcNow}
}

// Submit parks an event with its suggested routing and prepared payload
func (t *TriageQueue) Submit(ctx context.Context, event *database.WebhookEvent, decision RoutingDecision, payload database.TicketPayload) (*database.TriageItem, error) {
	item := &database.TriageItem{
		TenantID:       event.TenantID,
		WebhookEventID: event.ID,
		SourceIssueID:  event.SourceIssueID,
		Summary:        triageSummary(event),
		Suggested:      decision.Persisted(),
		Payload:        datatypes.NewJSONType(payload),
		Status:         database.TriageStatusPending,
	}
	if err := t.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to submit triage item: %w", err)
	}
	slog.Info("event held for triage", "tenant", event.TenantID, "event", event.ID,
		"confidence", decision.Confidence, "project", decision.Project)
	return item, nil
}

func triageSummary(event *database.WebhookEvent) string {
	attrs := event.Attributes.Data()
	summary := attrs.ErrorType
	if attrs.Message != "" {
		if summary != "" {
			summary += ": "
		}
		summary += attrs.Message
	}
	if attrs.SourceProject != "" {
		summary = fmt.Sprintf("[%s] %s", attrs.SourceProject, summary)
	}
	return utils.TruncateText(summary, 500)
}

// Resolve approves or rejects a pending item. Approval enqueues the (possibly edited) decision;
// rejection is terminal and marks the originating event skipped.
func (t *TriageQueue) Resolve(ctx context.Context, tenantID string, id uint, res TriageResolution, maxAttempts int) (*database.TriageItem, *database.BridgeQueueItem, error) {
	var (
		triaged  database.TriageItem
		enqueued *database.BridgeQueueItem
	)
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantID, id).First(&triaged).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if triaged.Status != database.TriageStatusPending {
			return fmt.Errorf("%w: triage item %d is %s", ErrAlreadyResolved, id, triaged.Status)
		}

		now := t.now()
		triaged.ResolvedBy = res.Resolver
		triaged.ResolvedAt = &now

		if !res.Approve {
			triaged.Status = database.TriageStatusRejected
			if err := tx.Save(&triaged).Error; err != nil {
				return err
			}
			return setEventStatus(tx, triaged.WebhookEventID, database.EventStatusSkipped, "rejected in triage")
		}

		decision := triaged.Suggested
		if res.Decision != nil {
			decision = *res.Decision
		}
		payload := triaged.Payload.Data()
		payload.Project = decision.Project
		payload.Owner = decision.Owner
		payload.Priority = decision.Priority

		enqueued, err = t.queue.enqueueTx(tx, EnqueueRequest{
			TenantID:       triaged.TenantID,
			WebhookEventID: triaged.WebhookEventID,
			SourceIssueID:  triaged.SourceIssueID,
			Decision:       decision,
			Payload:        payload,
			MaxAttempts:    maxAttempts,
		})
		if err != nil {
			return err
		}
		triaged.Status = database.TriageStatusApproved
		triaged.Suggested = decision
		triaged.Payload = datatypes.NewJSONType(payload)
		triaged.QueueItemID = &enqueued.ID
		if err := tx.Save(&triaged).Error; err != nil {
			return err
		}
		return setEventStatus(tx, triaged.WebhookEventID, database.EventStatusProcessing, "")
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("triage item resolved", "tenant", tenantID, "item", id, "approved", res.Approve, "resolver", res.Resolver)
	return &triaged, enqueued, nil
}

// ListPending returns a tenant's unresolved items, oldest first
func (t *TriageQueue) ListPending(ctx context.Context, tenantID string, limit, offset int) ([]database.TriageItem, int64, error) {
	query := t.db.WithContext(ctx).Model(&database.TriageItem{}).
		Where("tenant_id = ? AND status = ?", tenantID, database.TriageStatusPending).
		Session(&gorm.Session{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []database.TriageItem
	err := query.Order("id ASC").Limit(limit).Offset(offset).Find(&items).Error
	return items, total, err
}

// Get returns a tenant's triage item by id
func (t *TriageQueue) Get(ctx context.Context, tenantID string, id uint) (*database.TriageItem, error) {
	var item database.TriageItem
	err := t.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
