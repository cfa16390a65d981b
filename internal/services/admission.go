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

// Admission is the result of an admission check
type Admission struct {
	Allowed    bool
	Reason     DenialReason
	RetryAfter time.Time
}

// Err returns nil for an allowed admission and an *AdmissionDeniedError otherwise
func (a Admission) Err() error {
	if a.Allowed {
		return nil
	}
	return &AdmissionDeniedError{Reason: a.Reason, RetryAfter: a.RetryAfter}
}

// BreakerTrip describes a breaker that just opened
type BreakerTrip struct {
	TenantID  string
	Failures  int
	OpenUntil time.Time
}

// AdmissionController enforces per-tenant ticket quotas and the failure circuit breaker.
// Every check and outcome update runs in a transaction holding the tenant's config row.
type AdmissionController struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAdmissionController creates a new admission controller
func NewAdmissionController(db *gorm.DB) *AdmissionController {
	return &AdmissionController{db: db, now: utcNow}
}

// CheckAdmission decides whether another ticket may be queued for the tenant
func (a *AdmissionController) CheckAdmission(ctx context.Context, tenantID string) (Admission, error) {
	var result Admission
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := lockConfig(tx, tenantID)
		if err != nil {
			return err
		}
		result, err = a.evaluate(tx, cfg)
		return err
	})
	return result, err
}

// ReserveCreation charges a claimed creation against the tenant's quotas before its ticket call.
// The slot stays held while the item is processing and becomes a completed creation on success,
// so workers running concurrently cannot jointly pass a limit.
func (a *AdmissionController) ReserveCreation(ctx context.Context, item *database.BridgeQueueItem) (Admission, error) {
	var result Admission
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := lockConfig(tx, item.TenantID)
		if err != nil {
			return err
		}
		current, err := lockClaimed(tx, item.ID, item.ClaimedBy)
		if err != nil {
			return err
		}
		if current.QuotaReservedAt != nil {
			result = Admission{Allowed: true}
			return nil
		}

		result, err = a.evaluate(tx, cfg)
		if err != nil || !result.Allowed {
			return err
		}
		now := a.now()
		if err := tx.Model(current).Update("quota_reserved_at", now).Error; err != nil {
			return err
		}
		item.QuotaReservedAt = &now
		return nil
	})
	return result, err
}

func (a *AdmissionController) evaluate(tx *gorm.DB, cfg *database.BridgeConfig) (Admission, error) {
	now := a.now()
	if cfg.IsCircuitOpen(now) {
		return Admission{Reason: DenialCircuitOpen, RetryAfter: cfg.CircuitOpenUntil()}, nil
	}

	if cfg.MaxTicketsPerHour > 0 {
		since := now.Add(-time.Hour)
		used, err := chargedCreations(tx, cfg.TenantID, "completed_at > ?", since)
		if err != nil {
			return Admission{}, err
		}
		if used >= int64(cfg.MaxTicketsPerHour) {
			retry, err := hourlyRetryAt(tx, cfg.TenantID, since, now)
			if err != nil {
				return Admission{}, err
			}
			return Admission{Reason: DenialHourlyLimit, RetryAfter: retry}, nil
		}
	}

	if cfg.MaxTicketsPerDay > 0 {
		midnight := now.Truncate(24 * time.Hour)
		used, err := chargedCreations(tx, cfg.TenantID, "completed_at >= ?", midnight)
		if err != nil {
			return Admission{}, err
		}
		if used >= int64(cfg.MaxTicketsPerDay) {
			return Admission{Reason: DenialDailyLimit, RetryAfter: midnight.Add(24 * time.Hour)}, nil
		}
	}

	return Admission{Allowed: true}, nil
}

// chargedCreations counts the tenant's creations completed inside a window plus the creations
// currently holding a reservation
func chargedCreations(tx *gorm.DB, tenantID, windowCond string, since time.Time) (int64, error) {
	var count int64
	err := tx.Model(&database.BridgeQueueItem{}).
		Where("tenant_id = ? AND ((status = ? AND ticket_action = ? AND "+windowCond+") OR (status = ? AND quota_reserved_at IS NOT NULL))",
			tenantID, database.QueueStatusCompleted, database.TicketActionCreated, since, database.QueueStatusProcessing).
		Count(&count).Error
	return count, err
}

// hourlyRetryAt is when the oldest creation in the rolling hour leaves it. With only reservations
// in the window it falls back to a minute from now.
func hourlyRetryAt(tx *gorm.DB, tenantID string, since, now time.Time) (time.Time, error) {
	var oldest []database.BridgeQueueItem
	err := tx.Select("id", "completed_at").
		Where("tenant_id = ? AND status = ? AND ticket_action = ? AND completed_at > ?",
			tenantID, database.QueueStatusCompleted, database.TicketActionCreated, since).
		Order("completed_at ASC").
		Limit(1).
		Find(&oldest).Error
	if err != nil {
		return time.Time{}, err
	}
	if len(oldest) == 1 && oldest[0].CompletedAt != nil {
		if retry := oldest[0].CompletedAt.Add(time.Hour); retry.After(now) {
			return retry, nil
		}
	}
	return now.Add(time.Minute), nil
}

// CircuitOpen reports whether the tenant's breaker currently rejects work, and until when
func (a *AdmissionController) CircuitOpen(ctx context.Context, tenantID string) (bool, time.Time, error) {
	cfg, err := database.GetBridgeConfig(a.db.WithContext(ctx), tenantID)
	if err != nil {
		return false, time.Time{}, err
	}
	return cfg.IsCircuitOpen(a.now()), cfg.CircuitOpenUntil(), nil
}

// RecordSuccess ends the tenant's failure run. A tripped breaker whose cooldown elapsed closes.
func (a *AdmissionController) RecordSuccess(ctx context.Context, tenantID string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := lockConfig(tx, tenantID)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"consecutive_failures": 0}
		if cfg.CircuitBreakerTrippedAt != nil && !cfg.IsCircuitOpen(a.now()) {
			updates["circuit_breaker_tripped_at"] = nil
			slog.Info("circuit breaker closed", "tenant", tenantID)
		}
		return tx.Model(cfg).Updates(updates).Error
	})
}

// RecordFailure extends the tenant's failure run and trips the breaker when the run reaches the
// threshold. It returns a non-nil trip only for the call that opened the breaker.
//
// Once the cooldown elapses the breaker is half-open: work is admitted again but the failure run
// is only cleared by a success. The first failure after the cooldown therefore re-opens the
// breaker for another full cooldown, while a success closes it.
func (a *AdmissionController) RecordFailure(ctx context.Context, tenantID string) (*BreakerTrip, error) {
	var trip *BreakerTrip
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := lockConfig(tx, tenantID)
		if err != nil {
			return err
		}
		now := a.now()
		failures := cfg.ConsecutiveFailures + 1
		updates := map[string]interface{}{"consecutive_failures": failures}

		threshold := cfg.CircuitBreakerFailureThreshold
		if threshold > 0 && failures >= threshold && !cfg.IsCircuitOpen(now) {
			updates["circuit_breaker_tripped_at"] = now
			cfg.CircuitBreakerTrippedAt = &now
			trip = &BreakerTrip{TenantID: tenantID, Failures: failures, OpenUntil: cfg.CircuitOpenUntil()}
		}
		return tx.Model(cfg).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	if trip != nil {
		slog.Warn("circuit breaker tripped", "tenant", tenantID, "failures", trip.Failures, "open_until", trip.OpenUntil)
	}
	return trip, nil
}

// ResetBreaker closes the tenant's breaker and clears the failure run (operator action)
func (a *AdmissionController) ResetBreaker(ctx context.Context, tenantID string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := lockConfig(tx, tenantID)
		if err != nil {
			return err
		}
		return tx.Model(cfg).Updates(map[string]interface{}{
			"consecutive_failures":       0,
			"circuit_breaker_tripped_at": nil,
		}).Error
	})
}

// lockConfig loads the tenant's config holding a row lock for the rest of the transaction
func lockConfig(tx *gorm.DB, tenantID string) (*database.BridgeConfig, error) {
	var cfg database.BridgeConfig
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBridgeDisabled, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
