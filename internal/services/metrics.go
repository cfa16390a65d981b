package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

const meterName = "issuebridge"

// OutcomeKind names the counter an outcome increments
type OutcomeKind string

const (
	OutcomeReceived      OutcomeKind = "received"
	OutcomeProcessed     OutcomeKind = "processed"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeTicketCreated OutcomeKind = "ticket_created"
	OutcomeTicketUpdated OutcomeKind = "ticket_updated"
	OutcomeDeadLettered  OutcomeKind = "dead_lettered"
	OutcomeTriaged       OutcomeKind = "triaged"
	OutcomeDenied        OutcomeKind = "denied"
)

// MetricsAggregator keeps hourly per-tenant rollups and mirrors them to OpenTelemetry instruments
type MetricsAggregator struct {
	db       *gorm.DB
	now      func() time.Time
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewMetricsAggregator creates the aggregator and its instruments on the global meter provider
func NewMetricsAggregator(db *gorm.DB) (*MetricsAggregator, error) {
	meter := otel.Meter(meterName)
	outcomes, err := meter.Int64Counter("issuebridge.outcomes",
		metric.WithDescription("Bridge pipeline outcomes by tenant and kind"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("issuebridge.processing.duration_ms",
		metric.WithDescription("Ticket processing latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &MetricsAggregator{db: db, now: utcNow, outcomes: outcomes, latency: latency}, nil
}

// RecordOutcome increments the tenant's current-hour bucket. A positive latency is folded into the
// bucket's running average and maximum.
func (m *MetricsAggregator) RecordOutcome(ctx context.Context, tenantID string, kind OutcomeKind, latency time.Duration) error {
	hour := m.now().Truncate(time.Hour)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "hour"}},
			DoNothing: true,
		}).Create(&database.MetricsBucket{TenantID: tenantID, Hour: hour}).Error
		if err != nil {
			return err
		}

		var bucket database.MetricsBucket
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND hour = ?", tenantID, hour).First(&bucket).Error
		if err != nil {
			return err
		}
		if err := incrementBucket(&bucket, kind); err != nil {
			return err
		}
		if latency > 0 {
			ms := latency.Milliseconds()
			bucket.LatencySamples++
			bucket.AvgLatencyMs += (float64(ms) - bucket.AvgLatencyMs) / float64(bucket.LatencySamples)
			if ms > bucket.MaxLatencyMs {
				bucket.MaxLatencyMs = ms
			}
		}
		return tx.Save(&bucket).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record %s outcome: %w", kind, err)
	}

	attrs := metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("kind", string(kind)),
	)
	m.outcomes.Add(ctx, 1, attrs)
	if latency > 0 {
		m.latency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
	return nil
}

// Query returns a tenant's buckets with from <= hour < to, oldest first. A zero to means now.
func (m *MetricsAggregator) Query(ctx context.Context, tenantID string, from, to time.Time) ([]database.MetricsBucket, error) {
	if to.IsZero() {
		to = m.now().Add(time.Hour)
	}
	var buckets []database.MetricsBucket
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND hour >= ? AND hour < ?", tenantID, from.UTC(), to.UTC()).
		Order("hour ASC").
		Find(&buckets).Error
	return buckets, err
}

func incrementBucket(b *database.MetricsBucket, kind OutcomeKind) error {
	switch kind {
	case OutcomeReceived:
		b.Received++
	case OutcomeProcessed:
		b.Processed++
	case OutcomeFailed:
		b.Failed++
	case OutcomeTicketCreated:
		b.TicketsCreated++
	case OutcomeTicketUpdated:
		b.TicketsUpdated++
	case OutcomeDeadLettered:
		b.DeadLettered++
	case OutcomeTriaged:
		b.Triaged++
	case OutcomeDenied:
		b.Denied++
	default:
		return fmt.Errorf("unknown outcome kind %q", kind)
	}
	return nil
}
