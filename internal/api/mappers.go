package api

import (
	"gorm.io/datatypes"

	"github.com/akmatori/issuebridge/internal/database"
)

// ApplyToConfig copies the request onto cfg. Fields sent as null keep their current value.
func (r BridgeConfigRequest) ApplyToConfig(cfg *database.BridgeConfig) {
	if r.Enabled != nil {
		cfg.Enabled = *r.Enabled
	}
	cfg.CredentialsRef = r.CredentialsRef
	cfg.DefaultDestination = r.DefaultDestination
	cfg.NotifyChannel = r.NotifyChannel
	if r.AllowedTagKeys != nil {
		cfg.AllowedTagKeys = datatypes.NewJSONType(r.AllowedTagKeys)
	}
	cfg.TriageMode = r.TriageMode
	cfg.TriageConfidenceThreshold = r.TriageConfidenceThreshold
	cfg.MaxTicketsPerHour = r.MaxTicketsPerHour
	cfg.MaxTicketsPerDay = r.MaxTicketsPerDay
	cfg.IssueCooldownMinutes = r.IssueCooldownMinutes
	cfg.SpikeThreshold = r.SpikeThreshold
	if r.MaxAttempts != nil {
		cfg.MaxAttempts = *r.MaxAttempts
	}
	if r.SpikeWindowMinutes != nil {
		cfg.SpikeWindowMinutes = *r.SpikeWindowMinutes
	}
	if r.CircuitBreakerFailureThreshold != nil {
		cfg.CircuitBreakerFailureThreshold = *r.CircuitBreakerFailureThreshold
	}
	if r.CircuitBreakerCooldownMinutes != nil {
		cfg.CircuitBreakerCooldownMinutes = *r.CircuitBreakerCooldownMinutes
	}
}

// ToRule converts the request into a tenant's rule. New rules are enabled unless stated otherwise.
func (r RoutingRuleRequest) ToRule(tenantID string, id uint) *database.RoutingRule {
	tags := r.TagMatches
	if tags == nil {
		tags = map[string]string{}
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &database.RoutingRule{
		ID:                   id,
		TenantID:             tenantID,
		Name:                 r.Name,
		Priority:             r.Priority,
		SourceProjectPattern: r.SourceProjectPattern,
		ErrorTypePattern:     r.ErrorTypePattern,
		MessagePattern:       r.MessagePattern,
		CulpritPattern:       r.CulpritPattern,
		ReleasePattern:       r.ReleasePattern,
		Environment:          r.Environment,
		TagMatches:           datatypes.NewJSONType(tags),
		Target:               r.Target,
		Enabled:              enabled,
		TestMode:             r.TestMode,
	}
}

// SumBuckets totals hourly buckets. The average latency is weighted by each bucket's samples.
func SumBuckets(buckets []database.MetricsBucket) MetricsTotals {
	var t MetricsTotals
	var samples int64
	var weighted float64
	for _, b := range buckets {
		t.Received += b.Received
		t.Processed += b.Processed
		t.Failed += b.Failed
		t.TicketsCreated += b.TicketsCreated
		t.TicketsUpdated += b.TicketsUpdated
		t.DeadLettered += b.DeadLettered
		t.Triaged += b.Triaged
		t.Denied += b.Denied
		if b.MaxLatencyMs > t.MaxLatencyMs {
			t.MaxLatencyMs = b.MaxLatencyMs
		}
		samples += b.LatencySamples
		weighted += b.AvgLatencyMs * float64(b.LatencySamples)
	}
	if samples > 0 {
		t.AvgLatencyMs = weighted / float64(samples)
	}
	return t
}
