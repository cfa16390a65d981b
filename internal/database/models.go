package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Destination is where a routed event becomes a ticket
type Destination struct {
	Project  string `gorm:"size:255" json:"project" yaml:"project" validate:"required,max=255"`
	Owner    string `gorm:"size:255" json:"owner" yaml:"owner" validate:"max=255"`
	Priority string `gorm:"size:32" json:"priority" yaml:"priority" validate:"omitempty,oneof=critical high medium low"`
}

// BridgeConfig holds the per-tenant bridge settings. One row per tenant; disabled rather than deleted.
type BridgeConfig struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	TenantID       string `gorm:"uniqueIndex;size:64;not null" json:"tenant_id" validate:"required,max=64"`
	Enabled        bool   `gorm:"not null" json:"enabled"`
	CredentialsRef string `gorm:"size:255" json:"credentials_ref"`

	DefaultDestination Destination `gorm:"embedded;embeddedPrefix:default_" json:"default_destination"`

	TriageMode                bool    `gorm:"not null" json:"triage_mode"`
	TriageConfidenceThreshold float64 `gorm:"not null" json:"triage_confidence_threshold" validate:"gte=0,lte=1"`

	MaxTicketsPerHour    int `gorm:"not null" json:"max_tickets_per_hour" validate:"gte=0"`
	MaxTicketsPerDay     int `gorm:"not null" json:"max_tickets_per_day" validate:"gte=0"`
	IssueCooldownMinutes int `gorm:"not null" json:"issue_cooldown_minutes" validate:"gte=0"`
	MaxAttempts          int `gorm:"not null" json:"max_attempts" validate:"gte=1,lte=20"`

	SpikeThreshold     int `gorm:"not null" json:"spike_threshold" validate:"gte=0"`
	SpikeWindowMinutes int `gorm:"not null" json:"spike_window_minutes" validate:"gte=0"`

	CircuitBreakerFailureThreshold int        `gorm:"not null" json:"circuit_breaker_failure_threshold" validate:"gte=0"`
	CircuitBreakerCooldownMinutes  int        `gorm:"not null" json:"circuit_breaker_cooldown_minutes" validate:"gte=0"`
	CircuitBreakerTrippedAt        *time.Time `json:"circuit_breaker_tripped_at,omitempty"`
	ConsecutiveFailures            int        `gorm:"not null" json:"consecutive_failures"`

	AllowedTagKeys datatypes.JSONType[[]string] `json:"allowed_tag_keys"`
	NotifyChannel  string                       `gorm:"size:255" json:"notify_channel"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDefaultBridgeConfig returns a config with default thresholds for a tenant
func NewDefaultBridgeConfig(tenantID string) *BridgeConfig {
	return &BridgeConfig{
		TenantID:                       tenantID,
		Enabled:                        true,
		DefaultDestination:             Destination{Priority: "medium"},
		MaxAttempts:                    3,
		SpikeWindowMinutes:             60,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerCooldownMinutes:  15,
		AllowedTagKeys:                 datatypes.NewJSONType([]string{}),
	}
}

// CircuitOpenUntil returns the end of the breaker cooldown, or zero time if the breaker never tripped
func (c *BridgeConfig) CircuitOpenUntil() time.Time {
	if c.CircuitBreakerTrippedAt == nil {
		return time.Time{}
	}
	return c.CircuitBreakerTrippedAt.Add(time.Duration(c.CircuitBreakerCooldownMinutes) * time.Minute)
}

// IsCircuitOpen reports whether the breaker is tripped and still cooling down at now
func (c *BridgeConfig) IsCircuitOpen(now time.Time) bool {
	return c.CircuitBreakerTrippedAt != nil && now.Before(c.CircuitOpenUntil())
}

// TagAllowed reports whether a tag key is on the tenant's privacy allow-list
func (c *BridgeConfig) TagAllowed(key string) bool {
	for _, k := range c.AllowedTagKeys.Data() {
		if k == key {
			return true
		}
	}
	return false
}

// RoutingRule maps event predicates to a destination. All set predicates must match.
type RoutingRule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantID string `gorm:"size:64;not null;index:idx_routing_rules_order,priority:1" json:"tenant_id" validate:"required"`
	Name     string `gorm:"size:255" json:"name" validate:"required,max=255"`
	Priority int    `gorm:"not null;index:idx_routing_rules_order,priority:2" json:"priority" validate:"gte=0"`

	SourceProjectPattern string                                `gorm:"size:512" json:"source_project_pattern,omitempty"`
	ErrorTypePattern     string                                `gorm:"size:512" json:"error_type_pattern,omitempty"`
	MessagePattern       string                                `gorm:"size:512" json:"message_pattern,omitempty"`
	CulpritPattern       string                                `gorm:"size:512" json:"culprit_pattern,omitempty"`
	ReleasePattern       string                                `gorm:"size:512" json:"release_pattern,omitempty"`
	Environment          string                                `gorm:"size:128" json:"environment,omitempty"`
	TagMatches           datatypes.JSONType[map[string]string] `json:"tag_matches"`

	Target Destination `gorm:"embedded;embeddedPrefix:target_" json:"target"`

	Enabled   bool      `gorm:"not null" json:"enabled"`
	TestMode  bool      `gorm:"not null" json:"test_mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType is the source-side lifecycle event of an alert issue
type EventType string

const (
	EventTypeCreated    EventType = "created"
	EventTypeEvent      EventType = "event"
	EventTypeResolved   EventType = "resolved"
	EventTypeRegressed  EventType = "regressed"
	EventTypeUnresolved EventType = "unresolved"
	EventTypeAssigned   EventType = "assigned"
	EventTypeIgnored    EventType = "ignored"
)

// IsOccurrence reports whether the event is a new occurrence of the error rather than a status change
func (t EventType) IsOccurrence() bool {
	return t == EventTypeCreated || t == EventTypeEvent || t == EventTypeRegressed
}

// EventStatus is the processing status of a received webhook event
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// EventAttributes are the normalized fields routing rules evaluate
type EventAttributes struct {
	SourceProject string            `json:"source_project"`
	ErrorType     string            `json:"error_type"`
	Message       string            `json:"message"`
	Culprit       string            `json:"culprit"`
	Environment   string            `json:"environment"`
	Release       string            `json:"release"`
	Level         string            `json:"level"`
	URL           string            `json:"url"`
	Tags          map[string]string `json:"tags"`
}

// WebhookEvent is a received alert event. Unique per (tenant, source event id).
type WebhookEvent struct {
	ID            uint                                `gorm:"primaryKey" json:"id"`
	TenantID      string                              `gorm:"size:64;not null;uniqueIndex:idx_webhook_events_dedupe,priority:1;index:idx_webhook_events_issue,priority:1" json:"tenant_id"`
	SourceEventID string                              `gorm:"size:255;not null;uniqueIndex:idx_webhook_events_dedupe,priority:2" json:"source_event_id"`
	SourceIssueID string                              `gorm:"size:255;not null;index:idx_webhook_events_issue,priority:2" json:"source_issue_id"`
	EventType     EventType                           `gorm:"type:varchar(32);not null" json:"event_type"`
	Attributes    datatypes.JSONType[EventAttributes] `json:"attributes"`
	Payload       JSONB                               `gorm:"type:jsonb" json:"payload"`
	Status        EventStatus                         `gorm:"type:varchar(32);not null;default:'received';index" json:"status"`
	HeldReason    string                              `gorm:"size:64" json:"held_reason,omitempty"`
	Error         string                              `gorm:"type:text" json:"error,omitempty"`
	DispatchedAt  *time.Time                          `json:"dispatched_at,omitempty"`
	ReceivedAt    time.Time                           `gorm:"index" json:"received_at"`
	CreatedAt     time.Time                           `json:"created_at"`
	UpdatedAt     time.Time                           `json:"updated_at"`
}

// QueueStatus is the state of a bridge queue item
type QueueStatus string

const (
	QueueStatusPending      QueueStatus = "pending"
	QueueStatusProcessing   QueueStatus = "processing"
	QueueStatusCompleted    QueueStatus = "completed"
	QueueStatusFailed       QueueStatus = "failed"
	QueueStatusDeadLettered QueueStatus = "dead_lettered"
)

// TicketAction records what the ticket system did for a completed item
type TicketAction string

const (
	TicketActionCreated TicketAction = "created"
	TicketActionUpdated TicketAction = "updated"
)

// TicketPayload is the prepared ticket content carried through the queue
type TicketPayload struct {
	TenantID      string    `json:"tenant_id"`
	SourceIssueID string    `json:"source_issue_id"`
	EventType     EventType `json:"event_type"`
	TicketID      string    `json:"ticket_id,omitempty"`
	Project       string    `json:"project"`
	Owner         string    `json:"owner"`
	Priority      string    `json:"priority"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Labels        []string  `json:"labels,omitempty"`
	State         string    `json:"state"`
	Fingerprint   string    `json:"fingerprint"`
	URL           string    `json:"url,omitempty"`
	EventCount    int       `json:"event_count"`
}

// Decision is the persisted form of a routing decision
type Decision struct {
	Destination   `gorm:"embedded"`
	MatchedRuleID *uint   `json:"matched_rule_id,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// BridgeQueueItem is one unit of ticket work. At most one worker holds it in processing.
type BridgeQueueItem struct {
	ID              uint                              `gorm:"primaryKey" json:"id"`
	TenantID        string                            `gorm:"size:64;not null;index:idx_queue_tenant_completed,priority:1" json:"tenant_id"`
	WebhookEventID  uint                              `gorm:"not null;index" json:"webhook_event_id"`
	SourceIssueID   string                            `gorm:"size:255;not null" json:"source_issue_id"`
	Decision        Decision                          `gorm:"embedded;embeddedPrefix:route_" json:"decision"`
	Payload         datatypes.JSONType[TicketPayload] `json:"payload"`
	Status          QueueStatus                       `gorm:"type:varchar(32);not null;default:'pending';index:idx_queue_claim,priority:1" json:"status"`
	AttemptCount    int                               `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts     int                               `gorm:"not null" json:"max_attempts"`
	NextAttemptAt   time.Time                         `gorm:"not null;index:idx_queue_claim,priority:2" json:"next_attempt_at"`
	LastError       string                            `gorm:"type:text" json:"last_error,omitempty"`
	ClaimedBy       string                            `gorm:"size:64" json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time                        `json:"claimed_at,omitempty"`
	// QuotaReservedAt is set while a claimed creation holds a slot of the tenant's ticket quotas
	QuotaReservedAt *time.Time                        `json:"quota_reserved_at,omitempty"`
	TicketID        string                            `gorm:"size:255" json:"ticket_id,omitempty"`
	TicketAction    TicketAction                      `gorm:"type:varchar(16)" json:"ticket_action,omitempty"`
	CompletedAt     *time.Time                        `gorm:"index:idx_queue_tenant_completed,priority:2" json:"completed_at,omitempty"`
	ProcessingMs    int64                             `json:"processing_ms"`
	CreatedAt       time.Time                         `json:"created_at"`
	UpdatedAt       time.Time                         `json:"updated_at"`
}

// TriageStatus is the state of a triage item
type TriageStatus string

const (
	TriageStatusPending      TriageStatus = "pending"
	TriageStatusApproved     TriageStatus = "approved"
	TriageStatusRejected     TriageStatus = "rejected"
	TriageStatusAutoApproved TriageStatus = "auto_approved"
)

// TriageItem holds a low-confidence routing decision until a human approves or rejects it
type TriageItem struct {
	ID             uint                              `gorm:"primaryKey" json:"id"`
	TenantID       string                            `gorm:"size:64;not null;index" json:"tenant_id"`
	WebhookEventID uint                              `gorm:"not null;index" json:"webhook_event_id"`
	SourceIssueID  string                            `gorm:"size:255;not null" json:"source_issue_id"`
	Summary        string                            `gorm:"type:text" json:"summary"`
	Suggested      Decision                          `gorm:"embedded;embeddedPrefix:suggested_" json:"suggested"`
	Payload        datatypes.JSONType[TicketPayload] `json:"payload"`
	Status         TriageStatus                      `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	ResolvedBy     string                            `gorm:"size:255" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time                        `json:"resolved_at,omitempty"`
	QueueItemID    *uint                             `json:"queue_item_id,omitempty"`
	CreatedAt      time.Time                         `json:"created_at"`
	UpdatedAt      time.Time                         `json:"updated_at"`
}

// IssueMapping correlates a source issue with the ticket created for it
type IssueMapping struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	TenantID         string     `gorm:"size:64;not null;uniqueIndex:idx_issue_mappings_issue,priority:1" json:"tenant_id"`
	SourceIssueID    string     `gorm:"size:255;not null;uniqueIndex:idx_issue_mappings_issue,priority:2" json:"source_issue_id"`
	TicketID         string     `gorm:"size:255" json:"ticket_id"`
	Fingerprint      string     `gorm:"size:64;index" json:"fingerprint"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	EventCount       int        `gorm:"not null;default:0" json:"event_count"`
	SourceStatus     string     `gorm:"size:32" json:"source_status"`
	TicketStatus     string     `gorm:"size:32" json:"ticket_status"`
	LastTicketSyncAt *time.Time `json:"last_ticket_sync_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// DeadLetterStatus is the resolution state of a dead-letter item
type DeadLetterStatus string

const (
	DeadLetterStatusPending   DeadLetterStatus = "pending"
	DeadLetterStatusReplayed  DeadLetterStatus = "replayed"
	DeadLetterStatusDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterItem is a snapshot of a queue item that exhausted its attempts
type DeadLetterItem struct {
	ID                uint                              `gorm:"primaryKey" json:"id"`
	TenantID          string                            `gorm:"size:64;not null;index" json:"tenant_id"`
	QueueItemID       uint                              `gorm:"not null;uniqueIndex" json:"queue_item_id"`
	WebhookEventID    uint                              `gorm:"not null" json:"webhook_event_id"`
	SourceIssueID     string                            `gorm:"size:255;not null" json:"source_issue_id"`
	Decision          Decision                          `gorm:"embedded;embeddedPrefix:route_" json:"decision"`
	Payload           datatypes.JSONType[TicketPayload] `json:"payload"`
	FailureReason     string                            `gorm:"type:text" json:"failure_reason"`
	AttemptCount      int                               `json:"attempt_count"`
	Status            DeadLetterStatus                  `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	ResolvedBy        string                            `gorm:"size:255" json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time                        `json:"resolved_at,omitempty"`
	ReplayQueueItemID *uint                             `json:"replay_queue_item_id,omitempty"`
	CreatedAt         time.Time                         `json:"created_at"`
	UpdatedAt         time.Time                         `json:"updated_at"`
}

// MetricsBucket aggregates one tenant's outcomes for one hour
type MetricsBucket struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TenantID       string    `gorm:"size:64;not null;uniqueIndex:idx_metrics_buckets_hour,priority:1" json:"tenant_id"`
	Hour           time.Time `gorm:"not null;uniqueIndex:idx_metrics_buckets_hour,priority:2" json:"hour"`
	Received       int64     `gorm:"not null;default:0" json:"received"`
	Processed      int64     `gorm:"not null;default:0" json:"processed"`
	Failed         int64     `gorm:"not null;default:0" json:"failed"`
	TicketsCreated int64     `gorm:"not null;default:0" json:"tickets_created"`
	TicketsUpdated int64     `gorm:"not null;default:0" json:"tickets_updated"`
	DeadLettered   int64     `gorm:"not null;default:0" json:"dead_lettered"`
	Triaged        int64     `gorm:"not null;default:0" json:"triaged"`
	Denied         int64     `gorm:"not null;default:0" json:"denied"`
	LatencySamples int64     `gorm:"not null;default:0" json:"latency_samples"`
	AvgLatencyMs   float64   `gorm:"not null;default:0" json:"avg_latency_ms"`
	MaxLatencyMs   int64     `gorm:"not null;default:0" json:"max_latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName overrides for explicit table naming
func (BridgeConfig) TableName() string {
	return "bridge_configs"
}

func (RoutingRule) TableName() string {
	return "routing_rules"
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

func (BridgeQueueItem) TableName() string {
	return "bridge_queue_items"
}

func (TriageItem) TableName() string {
	return "triage_items"
}

func (IssueMapping) TableName() string {
	return "issue_mappings"
}

func (DeadLetterItem) TableName() string {
	return "dead_letter_items"
}

func (MetricsBucket) TableName() string {
	return "metrics_buckets"
}
