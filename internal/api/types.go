package api

import (
	"time"

	"github.com/akmatori/issuebridge/internal/database"
)

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyResponse is the response body for GET /auth/verify.
type VerifyResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
}

// ========== Webhook Types ==========

// WebhookResponse is the response body for POST /webhook/{source}/{tenant}.
type WebhookResponse struct {
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	EventIDs   []uint `json:"event_ids"`
}

// ========== Config Types ==========

// BridgeConfigRequest is the request body for PUT /api/tenants/{tenant}/config.
type BridgeConfigRequest struct {
	Enabled            *bool                `json:"enabled"`
	CredentialsRef     string               `json:"credentials_ref" validate:"max=255"`
	DefaultDestination database.Destination `json:"default_destination"`
	NotifyChannel      string               `json:"notify_channel" validate:"max=255"`
	AllowedTagKeys     []string             `json:"allowed_tag_keys" validate:"dive,required,max=128"`

	TriageMode                bool    `json:"triage_mode"`
	TriageConfidenceThreshold float64 `json:"triage_confidence_threshold" validate:"gte=0,lte=1"`

	MaxTicketsPerHour    int  `json:"max_tickets_per_hour" validate:"gte=0"`
	MaxTicketsPerDay     int  `json:"max_tickets_per_day" validate:"gte=0"`
	IssueCooldownMinutes int  `json:"issue_cooldown_minutes" validate:"gte=0"`
	MaxAttempts          *int `json:"max_attempts" validate:"omitempty,gte=1,lte=20"`
	SpikeThreshold       int  `json:"spike_threshold" validate:"gte=0"`
	SpikeWindowMinutes   *int `json:"spike_window_minutes" validate:"omitempty,gte=0"`

	CircuitBreakerFailureThreshold *int `json:"circuit_breaker_failure_threshold" validate:"omitempty,gte=0"`
	CircuitBreakerCooldownMinutes  *int `json:"circuit_breaker_cooldown_minutes" validate:"omitempty,gte=0"`
}

// TenantStatusResponse is the response body for GET /api/tenants/{tenant}/status.
type TenantStatusResponse struct {
	TenantID            string                         `json:"tenant_id"`
	Enabled             bool                           `json:"enabled"`
	CircuitOpen         bool                           `json:"circuit_open"`
	CircuitOpenUntil    *time.Time                     `json:"circuit_open_until,omitempty"`
	ConsecutiveFailures int                            `json:"consecutive_failures"`
	Queue               map[database.QueueStatus]int64 `json:"queue"`
	PendingDeadLetters  int64                          `json:"pending_dead_letters"`
}

// ========== Routing Types ==========

// RoutingRuleRequest is the request body for POST and PUT on /api/tenants/{tenant}/rules.
type RoutingRuleRequest struct {
	Name                 string               `json:"name" validate:"required,max=255"`
	Priority             int                  `json:"priority" validate:"gte=0"`
	SourceProjectPattern string               `json:"source_project_pattern" validate:"max=512"`
	ErrorTypePattern     string               `json:"error_type_pattern" validate:"max=512"`
	MessagePattern       string               `json:"message_pattern" validate:"max=512"`
	CulpritPattern       string               `json:"culprit_pattern" validate:"max=512"`
	ReleasePattern       string               `json:"release_pattern" validate:"max=512"`
	Environment          string               `json:"environment" validate:"max=128"`
	TagMatches           map[string]string    `json:"tag_matches"`
	Target               database.Destination `json:"target"`
	Enabled              *bool                `json:"enabled"`
	TestMode             bool                 `json:"test_mode"`
}

// RouteTestRequest is the request body for POST /api/tenants/{tenant}/rules/test.
type RouteTestRequest struct {
	Attributes database.EventAttributes `json:"attributes"`
}

// ========== Triage Types ==========

// TriageResolveRequest is the request body for POST /api/tenants/{tenant}/triage/{id}/resolve.
// Destination fields override the suggested decision on approval.
type TriageResolveRequest struct {
	Action   string `json:"action" validate:"required,oneof=approve reject"`
	Project  string `json:"project" validate:"max=255"`
	Owner    string `json:"owner" validate:"max=255"`
	Priority string `json:"priority" validate:"omitempty,oneof=critical high medium low"`
}

// TriageResolveResponse is the response body for a resolved triage item.
type TriageResolveResponse struct {
	Item      *database.TriageItem      `json:"item"`
	QueueItem *database.BridgeQueueItem `json:"queue_item,omitempty"`
}

// ========== Metrics Types ==========

// MetricsTotals sums a range of hourly buckets.
type MetricsTotals struct {
	Received       int64   `json:"received"`
	Processed      int64   `json:"processed"`
	Failed         int64   `json:"failed"`
	TicketsCreated int64   `json:"tickets_created"`
	TicketsUpdated int64   `json:"tickets_updated"`
	DeadLettered   int64   `json:"dead_lettered"`
	Triaged        int64   `json:"triaged"`
	Denied         int64   `json:"denied"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MaxLatencyMs   int64   `json:"max_latency_ms"`
}

// MetricsResponse is the response body for GET /api/tenants/{tenant}/metrics.
type MetricsResponse struct {
	From    time.Time                `json:"from"`
	To      time.Time                `json:"to"`
	Totals  MetricsTotals            `json:"totals"`
	Buckets []database.MetricsBucket `json:"buckets"`
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// NewPaginatedResponse builds the envelope for one page of a list
func NewPaginatedResponse(data interface{}, p PaginationParams, total int64) PaginatedResponse {
	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       p.Page,
			PerPage:    p.PerPage,
			Total:      total,
			TotalPages: p.TotalPages(total),
		},
	}
}
