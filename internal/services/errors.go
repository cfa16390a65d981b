package services

import (
	"errors"
	"time"
)

var (
	// ErrDuplicateEvent marks a redelivered webhook event; callers treat it as success
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNoMatchingRule means routing fell back to the tenant default
	ErrNoMatchingRule = errors.New("no matching routing rule")
	// ErrAdmissionDenied wraps a rate-limit or circuit-breaker denial
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrTicketCreation wraps failures returned by the ticket system
	ErrTicketCreation = errors.New("ticket creation failed")
	// ErrRetriesExhausted marks a queue item that was moved to the dead-letter store
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrStaleClaim is returned when a worker finishes an item whose lease it no longer holds
	ErrStaleClaim = errors.New("stale claim")
	// ErrInvalidRule is returned when a routing rule or bridge config fails validation
	ErrInvalidRule = errors.New("invalid routing configuration")
	// ErrNotFound is returned for unknown ids within a tenant
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when resolving a triage or dead-letter item twice
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrBridgeDisabled is returned when the tenant has no enabled bridge config
	ErrBridgeDisabled = errors.New("bridge disabled for tenant")
)

// DenialReason explains why admission was denied
type DenialReason string

const (
	DenialCircuitOpen DenialReason = "circuit-open"
	DenialHourlyLimit DenialReason = "hourly-limit"
	DenialDailyLimit  DenialReason = "daily-limit"
)

// AdmissionDeniedError carries the denial reason and when admission may be retried
type AdmissionDeniedError struct {
	Reason     DenialReason
	RetryAfter time.Time
}

func (e *AdmissionDeniedError) Error() string {
	return "admission denied: " + string(e.Reason)
}

// Unwrap lets errors.Is match ErrAdmissionDenied
func (e *AdmissionDeniedError) Unwrap() error {
	return ErrAdmissionDenied
}

func utcNow() time.Time {
	return time.Now().UTC()
}
