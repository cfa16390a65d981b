// Package ticket defines the ticket-system collaborator and its provider implementations.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/akmatori/issuebridge/internal/database"
)

// Payload is the prepared ticket content a client receives
type Payload = database.TicketPayload

// State values carried in Payload.State
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// ErrPermanent marks failures that retrying cannot fix (bad project, auth rejected).
// The bridge queue dead-letters such items immediately.
var ErrPermanent = errors.New("permanent ticket failure")

// ErrInvalidRef is returned when a stored ticket id cannot be parsed
var ErrInvalidRef = errors.New("invalid ticket reference")

// Client creates a ticket for a payload without TicketID, or updates the referenced ticket.
// It returns the ticket id to store in the issue mapping.
type Client interface {
	CreateOrUpdateTicket(ctx context.Context, p Payload) (string, error)
}

// Ref is a parsed ticket id of the form "<provider>:<project>#<number>"
type Ref struct {
	Provider string
	Project  string
	Number   int
}

// String formats the reference as a ticket id
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s#%d", r.Provider, r.Project, r.Number)
}

// ParseRef parses a ticket id produced by Ref.String
func ParseRef(id string) (Ref, error) {
	provider, rest, ok := strings.Cut(id, ":")
	if !ok || provider == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, id)
	}
	hash := strings.LastIndex(rest, "#")
	if hash <= 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, id)
	}
	n, err := strconv.Atoi(rest[hash+1:])
	if err != nil || n <= 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, id)
	}
	return Ref{Provider: provider, Project: rest[:hash], Number: n}, nil
}

// classifyStatus wraps err with ErrPermanent for client errors other than rate limiting and timeouts
func classifyStatus(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}

// Labels returns the labels every bridged ticket carries
func Labels(p Payload) []string {
	labels := []string{"issue-bridge"}
	if p.Priority != "" {
		labels = append(labels, "priority::"+p.Priority)
	}
	return append(labels, p.Labels...)
}

// Body renders the ticket description with a link back to the source issue
func Body(p Payload) string {
	var b strings.Builder
	b.WriteString(p.Description)
	if p.URL != "" {
		fmt.Fprintf(&b, "\n\nSource issue: %s", p.URL)
	}
	fmt.Fprintf(&b, "\n\nFingerprint: `%s`", p.Fingerprint)
	return b.String()
}

// UpdateNote is the comment added to an existing ticket for a repeat or lifecycle event
func UpdateNote(p Payload) string {
	switch p.State {
	case StateClosed:
		return fmt.Sprintf("Source issue %s was resolved.", p.SourceIssueID)
	default:
		return fmt.Sprintf("Source issue %s received a new %s event (%d occurrences so far).", p.SourceIssueID, p.EventType, p.EventCount)
	}
}
