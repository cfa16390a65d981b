package ticket

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled bounds the request rate a process sends to the ticket system.
// Per-tenant quotas are enforced separately by admission control.
type Throttled struct {
	next    Client
	limiter *rate.Limiter
}

// NewThrottled wraps next with a limiter of ratePerSecond and the given burst.
// A non-positive rate disables throttling.
func NewThrottled(next Client, ratePerSecond float64, burst int) *Throttled {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// CreateOrUpdateTicket waits for a token, then delegates
func (t *Throttled) CreateOrUpdateTicket(ctx context.Context, p Payload) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ticket rate limiter: %w", err)
	}
	return t.next.CreateOrUpdateTicket(ctx, p)
}
