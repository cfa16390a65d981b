package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akmatori/issuebridge/internal/services"
)

// SweepStats counts what one sweep recovered
type SweepStats struct {
	Leases     int64
	Dispatches int64
}

// LeaseSweeper returns work abandoned by a dead process to its waiting state: queue items held
// past their lease, and events taken for dispatch that never reached a queue
type LeaseSweeper struct {
	queue  *services.BridgeQueue
	events *services.EventStore
	lease  time.Duration
}

// NewLeaseSweeper creates a new lease sweeper. The lease also bounds how long an event may sit in
// dispatch.
func NewLeaseSweeper(queue *services.BridgeQueue, events *services.EventStore, lease time.Duration) *LeaseSweeper {
	return &LeaseSweeper{queue: queue, events: events, lease: lease}
}

// Sweep recovers stale leases and stalled dispatches once
func (s *LeaseSweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var err error
	if stats.Leases, err = s.queue.RecoverStaleLeases(ctx, s.lease); err != nil {
		return stats, err
	}
	if stats.Dispatches, err = s.events.RecoverStalledDispatches(ctx, s.lease); err != nil {
		return stats, fmt.Errorf("lease sweep: %w", err)
	}
	return stats, nil
}

// Start begins the periodic sweep
func (s *LeaseSweeper) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				slog.Error("lease sweeper error", "err", err)
			}
		case <-stop:
			slog.Info("lease sweeper stopped")
			return
		}
	}
}
