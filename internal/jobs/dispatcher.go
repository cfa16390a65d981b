package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/akmatori/issuebridge/internal/services"
)

// DefaultDispatchBatch is how many received events one dispatcher pass handles
const DefaultDispatchBatch = 100

// Dispatcher routes received events onto the bridge queue. It runs on a ticker and can be
// nudged by the webhook handler so fresh events do not wait for the next tick.
// Held events are received events too, so every pass also re-evaluates them.
type Dispatcher struct {
	bridge *services.Bridge
	batch  int
	nudge  chan struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(bridge *services.Bridge, batch int) *Dispatcher {
	if batch <= 0 {
		batch = DefaultDispatchBatch
	}
	return &Dispatcher{
		bridge: bridge,
		batch:  batch,
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge requests a dispatch pass without blocking. Nudges coalesce while a pass is pending.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// RunOnce dispatches received events until a pass makes no progress
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.bridge.DispatchPending(ctx, d.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < d.batch {
			return total, nil
		}
	}
}

// Start begins periodic dispatching
func (d *Dispatcher) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := stopContext(stop)
	defer cancel()

	for {
		select {
		case <-ticker.C:
		case <-d.nudge:
		case <-stop:
			slog.Info("dispatcher stopped")
			return
		}
		dispatched, err := d.RunOnce(ctx)
		if err != nil {
			slog.Error("dispatcher error", "err", err)
		} else if dispatched > 0 {
			slog.Debug("dispatched events", "count", dispatched)
		}
	}
}

// stopContext returns a context cancelled when stop closes
func stopContext(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
