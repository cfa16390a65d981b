package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/logging"
	"github.com/akmatori/issuebridge/internal/services"
)

// Worker claims bridge queue items and turns them into tickets
type Worker struct {
	id     string
	bridge *services.Bridge
	batch  int
}

// NewWorker creates a worker with a unique id
func NewWorker(bridge *services.Bridge, batch int) *Worker {
	if batch <= 0 {
		batch = 1
	}
	return &Worker{
		id:     "worker-" + uuid.NewString()[:8],
		bridge: bridge,
		batch:  batch,
	}
}

// ID returns the id recorded as claimed_by on items this worker holds
func (w *Worker) ID() string {
	return w.id
}

// RunOnce claims up to one batch and processes it. It returns the number of items claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.bridge.Queue.Claim(ctx, w.id, w.batch)
	if err != nil {
		return 0, err
	}
	for i := range items {
		item := &items[i]
		result, err := w.process(ctx, item)
		switch {
		case errors.Is(err, services.ErrStaleClaim):
			slog.Warn("lost lease on queue item", "worker", w.id, "item", item.ID)
		case err != nil:
			slog.Error("failed to process queue item", "worker", w.id, "item", item.ID, "err", err)
		case result.Err != nil:
			slog.Warn("ticket attempt failed", "worker", w.id, "item", item.ID, "attempt", item.AttemptCount,
				"dead_lettered", result.Fail.DeadLettered, "next_attempt", result.Fail.NextAttemptAt, "err", result.Err)
		case result.Deferred:
			slog.Info("queue item deferred", "worker", w.id, "item", item.ID, "tenant", item.TenantID,
				"reason", result.Admission.Reason, "retry_after", result.Admission.RetryAfter)
		}
	}
	return len(items), nil
}

// process runs one item. A panic is reported and the item is left to the lease sweeper.
func (w *Worker) process(ctx context.Context, item *database.BridgeQueueItem) (result *services.ProcessResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic processing queue item %d: %v", item.ID, rec)
			logging.CaptureError(err, map[string]string{"tenant": item.TenantID, "worker": w.id})
		}
	}()
	return w.bridge.Process(ctx, item)
}

// Start polls the queue until stop closes. A full batch is followed immediately by another claim.
func (w *Worker) Start(interval time.Duration, stop <-chan struct{}) {
	ctx, cancel := stopContext(stop)
	defer cancel()

	slog.Info("worker started", "worker", w.id)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			claimed, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("worker error", "worker", w.id, "err", err)
			}
			next := interval
			if err == nil && claimed == w.batch {
				next = 0
			}
			timer.Reset(next)
		case <-stop:
			slog.Info("worker stopped", "worker", w.id)
			return
		}
	}
}
