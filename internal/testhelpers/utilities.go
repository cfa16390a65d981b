package testhelpers

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunConcurrently starts n workers together and fails the test with the first error any of them returns
func RunConcurrently(t *testing.T, n int, fn func(ctx context.Context, worker int) error) {
	t.Helper()

	start := make(chan struct{})
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			<-start
			return fn(ctx, i)
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent worker failed: %v", err)
	}
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-ticker.C:
		case <-deadline:
			t.Fatalf("%s: condition not met within %v", msg, timeout)
		}
	}
}
