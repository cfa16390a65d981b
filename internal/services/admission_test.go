package services

import (
	"context"
	"testing"
	"time"

	"github.com/akmatori/issuebridge/internal/testhelpers"
)

func newTestAdmission(t *testing.T) (*AdmissionController, *testhelpers.Clock) {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	testhelpers.NewBridgeConfigBuilder("acme").WithBreaker(2, 15).Create(t, db)
	clock := testhelpers.NewClock(testStart)
	a := NewAdmissionController(db)
	a.now = clock.Now
	return a, clock
}

func TestAdmission_BreakerIsHalfOpenAfterCooldown(t *testing.T) {
	a, clock := newTestAdmission(t)
	ctx := context.Background()

	if trip, _ := a.RecordFailure(ctx, "acme"); trip != nil {
		t.Fatalf("expected no trip below the threshold, got %+v", trip)
	}
	trip, err := a.RecordFailure(ctx, "acme")
	if err != nil || trip == nil {
		t.Fatalf("expected the second failure to trip, trip=%v err=%v", trip, err)
	}

	clock.Advance(15 * time.Minute)
	admission, err := a.CheckAdmission(ctx, "acme")
	if err != nil || !admission.Allowed {
		t.Fatalf("expected work to be admitted after the cooldown, got %+v err=%v", admission, err)
	}

	// the failure run was not cleared, so one failure re-opens the breaker
	trip, err = a.RecordFailure(ctx, "acme")
	if err != nil || trip == nil {
		t.Fatalf("expected a failure while half-open to trip again, trip=%v err=%v", trip, err)
	}
	if trip.Failures != 3 || !trip.OpenUntil.Equal(clock.Now().Add(15*time.Minute)) {
		t.Errorf("expected a full new cooldown after 3 failures, got %+v", trip)
	}
	if admission, _ := a.CheckAdmission(ctx, "acme"); admission.Reason != DenialCircuitOpen {
		t.Errorf("expected the breaker open again, got %+v", admission)
	}

	// a success while half-open closes the breaker and ends the run
	clock.Advance(15 * time.Minute)
	if err := a.RecordSuccess(ctx, "acme"); err != nil {
		t.Fatalf("record success failed: %v", err)
	}
	if trip, _ := a.RecordFailure(ctx, "acme"); trip != nil {
		t.Errorf("expected a single failure after closing not to trip, got %+v", trip)
	}
	if open, _, _ := a.CircuitOpen(ctx, "acme"); open {
		t.Error("expected the breaker to stay closed")
	}
}

func TestAdmission_RecordSuccessKeepsOpenBreaker(t *testing.T) {
	a, clock := newTestAdmission(t)
	ctx := context.Background()

	a.RecordFailure(ctx, "acme")
	a.RecordFailure(ctx, "acme")
	clock.Advance(5 * time.Minute)

	// a late success from an attempt started before the trip does not cut the cooldown short
	if err := a.RecordSuccess(ctx, "acme"); err != nil {
		t.Fatalf("record success failed: %v", err)
	}
	if open, until, _ := a.CircuitOpen(ctx, "acme"); !open || !until.Equal(testStart.Add(15*time.Minute)) {
		t.Errorf("expected the breaker open until +15m, open=%v until=%s", open, until)
	}
}
