package status

import (
	"context"
	"driver-client/intenal/api"
	"driver-client/intenal/domain"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeAPI struct {
	mu      sync.Mutex
	snap    *domain.StatusSnapshot
	snapErr error
	toggles []bool
	summary *domain.ShiftSummary
}

func (f *fakeAPI) DriverStatus(ctx context.Context) (*domain.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	snap := *f.snap
	return &snap, nil
}

func (f *fakeAPI) SetDriverStatus(ctx context.Context, online bool) (*domain.ShiftSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, online)
	return f.summary, nil
}

func (f *fakeAPI) toggleCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.toggles))
	copy(out, f.toggles)
	return out
}

func newTestReconciler(api *fakeAPI) *Reconciler {
	r := NewReconciler(slog.Default(), api, time.Minute)
	r.retryBase = time.Millisecond
	return r
}

func boolPtr(b bool) *bool { return &b }

func TestPushAdvancesState(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	rideID := "ride-5"

	r.HandlePush(&domain.DriverStatusEvent{
		IsOnline:      boolPtr(true),
		IsBusy:        true,
		CurrentRideID: &rideID,
	})

	got := r.Snapshot()
	if !got.Online || !got.Busy {
		t.Fatalf("state = %+v, want online and busy", got)
	}
	if got.CurrentRideID == nil || *got.CurrentRideID != rideID {
		t.Fatalf("currentRideId = %v, want %s", got.CurrentRideID, rideID)
	}
}

func TestOlderPollDoesNotRollBackPushedFields(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	base := time.Now()

	r.Apply(&domain.StatusUpdate{
		Source: domain.SourcePush,
		At:     base.Add(2 * time.Second),
		Online: boolPtr(true),
		Busy:   boolPtr(true),
	})
	// a poll answered before the push landed: stale for online/busy,
	// but the only carrier of hasActiveShift
	r.Apply(&domain.StatusUpdate{
		Source:         domain.SourcePoll,
		At:             base,
		Online:         boolPtr(false),
		Busy:           boolPtr(false),
		HasActiveShift: boolPtr(true),
	})

	got := r.Snapshot()
	if !got.Online || !got.Busy {
		t.Fatalf("state = %+v, stale poll must not roll back push", got)
	}
	if !got.HasActiveShift {
		t.Fatal("hasActiveShift from the poll must still land")
	}
}

func TestSourcePriorityBreaksTimestampTies(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	at := time.Now()

	r.Apply(&domain.StatusUpdate{
		Source: domain.SourceLocal,
		At:     at,
		Online: boolPtr(true),
	})
	r.Apply(&domain.StatusUpdate{
		Source: domain.SourcePoll,
		At:     at,
		Online: boolPtr(false),
	})

	if got := r.Snapshot(); !got.Online {
		t.Fatalf("state = %+v, local action must win the tie", got)
	}
}

func TestCurrentRideImpliesOnline(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	rideID := "ride-9"

	r.HandlePush(&domain.DriverStatusEvent{
		IsBusy:        true,
		CurrentRideID: &rideID,
	})

	if got := r.Snapshot(); !got.Online {
		t.Fatalf("state = %+v, a current ride implies online", got)
	}
}

func TestSelfHealIssuesExactlyOneCorrectiveCall(t *testing.T) {
	api := &fakeAPI{snap: &domain.StatusSnapshot{
		IsOnline:       false,
		HasActiveShift: true,
	}}
	r := newTestReconciler(api)

	r.Poll(context.Background())

	calls := api.toggleCalls()
	if len(calls) != 1 || !calls[0] {
		t.Fatalf("corrective calls = %v, want exactly one go-online", calls)
	}
	if got := r.Snapshot(); !got.Online {
		t.Fatalf("state = %+v, want online after self-heal", got)
	}
}

func TestPollWithoutDesyncDoesNotToggle(t *testing.T) {
	api := &fakeAPI{snap: &domain.StatusSnapshot{
		IsOnline:       true,
		HasActiveShift: true,
	}}
	r := newTestReconciler(api)

	r.Poll(context.Background())

	if calls := api.toggleCalls(); len(calls) != 0 {
		t.Fatalf("corrective calls = %v, want none", calls)
	}
}

func TestFailedPollKeepsPriorState(t *testing.T) {
	f := &fakeAPI{snapErr: errors.New("network down")}
	r := newTestReconciler(f)

	r.Apply(&domain.StatusUpdate{
		Source: domain.SourceLocal,
		At:     time.Now(),
		Online: boolPtr(true),
	})
	if err := r.Poll(context.Background()); err != nil {
		t.Fatalf("transient poll failure must not propagate, got %v", err)
	}

	if got := r.Snapshot(); !got.Online {
		t.Fatalf("state = %+v, failed poll must keep prior state", got)
	}
	if calls := f.toggleCalls(); len(calls) != 0 {
		t.Fatalf("corrective calls = %v, want none on failed poll", calls)
	}
}

func TestMidSessionExpiryPropagates(t *testing.T) {
	f := &fakeAPI{snapErr: api.ErrSessionExpired}
	r := newTestReconciler(f)

	err := r.Poll(context.Background())
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestRunStopsOnSessionExpiry(t *testing.T) {
	f := &fakeAPI{snapErr: api.ErrSessionExpired}
	r := NewReconciler(slog.Default(), f, 5*time.Millisecond)
	r.retryBase = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, api.ErrSessionExpired) {
			t.Fatalf("err = %v, want ErrSessionExpired", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run must return when the session is rejected instead of polling forever")
	}
}

func TestPollClearsFinishedRide(t *testing.T) {
	api := &fakeAPI{snap: &domain.StatusSnapshot{IsOnline: true}}
	r := newTestReconciler(api)
	rideID := "ride-3"

	r.HandlePush(&domain.DriverStatusEvent{
		IsBusy:        true,
		CurrentRideID: &rideID,
	})
	// let the poll be fresher than the push
	time.Sleep(5 * time.Millisecond)
	r.Poll(context.Background())

	if got := r.Snapshot(); got.CurrentRideID != nil {
		t.Fatalf("currentRideId = %v, want cleared by fresher poll", got.CurrentRideID)
	}
}

func TestClearCurrentRide(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	rideID := "ride-1"

	r.HandlePush(&domain.DriverStatusEvent{IsBusy: true, CurrentRideID: &rideID})
	time.Sleep(time.Millisecond)

	r.ClearCurrentRide("other-ride")
	if got := r.Snapshot(); got.CurrentRideID == nil {
		t.Fatal("mismatched id must not clear the ride")
	}

	r.ClearCurrentRide(rideID)
	if got := r.Snapshot(); got.CurrentRideID != nil {
		t.Fatalf("currentRideId = %v, want nil after completion", got.CurrentRideID)
	}
}

func TestOnChangeFires(t *testing.T) {
	r := newTestReconciler(&fakeAPI{})
	var mu sync.Mutex
	var seen []domain.DriverState
	r.OnChange(func(s domain.DriverState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	r.HandlePush(&domain.DriverStatusEvent{IsOnline: boolPtr(true), IsBusy: false, CurrentRideID: nil})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !seen[0].Online {
		t.Fatalf("seen = %+v, want one online notification", seen)
	}
}
