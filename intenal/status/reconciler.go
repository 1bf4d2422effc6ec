package status

import (
	"context"
	"driver-client/intenal/api"
	"driver-client/intenal/domain"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	pollAttempts    = 3
	pollBackoffBase = 1 * time.Second
)

// Field names of the per-field merge clock.
const (
	fieldOnline         = "online"
	fieldBusy           = "busy"
	fieldBannedUntil    = "bannedUntil"
	fieldCurrentRideID  = "currentRideId"
	fieldHasActiveShift = "hasActiveShift"
)

type API interface {
	DriverStatus(ctx context.Context) (*domain.StatusSnapshot, error)
	SetDriverStatus(ctx context.Context, online bool) (*domain.ShiftSummary, error)
}

type stamp struct {
	at  time.Time
	src domain.Source
}

// Reconciler merges driver-status updates from push, poll and local
// actions into one authoritative DriverState. Merging is field-level
// last-writer-wins: a poll arriving after a push cannot roll back
// fields the push already advanced, but still lands the fields only
// the poll carries (hasActiveShift).
type Reconciler struct {
	slogger   *slog.Logger
	api       API
	pollEvery time.Duration
	retryBase time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    domain.DriverState
	stamps   map[string]stamp
	onChange []func(domain.DriverState)
}

func NewReconciler(slogger *slog.Logger, api API, pollEvery time.Duration) *Reconciler {
	return &Reconciler{
		slogger:   slogger,
		api:       api,
		pollEvery: pollEvery,
		retryBase: pollBackoffBase,
		now:       time.Now,
		stamps:    make(map[string]stamp),
	}
}

// OnChange subscribes to merged-state changes. Must be called before
// Run; callbacks fire outside the reconciler lock.
func (r *Reconciler) OnChange(fn func(domain.DriverState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Reconciler) Snapshot() domain.DriverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyState(r.state)
}

// HandlePush applies a realtime driverStatusUpdate event. The push
// channel always carries isBusy and currentRideId; isOnline and
// bannedUntil only when they changed.
func (r *Reconciler) HandlePush(ev *domain.DriverStatusEvent) {
	u := &domain.StatusUpdate{
		Source:        domain.SourcePush,
		At:            r.now(),
		Online:        ev.IsOnline,
		Busy:          &ev.IsBusy,
		RideCarried:   true,
		CurrentRideID: ev.CurrentRideID,
		BanCarried:    ev.BannedUntil != nil,
		BannedUntil:   ev.BannedUntil,
	}
	r.Apply(u)
}

// Apply merges one partial update and notifies subscribers when the
// merged state changed.
func (r *Reconciler) Apply(u *domain.StatusUpdate) {
	r.mu.Lock()
	changed := false

	if u.Online != nil && r.wins(fieldOnline, u) {
		changed = changed || r.state.Online != *u.Online
		r.state.Online = *u.Online
	}
	if u.Busy != nil && r.wins(fieldBusy, u) {
		changed = changed || r.state.Busy != *u.Busy
		r.state.Busy = *u.Busy
	}
	if u.HasActiveShift != nil && r.wins(fieldHasActiveShift, u) {
		changed = changed || r.state.HasActiveShift != *u.HasActiveShift
		r.state.HasActiveShift = *u.HasActiveShift
	}
	if u.RideCarried && r.wins(fieldCurrentRideID, u) {
		changed = changed || !sameStringPtr(r.state.CurrentRideID, u.CurrentRideID)
		r.state.CurrentRideID = u.CurrentRideID
	}
	if u.BanCarried && r.wins(fieldBannedUntil, u) {
		changed = changed || !sameTimePtr(r.state.BannedUntil, u.BannedUntil)
		r.state.BannedUntil = u.BannedUntil
	}

	// invariant: a current ride implies the driver is online
	if r.state.CurrentRideID != nil && !r.state.Online {
		r.state.Online = true
		changed = true
	}

	var subs []func(domain.DriverState)
	var snap domain.DriverState
	if changed {
		subs = append(subs, r.onChange...)
		snap = copyState(r.state)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// wins applies freshness first, then source priority on ties, and
// records the new stamp when the field is taken.
func (r *Reconciler) wins(field string, u *domain.StatusUpdate) bool {
	prev, ok := r.stamps[field]
	if ok && (u.At.Before(prev.at) || (u.At.Equal(prev.at) && u.Source < prev.src)) {
		return false
	}
	r.stamps[field] = stamp{at: u.At, src: u.Source}
	return true
}

// Run drives the periodic poll until ctx is canceled. A fatal session
// error ends the loop and is returned so the caller can force
// re-authentication; there is no point polling with a dead credential.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				return err
			}
		}
	}
}

// Poll fetches the REST snapshot with bounded backoff and merges it. A
// transient failure is treated as "unknown, keep prior state" and
// returns nil; a rejected credential is fatal and propagates.
func (r *Reconciler) Poll(ctx context.Context) error {
	var snap *domain.StatusSnapshot
	err := api.Retry(ctx, pollAttempts, r.retryBase, func() error {
		var err error
		snap, err = r.api.DriverStatus(ctx)
		return err
	})
	if errors.Is(err, api.ErrSessionExpired) {
		r.slogger.Error("session rejected by server, re-authentication required", "action", "poll status", "error", err)
		return err
	}
	if err != nil {
		r.slogger.Warn("status poll failed, keeping prior state", "action", "poll status", "error", err)
		return nil
	}

	at := r.now()
	r.Apply(&domain.StatusUpdate{
		Source:         domain.SourcePoll,
		At:             at,
		Online:         &snap.IsOnline,
		Busy:           &snap.IsBusy,
		HasActiveShift: &snap.HasActiveShift,
		RideCarried:    true,
		CurrentRideID:  snap.CurrentRideID,
		BanCarried:     true,
		BannedUntil:    snap.BannedUntil,
	})

	return r.selfHeal(ctx)
}

// Refresh is an out-of-cycle poll, used right after an offer accept so
// the newly-dispatched ride surfaces promptly. A fatal session error
// here also ends the periodic loop on its next tick.
func (r *Reconciler) Refresh(ctx context.Context) {
	r.Poll(ctx)
}

// selfHeal closes the desync where the server still considers the
// driver on shift while the client believes it is offline (e.g. after
// an app restart): issue the missing go-online write exactly once.
func (r *Reconciler) selfHeal(ctx context.Context) error {
	r.mu.Lock()
	desynced := r.state.HasActiveShift && !r.state.Online
	r.mu.Unlock()
	if !desynced {
		return nil
	}

	r.slogger.Warn("server reports active shift while client is offline, correcting", "action", "self heal")
	_, err := r.api.SetDriverStatus(ctx, true)
	if errors.Is(err, api.ErrSessionExpired) {
		return err
	}
	if err != nil {
		r.slogger.Error("corrective go-online failed", "action", "self heal", "error", err)
		return nil
	}
	online := true
	r.Apply(&domain.StatusUpdate{
		Source: domain.SourceLocal,
		At:     r.now(),
		Online: &online,
	})
	return nil
}

// GoOnline is the explicit driver action; the local write is treated
// as provisionally authoritative until contradicted.
func (r *Reconciler) GoOnline(ctx context.Context) error {
	_, err := r.api.SetDriverStatus(ctx, true)
	if err != nil {
		return err
	}
	online := true
	r.Apply(&domain.StatusUpdate{
		Source: domain.SourceLocal,
		At:     r.now(),
		Online: &online,
	})
	return nil
}

// GoOffline toggles the driver off shift and returns the shift summary
// when the server sends one.
func (r *Reconciler) GoOffline(ctx context.Context) (*domain.ShiftSummary, error) {
	summary, err := r.api.SetDriverStatus(ctx, false)
	if err != nil {
		return nil, err
	}
	online := false
	shift := false
	r.Apply(&domain.StatusUpdate{
		Source:         domain.SourceLocal,
		At:             r.now(),
		Online:         &online,
		HasActiveShift: &shift,
	})
	return summary, nil
}

// ClearCurrentRide drops currentRideId from the merged state after the
// tracker completed the ride, so the eligibility guard reopens without
// waiting for the next poll. A mismatched id means a newer ride already
// landed and is left alone.
func (r *Reconciler) ClearCurrentRide(rideID string) {
	r.mu.Lock()
	if r.state.CurrentRideID == nil || *r.state.CurrentRideID != rideID {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.Apply(&domain.StatusUpdate{
		Source:        domain.SourceLocal,
		At:            r.now(),
		RideCarried:   true,
		CurrentRideID: nil,
	})
}

func copyState(s domain.DriverState) domain.DriverState {
	out := s
	if s.BannedUntil != nil {
		t := *s.BannedUntil
		out.BannedUntil = &t
	}
	if s.CurrentRideID != nil {
		id := *s.CurrentRideID
		out.CurrentRideID = &id
	}
	return out
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
