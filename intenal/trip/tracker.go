package trip

import (
	"context"
	"driver-client/intenal/api"
	"driver-client/intenal/domain"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// The detail fetch is one call plus three retries, waiting 1s, 2s and
// 4s between them.
const (
	fetchAttempts    = 4
	fetchBackoffBase = 1 * time.Second
)

var (
	ErrNoRide        = errors.New("no active ride")
	ErrBadTransition = errors.New("illegal ride status transition")
	// ErrWriteBack marks a failed state-changing call. It is surfaced
	// to the driver as retryable; the tracker never retries it on its
	// own because the first attempt may have landed server-side.
	ErrWriteBack = errors.New("ride status write-back failed")
)

type API interface {
	RideByID(ctx context.Context, id string) (*domain.Ride, error)
	UpdateRideStatus(ctx context.Context, id string, status domain.RideStatus, at time.Time) (*api.RideStatusResult, error)
}

// Router is the external directions collaborator. A nil Router or a
// failed lookup degrades to a straight-line route, never a hard error.
type Router interface {
	Route(ctx context.Context, from, to domain.Location) ([]domain.Location, error)
}

// Locator supplies the last known device position for routing.
type Locator interface {
	LastKnown() (domain.LocationSample, bool)
}

// Status lets the tracker clear currentRideId from the merged driver
// state once a ride completes, without waiting for the next poll.
type Status interface {
	ClearCurrentRide(rideID string)
}

// Notifier is the UI-facing port for ride lifecycle events.
type Notifier interface {
	RideLoaded(r domain.Ride, route []domain.Location)
	RideAdvanced(r domain.Ride, route []domain.Location)
	RideCleared(rideID string)
	RideLoadFailed(rideID string, err error)
	PaymentWarning(rideID, message string)
}

// Tracker owns the active ride from DISPATCHED through PICKED_UP to
// COMPLETED. Each forward transition is gated by a deliberate driver
// action plus a successful server write-back; the client never
// advances locally on its own.
type Tracker struct {
	slogger   *slog.Logger
	api       API
	router    Router
	locator   Locator
	status    Status
	notify    Notifier
	retryBase time.Duration
	now       func() time.Time

	mu      sync.Mutex
	ride    *domain.Ride
	route   []domain.Location
	loading string
	pending bool
}

func NewTracker(slogger *slog.Logger, apiClient API, router Router, locator Locator, status Status, notify Notifier) *Tracker {
	return &Tracker{
		slogger:   slogger,
		api:       apiClient,
		router:    router,
		locator:   locator,
		status:    status,
		notify:    notify,
		retryBase: fetchBackoffBase,
		now:       time.Now,
	}
}

// Current returns a copy of the active ride, nil when there is none.
func (t *Tracker) Current() *domain.Ride {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ride == nil {
		return nil
	}
	r := *t.ride
	return &r
}

func (t *Tracker) Route() []domain.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Location, len(t.route))
	copy(out, t.route)
	return out
}

// OnStatus reacts to the reconciler's merged state. A currentRideId
// with no local ride starts the detail fetch; the server dropping the
// ride (rider cancellation) discards everything immediately, whatever
// state the tracker was in.
func (t *Tracker) OnStatus(ctx context.Context, state domain.DriverState) {
	t.mu.Lock()
	if state.CurrentRideID == nil {
		if t.ride == nil {
			t.loading = ""
			t.mu.Unlock()
			return
		}
		gone := t.ride.ID
		t.ride = nil
		t.route = nil
		t.loading = ""
		t.mu.Unlock()
		t.slogger.Info("ride cleared server-side", "action", "clear ride", "ride_id", gone)
		if t.notify != nil {
			t.notify.RideCleared(gone)
		}
		return
	}

	id := *state.CurrentRideID
	if (t.ride != nil && t.ride.ID == id) || t.loading == id {
		t.mu.Unlock()
		return
	}
	t.loading = id
	t.mu.Unlock()

	go t.load(ctx, id)
}

func (t *Tracker) load(ctx context.Context, id string) {
	var ride *domain.Ride
	err := api.Retry(ctx, fetchAttempts, t.retryBase, func() error {
		var err error
		ride, err = t.api.RideByID(ctx, id)
		return err
	})
	if err != nil {
		t.mu.Lock()
		if t.loading == id {
			t.loading = ""
		}
		t.mu.Unlock()
		t.slogger.Error("cannot load ride details", "action", "load ride", "ride_id", id, "error", err)
		if t.notify != nil {
			t.notify.RideLoadFailed(id, err)
		}
		return
	}

	status, err := domain.NormalizeRideStatus(string(ride.Status))
	if err != nil {
		status = domain.StatusDispatched
	}
	ride.Status = status

	if status == domain.StatusCompleted || status == domain.StatusCanceled {
		// the ride is already over server-side; nothing to track
		t.mu.Lock()
		if t.loading == id {
			t.loading = ""
		}
		t.mu.Unlock()
		t.slogger.Info("fetched ride is already terminal, not tracking", "action", "load ride", "ride_id", id, "status", string(status))
		return
	}

	// route for display: current position to pickup
	route := t.routeTo(ctx, ride.PickupLocation)

	t.mu.Lock()
	if t.loading != id {
		// the ride went away while we were fetching
		t.mu.Unlock()
		return
	}
	t.loading = ""
	t.ride = ride
	t.route = route
	snap := *ride
	t.mu.Unlock()

	t.slogger.Info("ride loaded", "action", "load ride", "ride_id", id, "status", string(snap.Status))
	if t.notify != nil {
		t.notify.RideLoaded(snap, route)
	}
}

// ConfirmPickup advances DISPATCHED -> PICKED_UP. The write-back must
// succeed first: billing starts at pickup, so there is no local-only
// advance. On failure the caller gets a retryable ErrWriteBack and the
// tracker stays in DISPATCHED.
func (t *Tracker) ConfirmPickup(ctx context.Context) error {
	return t.confirm(ctx, domain.StatusDispatched, domain.StatusPickedUp)
}

// ConfirmDropoff advances PICKED_UP -> COMPLETED. A payment failure in
// the response does not block completion (the ride did happen); it is
// surfaced as a distinct warning.
func (t *Tracker) ConfirmDropoff(ctx context.Context) error {
	return t.confirm(ctx, domain.StatusPickedUp, domain.StatusCompleted)
}

func (t *Tracker) confirm(ctx context.Context, from, to domain.RideStatus) error {
	t.mu.Lock()
	if t.ride == nil {
		t.mu.Unlock()
		return ErrNoRide
	}
	if t.ride.Status != from || !from.CanTransition(to) {
		got := t.ride.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, got, to)
	}
	if t.pending {
		t.mu.Unlock()
		return fmt.Errorf("%w: confirmation already in flight", ErrBadTransition)
	}
	t.pending = true
	id := t.ride.ID
	dropoff := t.ride.DropoffLocation
	pickup := t.ride.PickupLocation
	t.mu.Unlock()

	at := t.now().UTC()
	res, err := t.api.UpdateRideStatus(ctx, id, to, at)

	t.mu.Lock()
	t.pending = false
	if err != nil {
		t.mu.Unlock()
		t.slogger.Error("ride status write-back failed", "action", "confirm "+string(to), "ride_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrWriteBack, err)
	}
	if t.ride == nil || t.ride.ID != id {
		// cleared while the call was in flight; the server state wins
		t.mu.Unlock()
		return nil
	}

	t.ride.Status = to
	switch to {
	case domain.StatusPickedUp:
		t.ride.PickedAt = &at
	case domain.StatusCompleted:
		t.ride.DroppedAt = &at
	}
	snap := *t.ride
	t.mu.Unlock()

	t.slogger.Info("ride advanced", "action", "confirm "+string(to), "ride_id", id)

	var route []domain.Location
	if to == domain.StatusPickedUp {
		route = t.routeBetween(ctx, pickup, dropoff)
		t.mu.Lock()
		if t.ride != nil && t.ride.ID == id {
			t.route = route
		}
		t.mu.Unlock()
	}
	if t.notify != nil {
		t.notify.RideAdvanced(snap, route)
		if to == domain.StatusCompleted && res != nil && res.PaymentFailed {
			t.notify.PaymentWarning(id, res.PaymentMessage)
		}
	}

	if to == domain.StatusCompleted {
		t.mu.Lock()
		if t.ride != nil && t.ride.ID == id {
			t.ride = nil
			t.route = nil
		}
		t.mu.Unlock()
		if t.status != nil {
			t.status.ClearCurrentRide(id)
		}
	}
	return nil
}

func (t *Tracker) routeTo(ctx context.Context, dest domain.Location) []domain.Location {
	var from domain.Location
	if t.locator != nil {
		if sample, ok := t.locator.LastKnown(); ok {
			from = sample.Location()
		}
	}
	return t.routeBetween(ctx, from, dest)
}

func (t *Tracker) routeBetween(ctx context.Context, from, to domain.Location) []domain.Location {
	if t.router != nil {
		route, err := t.router.Route(ctx, from, to)
		if err == nil && len(route) > 0 {
			return route
		}
		if err != nil {
			t.slogger.Warn("directions lookup failed, using straight line", "action", "compute route", "error", err)
		}
	}
	// straight-line fallback
	return []domain.Location{from, to}
}
