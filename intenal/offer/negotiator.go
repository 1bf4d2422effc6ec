package offer

import (
	"context"
	"driver-client/intenal/domain"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultWindow = 30 * time.Second

var ErrNoOffer = errors.New("no live offer")

// Outcome says why an offer stopped being live.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRejected    Outcome = "rejected"
	OutcomeExpired     Outcome = "expired"
	OutcomeInvalidated Outcome = "invalidated"
	OutcomeReplaced    Outcome = "replaced"
)

// Emitter sends outbound decisions over the realtime channel.
type Emitter interface {
	Emit(eventType string, payload any) error
}

// Status exposes the reconciler pieces the negotiator needs: the
// eligibility guard and the post-accept re-fetch.
type Status interface {
	Snapshot() domain.DriverState
	Refresh(ctx context.Context)
}

// Notifier is the side-effect port (sound, vibration, UI). The state
// machine itself only reports that an offer is live, its payload, the
// remaining seconds and how it ended.
type Notifier interface {
	OfferArrived(o domain.RideOffer)
	OfferTick(rideID string, remainingSec int)
	OfferCleared(rideID string, outcome Outcome)
}

// Negotiator owns the lifecycle of the single pending ride offer:
// IDLE -> OFFERED -> back to IDLE through accept, reject, countdown
// expiry or a server-sent invalidation. Racing resolutions for the
// same rideId are settled by "first one processed wins": every path
// checks the live offer under the lock and becomes a no-op when it
// already resolved.
type Negotiator struct {
	slogger  *slog.Logger
	emitter  Emitter
	status   Status
	notify   Notifier
	driverID string
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	current  *domain.RideOffer
	timer    *time.Timer
	tickDone chan struct{}
}

func NewNegotiator(slogger *slog.Logger, emitter Emitter, status Status, notify Notifier, driverID string, window time.Duration) *Negotiator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Negotiator{
		slogger:  slogger,
		emitter:  emitter,
		status:   status,
		notify:   notify,
		driverID: driverID,
		window:   window,
		now:      time.Now,
	}
}

// Live returns a copy of the pending offer, nil when IDLE.
func (n *Negotiator) Live() *domain.RideOffer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil
	}
	o := *n.current
	return &o
}

// HandleOffer is the inbound rideOffer transition. A driver that is
// banned or already on a ride is not eligible; an offer arriving while
// one is live never stacks, the old one is fully torn down first.
func (n *Negotiator) HandleOffer(ev *domain.RideOfferEvent) {
	now := n.now()
	state := n.status.Snapshot()

	n.mu.Lock()
	if !state.CanHoldOffer(now) {
		n.mu.Unlock()
		n.slogger.Info("dropping offer, driver not eligible",
			"action", "handle offer", "ride_id", ev.RideID,
			"banned", state.Banned(now), "current_ride", state.CurrentRideID != nil)
		return
	}

	replaced := ""
	if n.current != nil {
		// protocol violation: overlapping offers. The server sending a
		// new offer is treated as implicit cancellation of the old one.
		replaced = n.current.RideID
		n.slogger.Warn("new offer while one is live, replacing",
			"action", "handle offer", "old_ride_id", replaced, "ride_id", ev.RideID)
		n.teardownLocked()
		n.current = nil
	}

	window := n.window
	if ev.TimeoutMs != nil && *ev.TimeoutMs > 0 {
		window = time.Duration(*ev.TimeoutMs) * time.Millisecond
	}

	// anchor the countdown to server-observed receipt when the event
	// timestamp is usable; fall back to local time so a skewed clock
	// cannot produce an already-dead or over-long countdown
	receivedAt := ev.Timestamp
	if receivedAt.IsZero() || receivedAt.After(now) || now.Sub(receivedAt) >= window {
		receivedAt = now
	}

	offer := &domain.RideOffer{
		RideID:          ev.RideID,
		PriceMinorUnits: ev.RideData.PriceMinorUnits,
		DistanceKm:      ev.RideData.DistanceKm,
		PickupAddress:   ev.RideData.PickupAddress,
		DropoffAddress:  ev.RideData.DropoffAddress,
		ReceivedAt:      receivedAt,
		Deadline:        receivedAt.Add(window),
	}
	n.current = offer
	n.timer = time.AfterFunc(offer.Deadline.Sub(now), func() {
		n.expire(offer.RideID)
	})
	done := make(chan struct{})
	n.tickDone = done
	go n.tickLoop(offer.RideID, offer.Deadline, done)
	n.mu.Unlock()

	n.slogger.Info("offer live", "action", "handle offer",
		"ride_id", offer.RideID, "deadline", offer.Deadline)
	// the old offer must be observed gone before the new one appears
	if replaced != "" {
		n.notifyCleared(replaced, OutcomeReplaced)
	}
	if n.notify != nil {
		n.notify.OfferArrived(*offer)
	}
}

// Accept is the explicit driver action. On emit failure the offer
// stays live so the driver can retry; nothing was decided server-side.
func (n *Negotiator) Accept(ctx context.Context) error {
	n.mu.Lock()
	if n.current == nil {
		n.mu.Unlock()
		return ErrNoOffer
	}
	rideID := n.current.RideID
	err := n.emitter.Emit(domain.EventAcceptRide, &domain.RideDecisionEvent{
		RideID:   rideID,
		DriverID: n.driverID,
	})
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.teardownLocked()
	n.current = nil
	n.mu.Unlock()

	n.notifyCleared(rideID, OutcomeAccepted)
	n.slogger.Info("offer accepted", "action", "accept offer", "ride_id", rideID)
	// close the gap between "I accepted" and the server pushing the
	// dispatched ride
	n.status.Refresh(ctx)
	return nil
}

// Reject is the explicit driver action; no status re-fetch since no
// new ride is expected.
func (n *Negotiator) Reject(ctx context.Context) error {
	n.mu.Lock()
	if n.current == nil {
		n.mu.Unlock()
		return ErrNoOffer
	}
	rideID := n.current.RideID
	err := n.emitter.Emit(domain.EventRejectRide, &domain.RideDecisionEvent{
		RideID:   rideID,
		DriverID: n.driverID,
	})
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.teardownLocked()
	n.current = nil
	n.mu.Unlock()

	n.notifyCleared(rideID, OutcomeRejected)
	n.slogger.Info("offer rejected", "action", "reject offer", "ride_id", rideID)
	return nil
}

// expire fires when the countdown reaches zero. It behaves exactly
// like an explicit reject: the client always tells the server, even if
// the server's own timeout races it, so the server is never left
// waiting on a silently dropped offer.
func (n *Negotiator) expire(rideID string) {
	n.mu.Lock()
	if n.current == nil || n.current.RideID != rideID {
		n.mu.Unlock()
		return
	}
	n.teardownLocked()
	n.current = nil
	err := n.emitter.Emit(domain.EventRejectRide, &domain.RideDecisionEvent{
		RideID:   rideID,
		DriverID: n.driverID,
	})
	n.mu.Unlock()

	n.notifyCleared(rideID, OutcomeExpired)
	if err != nil {
		n.slogger.Error("cannot emit expiry reject", "action", "expire offer", "ride_id", rideID, "error", err)
	}
	n.slogger.Info("offer expired", "action", "expire offer", "ride_id", rideID)
}

// HandleInvalidation processes a server-sent rideOfferTimeout or
// rideOfferRejected. A match tears state down silently: the server is
// confirming a decision already made, not asking for a new one. A
// mismatch is a stale event for an offer already resolved.
func (n *Negotiator) HandleInvalidation(ev *domain.RideOfferInvalidation) {
	n.mu.Lock()
	if n.current == nil || n.current.RideID != ev.RideID {
		n.mu.Unlock()
		n.slogger.Debug("stale invalidation ignored", "action", "invalidate offer", "ride_id", ev.RideID)
		return
	}
	n.teardownLocked()
	n.current = nil
	n.mu.Unlock()

	n.notifyCleared(ev.RideID, OutcomeInvalidated)
	n.slogger.Info("offer invalidated by server", "action", "invalidate offer", "ride_id", ev.RideID)
}

// teardownLocked clears the countdown before anything else happens in
// a terminal transition. A stale timer left running is exactly how a
// ghost expiry reject fires after the offer was already resolved.
func (n *Negotiator) teardownLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.tickDone != nil {
		close(n.tickDone)
		n.tickDone = nil
	}
}

// notifyCleared must run outside the lock and before any notification
// about a successor offer, so observers always see cleared(old) before
// arrived(new).
func (n *Negotiator) notifyCleared(rideID string, outcome Outcome) {
	if n.notify != nil {
		n.notify.OfferCleared(rideID, outcome)
	}
}

func (n *Negotiator) tickLoop(rideID string, deadline time.Time, done chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			remaining := int(time.Until(deadline).Round(time.Second) / time.Second)
			if remaining < 0 {
				remaining = 0
			}
			if n.notify != nil {
				n.notify.OfferTick(rideID, remaining)
			}
			if remaining == 0 {
				return
			}
		}
	}
}
