package main

import (
	"driver-client/intenal/domain"
	"driver-client/intenal/offer"
	"log/slog"
)

// alerts is the notification port implementation for a headless run:
// every side effect the platform UI/audio layer would render is logged
// instead. It satisfies both the negotiator's and the tracker's ports.
type alerts struct {
	slogger *slog.Logger
}

func (a *alerts) OfferArrived(o domain.RideOffer) {
	a.slogger.Info("ride offer",
		"ride_id", o.RideID,
		"price_minor_units", o.PriceMinorUnits,
		"distance_km", o.DistanceKm,
		"pickup", o.PickupAddress,
		"dropoff", o.DropoffAddress,
		"deadline", o.Deadline)
}

func (a *alerts) OfferTick(rideID string, remainingSec int) {
	if remainingSec%5 == 0 || remainingSec <= 5 {
		a.slogger.Info("offer countdown", "ride_id", rideID, "seconds_left", remainingSec)
	}
}

func (a *alerts) OfferCleared(rideID string, outcome offer.Outcome) {
	a.slogger.Info("offer gone", "ride_id", rideID, "outcome", string(outcome))
}

func (a *alerts) RideLoaded(r domain.Ride, route []domain.Location) {
	a.slogger.Info("ride dispatched", "ride_id", r.ID, "status", string(r.Status), "waypoints", len(route))
}

func (a *alerts) RideAdvanced(r domain.Ride, route []domain.Location) {
	a.slogger.Info("ride advanced", "ride_id", r.ID, "status", string(r.Status))
}

func (a *alerts) RideCleared(rideID string) {
	a.slogger.Info("ride cleared", "ride_id", rideID)
}

func (a *alerts) RideLoadFailed(rideID string, err error) {
	a.slogger.Error("cannot load ride", "ride_id", rideID, "error", err)
}

func (a *alerts) PaymentWarning(rideID, message string) {
	a.slogger.Warn("payment issue on completed ride", "ride_id", rideID, "detail", message)
}
