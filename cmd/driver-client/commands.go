package main

import (
	"bufio"
	"context"
	"driver-client/intenal/offer"
	"driver-client/intenal/status"
	"driver-client/intenal/trip"
	"log/slog"
	"os"
	"strings"
)

// commandLoop reads driver actions from stdin. It stands in for the
// screens that are external to the core: each command maps onto one
// deliberate driver action.
func commandLoop(ctx context.Context, slogger *slog.Logger, reconciler *status.Reconciler, negotiator *offer.Negotiator, tracker *trip.Tracker) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd := strings.TrimSpace(strings.ToLower(scanner.Text()))
		switch cmd {
		case "":
		case "online":
			if err := reconciler.GoOnline(ctx); err != nil {
				slogger.Error("cannot go online", "action", "go online", "error", err)
			}
		case "offline":
			summary, err := reconciler.GoOffline(ctx)
			if err != nil {
				slogger.Error("cannot go offline", "action", "go offline", "error", err)
				continue
			}
			if summary != nil {
				slogger.Info("shift finished", "action", "go offline",
					"duration_hours", summary.DurationHours,
					"rides_completed", summary.RidesCompleted,
					"earnings", summary.Earnings)
			}
		case "accept":
			if err := negotiator.Accept(ctx); err != nil {
				slogger.Error("cannot accept offer", "action", "accept offer", "error", err)
			}
		case "reject":
			if err := negotiator.Reject(ctx); err != nil {
				slogger.Error("cannot reject offer", "action", "reject offer", "error", err)
			}
		case "pickup":
			if err := tracker.ConfirmPickup(ctx); err != nil {
				slogger.Error("cannot confirm pickup, retry", "action", "confirm pickup", "error", err)
			}
		case "dropoff":
			if err := tracker.ConfirmDropoff(ctx); err != nil {
				slogger.Error("cannot confirm dropoff, retry", "action", "confirm dropoff", "error", err)
			}
		case "state":
			s := reconciler.Snapshot()
			slogger.Info("driver state", "online", s.Online, "busy", s.Busy,
				"has_active_shift", s.HasActiveShift,
				"current_ride", s.CurrentRideID != nil)
		default:
			slogger.Info("unknown command", "command", cmd,
				"known", "online offline accept reject pickup dropoff state")
		}
	}
}
