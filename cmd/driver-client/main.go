package main

import (
	"context"
	"driver-client/intenal/api"
	"driver-client/intenal/channel"
	"driver-client/intenal/domain"
	"driver-client/intenal/location"
	"driver-client/intenal/offer"
	"driver-client/intenal/session"
	"driver-client/intenal/status"
	"driver-client/intenal/trip"
	"driver-client/pkg"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	slogger := pkg.CustomSlog("driver-client")
	cfg, err := pkg.ParseConfig("config.yml")
	if err != nil {
		slogger.Error("cannot parse config", "action", "parse config", "error", err)
		os.Exit(1)
	}

	sess, err := session.Load(cfg.SessionCfg.File)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			slogger.Error("session expired, please log in again", "action", "load session")
		} else {
			slogger.Error("cannot load session", "action", "load session", "error", err)
		}
		os.Exit(1)
	}

	apiClient := api.NewClient(slogger, cfg.APICfg.BaseURL, sess.Token, time.Duration(cfg.APICfg.TimeoutSeconds)*time.Second)
	ch := channel.NewChannel(slogger, cfg.WebSocketCfg.URL, sess)
	reconciler := status.NewReconciler(slogger, apiClient, time.Duration(cfg.StatusCfg.PollSeconds)*time.Second)

	alert := &alerts{slogger: slogger}
	negotiator := offer.NewNegotiator(slogger, ch, reconciler, alert, sess.DriverID,
		time.Duration(cfg.OfferCfg.WindowSeconds)*time.Second)

	// the Fixed source is where the device GPS plugs in
	gps := location.Fixed{Lat: cfg.LocationCfg.StartLat, Lng: cfg.LocationCfg.StartLng}
	reporter := location.NewReporter(slogger, gps, ch, apiClient, sess.DriverID,
		time.Duration(cfg.LocationCfg.LocalSeconds)*time.Second,
		time.Duration(cfg.LocationCfg.ServerSeconds)*time.Second)
	ch.SetJoinLocation(reporter.LastLocation)

	tracker := trip.NewTracker(slogger, apiClient, nil, reporter, reconciler, alert)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler.OnChange(func(s domain.DriverState) {
		tracker.OnStatus(ctx, s)
	})

	ch.On(domain.EventDriverStatusUpdate, func(data json.RawMessage) {
		ev := new(domain.DriverStatusEvent)
		if err := json.Unmarshal(data, ev); err != nil {
			slogger.Error("bad driverStatusUpdate payload", "action", "dispatch event", "error", err)
			return
		}
		reconciler.HandlePush(ev)
	})
	ch.On(domain.EventRideOffer, func(data json.RawMessage) {
		ev := new(domain.RideOfferEvent)
		if err := json.Unmarshal(data, ev); err != nil {
			slogger.Error("bad rideOffer payload", "action", "dispatch event", "error", err)
			return
		}
		negotiator.HandleOffer(ev)
	})
	invalidation := func(data json.RawMessage) {
		ev := new(domain.RideOfferInvalidation)
		if err := json.Unmarshal(data, ev); err != nil {
			slogger.Error("bad offer invalidation payload", "action", "dispatch event", "error", err)
			return
		}
		negotiator.HandleInvalidation(ev)
	}
	ch.On(domain.EventRideOfferTimeout, invalidation)
	ch.On(domain.EventRideOfferRejected, invalidation)
	ch.On(domain.EventNewMessage, func(data json.RawMessage) {
		msg := new(domain.ChatMessage)
		if err := json.Unmarshal(data, msg); err != nil {
			slogger.Error("bad newMessage payload", "action", "dispatch event", "error", err)
			return
		}
		slogger.Info("chat message", "action", "receive message", "sender", msg.Sender, "text", msg.Message)
	})

	// a rejected credential anywhere ends the session: the daemon must
	// not keep running while the server no longer talks to it
	fatal := make(chan error, 1)
	sessionDead := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	go func() {
		if err := ch.Run(ctx); err != nil {
			sessionDead(err)
		}
	}()
	go func() {
		if err := reconciler.Run(ctx); err != nil {
			sessionDead(err)
		}
	}()
	go reporter.Run(ctx)

	// one sync on startup so the state is warm before any decision
	if err := reconciler.Poll(ctx); err != nil {
		sessionDead(err)
	}

	go commandLoop(ctx, slogger, reconciler, negotiator, tracker)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		slogger.Info("shutting down", "action", "shutdown")
	case err := <-fatal:
		slogger.Error("session no longer valid, please log in again", "action", "shutdown", "error", err)
		exitCode = 1
	}
	cancel()
	ch.Close()
	os.Exit(exitCode)
}
