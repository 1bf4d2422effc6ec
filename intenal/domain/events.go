package domain

import (
	"encoding/json"
	"time"
)

// Realtime channel event types, server->client and client->server.
const (
	EventDriverStatusUpdate = "driverStatusUpdate"
	EventRideOffer          = "rideOffer"
	EventRideOfferTimeout   = "rideOfferTimeout"
	EventRideOfferRejected  = "rideOfferRejected"
	EventNewMessage         = "newMessage"

	EventJoin           = "join"
	EventAcceptRide     = "acceptRide"
	EventRejectRide     = "rejectRide"
	EventUpdateLocation = "updateLocation"
)

// Envelope frames every message on the realtime channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type DriverStatusEvent struct {
	IsOnline      *bool      `json:"isOnline,omitempty"`
	IsBusy        bool       `json:"isBusy"`
	CurrentRideID *string    `json:"currentRideId"`
	BannedUntil   *time.Time `json:"bannedUntil,omitempty"`
}

type OfferData struct {
	PriceMinorUnits int64   `json:"priceMinorUnits"`
	DistanceKm      float64 `json:"distanceKm"`
	PickupAddress   string  `json:"pickupAddress"`
	DropoffAddress  string  `json:"dropoffAddress"`
}

type RideOfferEvent struct {
	RideID    string    `json:"rideId"`
	RideData  OfferData `json:"rideData"`
	Timestamp time.Time `json:"timestamp"`
	TimeoutMs *int64    `json:"timeoutMs,omitempty"`
}

// RideOfferInvalidation covers both rideOfferTimeout and
// rideOfferRejected: either way the referenced offer is dead.
type RideOfferInvalidation struct {
	RideID string `json:"rideId"`
}

type ChatMessage struct {
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

type JoinEvent struct {
	DriverID      string    `json:"driverId"`
	VehicleTypeID string    `json:"vehicleTypeId"`
	Location      *Location `json:"location,omitempty"`
}

type RideDecisionEvent struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type LocationEvent struct {
	DriverID string   `json:"driverId"`
	Location Location `json:"location"`
}
