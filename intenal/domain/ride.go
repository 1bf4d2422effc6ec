package domain

import (
	"fmt"
	"time"
)

type RideStatus string

const (
	StatusDispatched RideStatus = "DISPATCHED"
	StatusPickedUp   RideStatus = "PICKED_UP"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCanceled   RideStatus = "CANCELED"
)

// CanTransition encodes the only legal forward path:
// DISPATCHED -> PICKED_UP -> COMPLETED, with CANCELED reachable from
// DISPATCHED or PICKED_UP and COMPLETED terminal.
func (s RideStatus) CanTransition(to RideStatus) bool {
	switch s {
	case StatusDispatched:
		return to == StatusPickedUp || to == StatusCanceled
	case StatusPickedUp:
		return to == StatusCompleted || to == StatusCanceled
	default:
		return false
	}
}

// NormalizeRideStatus maps server spellings onto the client's set. Some
// backend responses say ONGOING where the client tracks DISPATCHED.
func NormalizeRideStatus(raw string) (RideStatus, error) {
	switch raw {
	case "DISPATCHED", "ONGOING":
		return StatusDispatched, nil
	case "PICKED_UP", "IN_PROGRESS":
		return StatusPickedUp, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "CANCELED", "CANCELLED":
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("invalid ride status: %s", raw)
	}
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// RideOffer is ephemeral: at most one live instance per driver, gone on
// accept, reject, expiry or server invalidation, whichever comes first.
type RideOffer struct {
	RideID          string    `json:"rideId"`
	PriceMinorUnits int64     `json:"priceMinorUnits"`
	DistanceKm      float64   `json:"distanceKm"`
	PickupAddress   string    `json:"pickupAddress"`
	DropoffAddress  string    `json:"dropoffAddress"`
	ReceivedAt      time.Time `json:"receivedAt"`
	Deadline        time.Time `json:"deadline"`
}

func (o *RideOffer) Remaining(now time.Time) time.Duration {
	if rem := o.Deadline.Sub(now); rem > 0 {
		return rem
	}
	return 0
}

func (o *RideOffer) Expired(now time.Time) bool {
	return !o.Deadline.After(now)
}

// Ride is the active post-acceptance ride, owned by the tracker.
type Ride struct {
	ID              string     `json:"id"`
	Status          RideStatus `json:"status"`
	PickupLocation  Location   `json:"pickup_location"`
	DropoffLocation Location   `json:"dropoff_location"`
	StopLocation    *Location  `json:"stop_location,omitempty"`
	Price           int64      `json:"price"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	PickedAt        *time.Time `json:"picked_at,omitempty"`
	DroppedAt       *time.Time `json:"dropped_at,omitempty"`
}
