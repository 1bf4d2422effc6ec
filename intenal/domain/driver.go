package domain

import "time"

// DriverSession is immutable for the session lifetime. It is created at
// login, persisted locally and destroyed at logout.
type DriverSession struct {
	DriverID      string `json:"driver_id"`
	Token         string `json:"token"`
	VehicleTypeID string `json:"vehicle_type_id"`
}

// Source ranks where a status update came from. Higher wins when two
// updates carry the same timestamp for the same field.
type Source int

const (
	SourcePoll Source = iota + 1
	SourcePush
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourcePoll:
		return "poll"
	case SourcePush:
		return "push"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// DriverState is the one authoritative in-memory view of the driver,
// merged from push, poll and local actions by the reconciler.
type DriverState struct {
	Online         bool
	Busy           bool
	BannedUntil    *time.Time
	CurrentRideID  *string
	HasActiveShift bool
}

func (s DriverState) Banned(now time.Time) bool {
	return s.BannedUntil != nil && s.BannedUntil.After(now)
}

// CanHoldOffer is the negotiator's eligibility guard: no active ban and
// no ride already in progress.
func (s DriverState) CanHoldOffer(now time.Time) bool {
	return !s.Banned(now) && s.CurrentRideID == nil
}

// StatusUpdate is a partial write to DriverState. Only carried fields
// participate in the field-level merge; the Carried flags exist because
// "field present but null" (ride ended) and "field absent" mean
// different things on the wire.
type StatusUpdate struct {
	Source Source
	At     time.Time

	Online         *bool
	Busy           *bool
	HasActiveShift *bool

	RideCarried   bool
	CurrentRideID *string

	BanCarried  bool
	BannedUntil *time.Time
}

// StatusSnapshot is the whole-record answer of the driver-status poll.
// hasActiveShift only ever arrives through this path.
type StatusSnapshot struct {
	IsOnline       bool       `json:"isOnline"`
	IsBusy         bool       `json:"isBusy"`
	CurrentRideID  *string    `json:"currentRideId"`
	BannedUntil    *time.Time `json:"bannedUntil,omitempty"`
	HasActiveShift bool       `json:"hasActiveShift"`
}

// ShiftSummary comes back on the offline toggle so the driver can be
// shown what the shift amounted to.
type ShiftSummary struct {
	DurationHours  float64 `json:"duration_hours"`
	RidesCompleted int     `json:"rides_completed"`
	Earnings       float64 `json:"earnings"`
}
