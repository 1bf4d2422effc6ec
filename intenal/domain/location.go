package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// LocationSample is transient: only the last one is retained, nothing
// is persisted beyond the process lifetime.
type LocationSample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	SpeedKmh       float64   `json:"speed_kmh"`
	HeadingDegrees float64   `json:"heading_degrees"`
	CapturedAt     time.Time `json:"timestamp"`
}

func (s *LocationSample) Location() Location {
	return Location{Lat: s.Latitude, Lng: s.Longitude}
}

func ValidateLocation(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	return nil
}

func ValidateSample(s *LocationSample) error {
	err := ValidateLocation(s.Latitude, s.Longitude)
	if err != nil {
		return err
	}
	if s.AccuracyMeters < 0 {
		return errors.New("accuracy_meters cannot be negative")
	}
	if s.SpeedKmh < 0 {
		return errors.New("speed_kmh cannot be negative")
	}
	if s.HeadingDegrees < 0 || s.HeadingDegrees >= 360 {
		return errors.New("heading_degrees must be between 0 (inclusive) and 360 (exclusive)")
	}
	return nil
}

// DistanceKM is the haversine distance between two points.
func DistanceKM(from, to Location) float64 {
	const R = 6371.0 // earth radius in km

	dLat := (to.Lat - from.Lat) * math.Pi / 180
	dLon := (to.Lng - from.Lng) * math.Pi / 180

	lat1Rad := from.Lat * math.Pi / 180
	lat2Rad := to.Lat * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1Rad)*math.Cos(lat2Rad)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}
