package api

import (
	"bytes"
	"context"
	"driver-client/intenal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotSuccessful: the server answered but flagged the call as
	// not having taken effect.
	ErrNotSuccessful = errors.New("server reported failure")
	// ErrSessionExpired: the bearer credential was rejected. Fatal for
	// the session, propagated up to force re-authentication.
	ErrSessionExpired = errors.New("session expired")
)

type Client struct {
	slogger *slog.Logger
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(slogger *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		slogger: slogger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type statusResponse struct {
	Success bool `json:"success"`
	domain.StatusSnapshot
}

// DriverStatus is the periodic poll: the whole-record snapshot merged
// field-by-field by the reconciler.
func (c *Client) DriverStatus(ctx context.Context) (*domain.StatusSnapshot, error) {
	res := new(statusResponse)
	err := c.do(ctx, http.MethodGet, "/driver-status", nil, res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, ErrNotSuccessful
	}
	return &res.StatusSnapshot, nil
}

type toggleRequest struct {
	Online bool `json:"online"`
}

type toggleResponse struct {
	Success        bool                 `json:"success"`
	SessionSummary *domain.ShiftSummary `json:"session_summary,omitempty"`
	Message        string               `json:"message,omitempty"`
}

// SetDriverStatus toggles online/offline. Going offline may return a
// shift summary for the driver.
func (c *Client) SetDriverStatus(ctx context.Context, online bool) (*domain.ShiftSummary, error) {
	res := new(toggleResponse)
	err := c.do(ctx, http.MethodPost, "/driver-status", &toggleRequest{Online: online}, res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, ErrNotSuccessful
	}
	return res.SessionSummary, nil
}

type rideResponse struct {
	Success bool         `json:"success"`
	Ride    *domain.Ride `json:"ride"`
}

func (c *Client) RideByID(ctx context.Context, id string) (*domain.Ride, error) {
	res := new(rideResponse)
	err := c.do(ctx, http.MethodGet, "/ride/"+id, nil, res)
	if err != nil {
		return nil, err
	}
	if !res.Success || res.Ride == nil {
		return nil, ErrNotSuccessful
	}
	return res.Ride, nil
}

type rideStatusRequest struct {
	Status    domain.RideStatus `json:"status"`
	PickedAt  *time.Time        `json:"pickedAt,omitempty"`
	DroppedAt *time.Time        `json:"droppedAt,omitempty"`
}

// RideStatusResult is the write-back answer. A payment failure on
// completion does not fail the call: the ride did happen.
type RideStatusResult struct {
	Success        bool   `json:"success"`
	PaymentFailed  bool   `json:"payment_failed,omitempty"`
	PaymentMessage string `json:"payment_message,omitempty"`
}

// UpdateRideStatus is the state-changing write-back. Callers must not
// auto-retry it: a blind retry of a call that actually landed risks
// duplicate side effects downstream.
func (c *Client) UpdateRideStatus(ctx context.Context, id string, status domain.RideStatus, at time.Time) (*RideStatusResult, error) {
	req := &rideStatusRequest{Status: status}
	switch status {
	case domain.StatusPickedUp:
		req.PickedAt = &at
	case domain.StatusCompleted:
		req.DroppedAt = &at
	default:
		return nil, fmt.Errorf("invalid write-back status: %s", status)
	}
	res := new(RideStatusResult)
	err := c.do(ctx, http.MethodPut, "/ride/"+id+"/status", req, res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, ErrNotSuccessful
	}
	return res, nil
}

type locationRequest struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	SpeedKmh       float64   `json:"speed_kmh"`
	HeadingDegrees float64   `json:"heading_degrees"`
	Timestamp      time.Time `json:"timestamp"`
}

type locationResponse struct {
	Success bool `json:"success"`
}

// PushLocation is the throttled server-side location write-back.
func (c *Client) PushLocation(ctx context.Context, sample domain.LocationSample) error {
	req := &locationRequest{
		Latitude:       sample.Latitude,
		Longitude:      sample.Longitude,
		AccuracyMeters: sample.AccuracyMeters,
		SpeedKmh:       sample.SpeedKmh,
		HeadingDegrees: sample.HeadingDegrees,
		Timestamp:      sample.CapturedAt,
	}
	res := new(locationResponse)
	err := c.do(ctx, http.MethodPost, "/driver/location-update", req, res)
	if err != nil {
		return err
	}
	if !res.Success {
		return ErrNotSuccessful
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		if err != nil {
			return fmt.Errorf("cannot encode request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.slogger.Debug("request failed", "action", "call api", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrSessionExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("cannot decode %s %s response: %w", method, path, err)
	}
	return nil
}
