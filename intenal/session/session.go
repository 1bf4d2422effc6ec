package session

import (
	"driver-client/intenal/domain"
	"driver-client/pkg"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrExpired: the persisted token is past its expiry. The caller must
// force re-authentication; nothing in the core masks this.
var ErrExpired = errors.New("stored session is expired")

// Load reads the session persisted at last login and validates it: the
// driver id must be a uuid, the token must decode and must not be
// expired, and the token identity must match the stored driver id.
func Load(path string) (*domain.DriverSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read session file: %w", err)
	}
	s := new(domain.DriverSession)
	err = json.Unmarshal(data, s)
	if err != nil {
		return nil, fmt.Errorf("cannot decode session file: %w", err)
	}

	_, err = uuid.Parse(s.DriverID)
	if err != nil {
		return nil, fmt.Errorf("invalid driver id in session: %w", err)
	}

	claims, err := pkg.ParseTokenUnverified(s.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if claims.Expired(time.Now()) {
		return nil, ErrExpired
	}
	if claims.UserID != "" && claims.UserID != s.DriverID {
		return nil, fmt.Errorf("session token belongs to another driver")
	}
	return s, nil
}

// Save persists the session for the next app launch.
func Save(path string, s *domain.DriverSession) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
