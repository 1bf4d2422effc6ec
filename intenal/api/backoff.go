package api

import (
	"context"
	"errors"
	"time"
)

// Retry runs fn up to attempts times with exponential backoff (base,
// 2*base, 4*base, ...). It gives up immediately on context
// cancellation or a fatal session error, since neither is transient.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionExpired) {
			return err
		}
	}
	return err
}
