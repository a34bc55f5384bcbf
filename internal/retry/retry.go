// Package retry provides bounded retry loops: exponential backoff for
// transient I/O (bus dialing) and fixed-interval polling for asynchronous
// store state.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls a retry loop.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay after the first failed attempt
	MaxDelay    time.Duration // cap on the computed delay
	Multiplier  float64       // exponential growth factor
	Jitter      bool          // randomize delays to avoid thundering herds
}

// DefaultConfig is tuned for reconnecting to the bus.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// FixedConfig polls at a constant interval, used for bounded store polling.
func FixedConfig(attempts int, interval time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   interval,
		MaxDelay:    interval,
		Multiplier:  1.0,
	}
}

// Do runs op until it succeeds, attempts are exhausted, or the context is
// cancelled. The returned error is the last failure.
func Do(ctx context.Context, config Config, op func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(config.delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = op(); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", config.MaxAttempts, lastErr)
}

// delay computes the wait before the given (1-based) retry attempt.
func (c Config) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d > 0 {
		// Up to 25% random spread to avoid synchronized reconnect storms.
		d += time.Duration(rand.Int63n(int64(d) / 4))
	}
	return d
}
