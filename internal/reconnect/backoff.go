// ABOUTME: Exponential backoff for reconnecting dropped streaming connections.
// ABOUTME: Retries with 2s, 4s, 8s... up to a 60s cap, resetting on success.

package reconnect

import "time"

// Config controls the backoff schedule.
type Config struct {
	// InitialDelay is the starting delay between retries.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is applied to the delay after each failure.
	Multiplier int
	// MaxRetries is the number of consecutive failures tolerated before
	// giving up. Zero means unlimited.
	MaxRetries int
}

// DefaultConfig returns the standard schedule: 2s initial, doubling, 60s
// cap, unlimited retries.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxRetries:   0,
	}
}

// Backoff tracks reconnection state. Not safe for concurrent use; each
// connection loop owns its own Backoff.
type Backoff struct {
	config   Config
	failures int
	delay    time.Duration
}

// New creates a Backoff with the given config.
func New(config Config) *Backoff {
	return &Backoff{config: config, delay: config.InitialDelay}
}

// RecordSuccess resets the failure counter and the delay schedule.
func (b *Backoff) RecordSuccess() {
	b.failures = 0
	b.delay = b.config.InitialDelay
}

// RecordFailure records a failure and returns the delay to wait before
// the next retry. ok is false once the retry limit is exceeded ("no more
// retries").
func (b *Backoff) RecordFailure() (delay time.Duration, ok bool) {
	b.failures++

	if b.config.MaxRetries > 0 && b.failures > b.config.MaxRetries {
		return 0, false
	}

	delay = b.delay

	next := b.delay * time.Duration(b.config.Multiplier)
	if next > b.config.MaxDelay {
		next = b.config.MaxDelay
	}
	b.delay = next

	return delay, true
}

// ConsecutiveFailures returns the current failure count.
func (b *Backoff) ConsecutiveFailures() int {
	return b.failures
}

// CurrentDelay returns the delay the next failure would yield.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.delay
}
