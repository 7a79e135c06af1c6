package connection

import (
	"math"
	"math/rand"
	"time"
)

// Retryer defines the interface for implementing retry strategies
type Retryer interface {
	// NextDelay returns the delay before the next reconnection attempt.
	// attempt is 0-based (0 for first retry, 1 for second, etc.)
	// Returns the delay duration and whether to continue retrying.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset resets the retry strategy state (called on successful connection)
	Reset()
}

// ExponentialBackoffRetryer implements exponential backoff with additive
// uniform jitter:
//
//	delay = min(InitialDelay * Multiplier^attempt, MaxDelay) + uniform(0, JitterMax)
type ExponentialBackoffRetryer struct {
	// InitialDelay is the initial retry delay
	InitialDelay time.Duration

	// MaxDelay is the maximum retry delay before jitter
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier
	Multiplier float64

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int

	// JitterMax is the upper bound of the uniform jitter added to every
	// delay, to avoid thundering herds. 0 disables jitter.
	JitterMax time.Duration
}

// NewExponentialBackoffRetryer creates a retryer with the protocol defaults.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: DefaultReconnectInitialDelay,
		MaxDelay:     DefaultReconnectMaxDelay,
		Multiplier:   DefaultReconnectMultiplier,
		MaxRetries:   0, // infinite retries by default
		JitterMax:    DefaultReconnectJitterMax,
	}
}

// NextDelay implements Retryer
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))

	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterMax > 0 {
		// math/rand is fine for jitter, not security-critical
		//nolint:gosec
		delay += rand.Float64() * float64(r.JitterMax)
	}

	return time.Duration(delay), true
}

// Reset implements Retryer
func (r *ExponentialBackoffRetryer) Reset() {
	// No state to reset for exponential backoff
}

// FixedDelayRetryer implements a simple fixed delay retry strategy
type FixedDelayRetryer struct {
	// Delay is the fixed delay between retries
	Delay time.Duration

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

// NewFixedDelayRetryer creates a new fixed delay retryer
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

// NextDelay implements Retryer
func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer
func (r *FixedDelayRetryer) Reset() {
	// No state to reset for fixed delay
}
