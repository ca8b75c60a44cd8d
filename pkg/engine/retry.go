package engine

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

// RetryConfig is the stateless retry policy of the event processor.
type RetryConfig struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`

	// Multiplier scales the delay after each retry.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// MaxInterval caps a single delay.
	MaxInterval time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`

	// MaxAttempts is the number of retries after the initial dispatch.
	// Zero disables retrying.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`
}

// DefaultRetryConfig returns 5 attempts starting at 2s, growing by 1.5x up to 10m.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 2 * time.Second,
		Multiplier:      1.5,
		MaxInterval:     10 * time.Minute,
		MaxAttempts:     5,
	}
}

// Validate checks the policy.
func (c RetryConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return NewConfigurationError("invalid retry configuration", err).WithCode(ErrCodeValidation)
	}
	return nil
}

// NewExecution starts a fresh stateful execution of the policy.
func (c RetryConfig) NewExecution() *RetryExecution {
	expo := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	expo.Reset()

	return &RetryExecution{
		config:  c,
		backoff: backoff.WithMaxRetries(expo, uint64(c.MaxAttempts)),
	}
}

// RetryExecution produces the delay sequence I, I*M, I*M^2, ... capped at the
// max interval, and reports exhaustion after MaxAttempts delays. Delays
// depend only on the configuration and the number of calls.
type RetryExecution struct {
	config   RetryConfig
	backoff  backoff.BackOff
	attempts int
}

// NextDelay returns the delay before the upcoming attempt and consumes it.
// It returns false once the attempt budget is exhausted.
func (r *RetryExecution) NextDelay() (time.Duration, bool) {
	if r.attempts >= r.config.MaxAttempts {
		return 0, false
	}
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

// Attempt returns the number of delays handed out so far.
func (r *RetryExecution) Attempt() int {
	return r.attempts
}

// IsLastAttempt reports whether the budget is spent.
func (r *RetryExecution) IsLastAttempt() bool {
	return r.attempts >= r.config.MaxAttempts
}

// Info returns the RetryInfo for the next dispatch.
func (r *RetryExecution) Info() *RetryInfo {
	return &RetryInfo{Attempt: r.attempts, LastAttempt: r.IsLastAttempt()}
}

func (r *RetryExecution) String() string {
	return fmt.Sprintf("attempt %d/%d", r.attempts, r.config.MaxAttempts)
}
