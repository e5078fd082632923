// Package retry implements the bounded exponential backoff shared by the
// document dispatch queue and the payment settlement worker.
package retry

import (
	"math"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Minute,
		MaxDelay:          1 * time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff retry logic
type Policy struct {
	config Config
}

// NewPolicy creates a new retry policy, filling unset fields from DefaultConfig
func NewPolicy(config Config) *Policy {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &Policy{config: config}
}

// MaxAttempts returns the attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// CanRetry reports whether another attempt is allowed after attempts have
// already been made.
func (p *Policy) CanRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// NextDelay calculates the delay before the next attempt
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * (multiplier ^ (attempts - 1))
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}

	return time.Duration(delay)
}

// NextTime calculates when the next attempt should occur relative to now
func (p *Policy) NextTime(now time.Time, attempts int) time.Time {
	return now.Add(p.NextDelay(attempts))
}
