// Package retry computes exponential backoff delays shared by job retries,
// stream reconnection and broker connection attempts.
package retry

import (
	"errors"
	"math"
	"time"
)

// Config holds the backoff configuration
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultJobConfig is the retry schedule applied to failed jobs
func DefaultJobConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      10 * time.Second,
		MaxDelay:          10 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// DefaultStreamConfig is the reconnection schedule for live streams
func DefaultStreamConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      5 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the configuration for usable values
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be greater than 0")
	}
	if c.InitialDelay < 0 {
		return errors.New("initial_delay must not be negative")
	}
	if c.MaxDelay <= 0 {
		return errors.New("max_delay must be greater than 0")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("backoff_multiplier must be at least 1")
	}
	return nil
}

// Policy computes backoff delays from a Config
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy, filling zero fields from DefaultJobConfig
func NewPolicy(cfg Config) *Policy {
	def := DefaultJobConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Policy{cfg: cfg}
}

// Config returns the effective configuration
func (p *Policy) Config() Config {
	return p.cfg
}

// MaxAttempts returns the configured attempt budget
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Delay returns min(max_delay, initial_delay * multiplier^(attempt-1)).
// attempt is 1-indexed; values below 1 are treated as 1.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	maxDelay := float64(p.cfg.MaxDelay)
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay > maxDelay {
		return p.cfg.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempts tries
func (p *Policy) ShouldRetry(attempts int) bool {
	return attempts < p.cfg.MaxAttempts
}
