package core

import (
	"log/slog"
	"time"
)

// Config holds engine-wide settings shared by every run of an orchestrator.
type Config struct {
	Retry       RetryPolicy
	MaxParallel int
	Logger      *slog.Logger
}

// NewConfig creates a configuration with default values.
func NewConfig() *Config {
	return &Config{
		Retry:       DefaultRetryPolicy(),
		MaxParallel: 4,
	}
}

// WithRetryPolicy sets the policy applied around provider and tool calls.
func (c *Config) WithRetryPolicy(p RetryPolicy) *Config {
	c.Retry = p
	return c
}

// WithMaxParallel bounds the number of concurrent branches of a parallel
// repeat that does not declare its own limit.
func (c *Config) WithMaxParallel(n int) *Config {
	if n > 0 {
		c.MaxParallel = n
	} else {
		c.MaxParallel = 1 // Reset to a single worker for invalid inputs
	}
	return c
}

// WithLogger sets the logger attached to each run.
func (c *Config) WithLogger(l *slog.Logger) *Config {
	c.Logger = l
	return c
}

// WithRetries is a shorthand for a retry policy with the given attempts and
// initial backoff, keeping the remaining defaults.
func (c *Config) WithRetries(attempts int, initial time.Duration) *Config {
	c.Retry.MaxAttempts = attempts
	c.Retry.InitialBackoff = initial
	return c
}
