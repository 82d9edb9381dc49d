package engine

import "time"

// Config tunes retry and fan-out behaviour.
type Config struct {
	// MaxAttempts bounds attempts per step and rounds per group.
	MaxAttempts int
	// MaxParallel caps concurrently executing steps within a group.
	MaxParallel int
	// RetryBaseDelay is the first backoff after a provider or timeout error;
	// it doubles per attempt and gets up to 100% jitter.
	RetryBaseDelay time.Duration
	// PollInterval is how often subscribers re-read the log without a wakeup.
	PollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		MaxParallel:    6,
		RetryBaseDelay: 500 * time.Millisecond,
		PollInterval:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
