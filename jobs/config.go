package jobs

import "time"

// Config holds configuration for a Queue.
type Config struct {
	// Workers is the number of lanes, each served by one goroutine.
	// Jobs with the same key always run on the same lane.
	// Default: 4
	Workers int

	// MaxAttempts bounds how often a job runs before it is recorded as failed.
	// Default: 3
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles per attempt.
	// Default: 1s
	Backoff time.Duration

	// MaxBackoff caps the retry delay.
	// Default: 30s
	MaxBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > 256 {
		c.Workers = 256
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
}

func (c Config) delay(attempt int) time.Duration {
	d := c.Backoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
