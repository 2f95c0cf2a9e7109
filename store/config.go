package store

import "time"

// Config holds configuration for the Store.
type Config struct {
	// LeaseDuration is how long an update holds the document mutex.
	// Default: 30s
	LeaseDuration time.Duration

	// LeaseReleaseOffset is subtracted from the current time when a lease is
	// released, so the stored mutex is always in the past.
	// Default: 1h
	LeaseReleaseOffset time.Duration

	// CountersCollection holds serial counters.
	// Default: "counters"
	CountersCollection string

	// RevisionsSuffix is appended to a collection name to form its
	// revisions collection.
	// Default: ".revisions"
	RevisionsSuffix string

	// SearchPrefix is prepended to search index names.
	// Default: "" (no prefix)
	SearchPrefix string

	// SequenceRetries bounds retries when concurrent counter upserts race.
	// Default: 3
	SequenceRetries int

	// DisableDispatchOnSave stops the store from enqueueing reference sync
	// and search jobs after every commit. Set it when a change stream
	// drives them instead.
	// Default: false
	DisableDispatchOnSave bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:      30 * time.Second,
		LeaseReleaseOffset: time.Hour,
		CountersCollection: "counters",
		RevisionsSuffix:    ".revisions",
		SequenceRetries:    3,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.LeaseReleaseOffset <= 0 {
		c.LeaseReleaseOffset = time.Hour
	}
	if c.CountersCollection == "" {
		c.CountersCollection = "counters"
	}
	if c.RevisionsSuffix == "" {
		c.RevisionsSuffix = ".revisions"
	}
	if c.SequenceRetries < 1 {
		c.SequenceRetries = 1
	}
	if c.SequenceRetries > 10 {
		c.SequenceRetries = 10
	}
}
