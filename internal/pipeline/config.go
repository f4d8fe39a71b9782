// Package pipeline implements the background fetch machinery: the
// scheduler that promotes due feeds into jobs, the consumer pool that
// works them off, and the normalization turning syndication entries
// into stored items.
package pipeline

import (
	"fmt"
	"time"

	"github.com/gleaner-app/gleaner/internal/extract"
)

// Config tunes the fetch pipeline, read from the "pipeline" section.
type Config struct {
	FetchDefaultInterval int    `mapstructure:"fetch_default_interval"`
	FetchConcurrency     int    `mapstructure:"fetch_concurrency"`
	PerHostConcurrency   int    `mapstructure:"per_host_concurrency"`
	FetchTimeoutSeconds  int    `mapstructure:"fetch_timeout_seconds"`
	SchedulerTickSeconds int    `mapstructure:"scheduler_tick_seconds"`
	SchedulerBatchSize   int    `mapstructure:"scheduler_batch_size"`
	ExtractionEngine     string `mapstructure:"extraction_engine"`
	UserAgent            string `mapstructure:"user_agent"`
}

// ApplyDefaults fills zero fields with the documented defaults, so a
// partial config section stays usable.
func (c *Config) ApplyDefaults() {
	if c.FetchDefaultInterval <= 0 {
		c.FetchDefaultInterval = 900
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 10
	}
	if c.PerHostConcurrency <= 0 {
		c.PerHostConcurrency = 2
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
	if c.SchedulerTickSeconds <= 0 {
		c.SchedulerTickSeconds = 10
	}
	if c.SchedulerBatchSize <= 0 {
		c.SchedulerBatchSize = 25
	}
	if c.ExtractionEngine == "" {
		c.ExtractionEngine = extract.EngineTrafilatura
	}
	if c.UserAgent == "" {
		c.UserAgent = "gleaner/1.0"
	}
}

// Validate rejects values ApplyDefaults cannot repair.
func (c *Config) Validate() error {
	switch c.ExtractionEngine {
	case extract.EngineTrafilatura, extract.EngineReadability, extract.EngineNone:
	default:
		return fmt.Errorf("pipeline config: unknown extraction engine %q", c.ExtractionEngine)
	}
	return nil
}

// Timeout returns the per-request HTTP deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Tick returns the scheduler period.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}
