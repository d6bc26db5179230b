package graph

import (
	"fmt"
	"time"

	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

// Config selects and configures a graph store backend.
type Config struct {
	// Backend specifies which store client to use.
	// Supported values: "graphiti", "memory".
	Backend string `yaml:"backend" json:"backend"`

	// GroupID is the namespace episodes are committed into. A single
	// global namespace is the default strategy so cross-session synthesis
	// works; sessions are distinguished by episode name prefix and
	// source description instead of group partitioning.
	GroupID string `yaml:"group_id" json:"group_id"`

	// Graphiti-specific configuration.
	Graphiti *GraphitiConfig `yaml:"graphiti,omitempty" json:"graphiti,omitempty"`

	// Memory-specific configuration (tests and dry runs).
	Memory *MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// GraphitiConfig contains settings for the graphiti HTTP backend.
type GraphitiConfig struct {
	// Endpoint is the base URL of the graphiti service.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// APIKey authenticates requests (optional; falls back to the
	// GRAPHITI_API_KEY environment variable).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// RequestTimeout bounds one HTTP round trip. The store performs
	// several internal LLM calls per episode, so this is generous by
	// default (120s). Distinct from the commit pipeline's retry budget.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`

	// RatePerSecond paces outgoing requests client-side. The store's
	// internal LLM concurrency is a separate knob on the server; this one
	// only keeps our request rate polite. Default 1.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// MemoryConfig contains settings for the in-memory backend.
type MemoryConfig struct {
	// FailAddAt makes the Nth AddEpisode call fail (1-based, 0 = never).
	// Used by tests to exercise partial-commit handling.
	FailAddAt int `yaml:"fail_add_at,omitempty" json:"fail_add_at,omitempty"`

	// FailCode is the error code injected failures carry
	// (default rate_limited).
	FailCode string `yaml:"fail_code,omitempty" json:"fail_code,omitempty"`
}

// Validate checks the configuration before a backend is constructed.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("graph backend is required")
	}
	if c.GroupID != "" {
		// Validated strictly rather than sanitized: config is written by
		// an operator, and silently rewriting it would split the
		// namespace without anyone noticing.
		if err := ontology.ValidateGroupID(c.GroupID); err != nil {
			return err
		}
	}
	if c.Backend == "graphiti" {
		if c.Graphiti == nil || c.Graphiti.Endpoint == "" {
			return fmt.Errorf("graphiti backend requires an endpoint")
		}
	}
	return nil
}
