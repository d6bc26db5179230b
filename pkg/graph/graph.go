// Package graph defines the client surface for the external temporal
// knowledge-graph store that research episodes are committed to.
//
// The store is an external, LLM-backed service consumed through a narrow
// contract: episodes go in, episode IDs come out. Entity and relationship
// extraction happen inside the store; this package only guarantees that what
// we send is well-formed (valid group ID, timezone-aware reference time,
// schemas that avoid the store's reserved attribute names).
//
// Backends register themselves by name, mirroring how the rest of the
// codebase selects pluggable providers:
//
//	import _ "github.com/epigraph-dev/epigraph/pkg/graph/graphiti"
//
//	store, err := graph.New(graph.Config{Backend: "graphiti", ...}, registry)
package graph

import (
	"context"
	"time"
)

// Store is the interface to the external graph service.
// Implementations must be safe for concurrent use, though the commit
// pipeline serializes episode writes deliberately (the store performs its
// own internal LLM calls per episode and rate-limits aggressively).
type Store interface {
	// AddEpisode commits one immutable episode and returns its identifier.
	// Errors are *StoreError values; callers decide retry policy from the
	// Retryable tag, never from message text.
	AddEpisode(ctx context.Context, ep Episode) (*EpisodeResult, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the client.
	Close() error
}

// EpisodeResult is the store's acknowledgement of a committed episode.
type EpisodeResult struct {
	// EpisodeID is the store-assigned identifier.
	EpisodeID string
	// CreatedAt is when the store recorded the episode.
	CreatedAt time.Time
}
