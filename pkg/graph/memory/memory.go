// Package memory implements an in-memory graph.Store for tests and dry
// runs. It applies the same episode validation as a real backend, so a dry
// run catches malformed group IDs and missing reference times before any
// paid API call happens, and records everything it accepts for inspection.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

func init() {
	graph.Register("memory", func(cfg graph.Config, reg *ontology.Registry) (graph.Store, error) {
		s := New()
		if mc := cfg.Memory; mc != nil && mc.FailAddAt > 0 {
			code := mc.FailCode
			if code == "" {
				code = graph.ErrCodeRateLimited
			}
			s.FailAddAt(mc.FailAddAt, code)
		}
		return s, nil
	})
}

// Store keeps committed episodes in memory.
type Store struct {
	mu       sync.Mutex
	episodes []Committed
	adds     int
	failAt   int
	failCode string
	failOnce bool
	closed   bool
}

// Committed pairs an accepted episode with its assigned ID.
type Committed struct {
	ID      string
	Episode graph.Episode
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

// FailAddAt makes the nth AddEpisode call (1-based) fail once with the
// given error code. Subsequent calls succeed, which is exactly the shape a
// transient rate limit has in production.
func (s *Store) FailAddAt(n int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = n
	s.failCode = code
	s.failOnce = false
}

// AddEpisode validates and records the episode.
func (s *Store) AddEpisode(ctx context.Context, ep graph.Episode) (*graph.EpisodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, graph.NewStoreError(graph.ErrCodeUnavailable, err.Error(), 0, err)
	}

	ep = ep.NormalizeReference()
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, graph.NewStoreError(graph.ErrCodeUnavailable, "store is closed", 0, nil)
	}

	s.adds++
	if s.failAt > 0 && s.adds == s.failAt && !s.failOnce {
		s.failOnce = true
		return nil, graph.NewStoreError(s.failCode, fmt.Sprintf("injected failure on add %d", s.adds), 0, nil)
	}

	c := Committed{ID: uuid.NewString(), Episode: ep}
	s.episodes = append(s.episodes, c)
	return &graph.EpisodeResult{EpisodeID: c.ID, CreatedAt: time.Now().UTC()}, nil
}

// Ping always succeeds while the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return graph.NewStoreError(graph.ErrCodeUnavailable, "store is closed", 0, nil)
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Episodes returns a copy of everything committed so far.
func (s *Store) Episodes() []Committed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Committed, len(s.episodes))
	copy(out, s.episodes)
	return out
}

// AddCalls returns how many AddEpisode attempts were made, failed ones
// included.
func (s *Store) AddCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adds
}
