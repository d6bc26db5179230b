package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Session is a live handle on one research session. All mutators persist the
// updated record before returning; if persistence fails the in-memory state
// is left unchanged and the error is returned to the caller. Sessions are
// safe for concurrent use.
type Session interface {
	// Record returns a deep copy of the persisted state.
	Record() Record

	// Transition moves the session to the next lifecycle state.
	// Returns ErrInvalidTransition if the state machine forbids it.
	Transition(ctx context.Context, next State) error

	// SetQuery replaces the working research query.
	SetQuery(ctx context.Context, query string) error

	// SetEpisodeName stores the approved episode name used as the prefix for
	// all committed episode names.
	SetEpisodeName(ctx context.Context, name string) error

	// AppendRefinement records one turn of the refinement dialogue.
	AppendRefinement(ctx context.Context, speaker, text string) error

	// ClearRefinementLog drops the refinement dialogue, called after its
	// distilled form has been committed to the graph.
	ClearRefinementLog(ctx context.Context) error

	// BeginCycle starts a research cycle and returns its 1-based index.
	// Returns ErrCycleActive while another cycle is still running.
	BeginCycle(ctx context.Context, topic, kind string) (int, error)

	// FinishCycle ends a cycle's research phase, recording which roles
	// produced output and which came up empty.
	FinishCycle(ctx context.Context, index int, roles, missing []string) error

	// MarkCommitted records a store-assigned episode ID for one episode key.
	// Called after each successful AddEpisode so an interrupted commit can
	// resume where it stopped.
	MarkCommitted(ctx context.Context, index int, key, episodeID string) error

	// FinalizeCommit stamps the cycle as fully committed.
	FinalizeCommit(ctx context.Context, index int) error

	// Save persists the current record unchanged (refreshes UpdatedAt).
	Save(ctx context.Context) error
}

// sessionImpl is the concrete implementation of Session.
type sessionImpl struct {
	mu      sync.RWMutex
	rec     *Record
	backend StorageBackend
}

// newSession creates a session handle over an already-persisted record.
func newSession(rec *Record, backend StorageBackend) *sessionImpl {
	return &sessionImpl{rec: rec, backend: backend}
}

// mutate applies fn to a working copy of the record, persists it, and only
// then swaps it in. A failed save leaves the session exactly as it was.
func (s *sessionImpl) mutate(ctx context.Context, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()

	if err := s.backend.SaveRecord(ctx, next); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	s.rec = next
	return nil
}

// Record returns a deep copy of the persisted state.
func (s *sessionImpl) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.rec.Clone()
}

// Transition moves the session to the next lifecycle state.
func (s *sessionImpl) Transition(ctx context.Context, next State) error {
	return s.mutate(ctx, func(r *Record) error {
		if !next.Valid() {
			return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, next)
		}
		if !r.State.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
		}
		r.State = next
		return nil
	})
}

// SetQuery replaces the working research query.
func (s *sessionImpl) SetQuery(ctx context.Context, query string) error {
	return s.mutate(ctx, func(r *Record) error {
		if query == "" {
			return fmt.Errorf("query cannot be empty")
		}
		r.Query = query
		return nil
	})
}

// SetEpisodeName stores the approved episode name.
func (s *sessionImpl) SetEpisodeName(ctx context.Context, name string) error {
	return s.mutate(ctx, func(r *Record) error {
		if name == "" {
			return fmt.Errorf("episode name cannot be empty")
		}
		r.EpisodeName = name
		return nil
	})
}

// AppendRefinement records one turn of the refinement dialogue.
func (s *sessionImpl) AppendRefinement(ctx context.Context, speaker, text string) error {
	return s.mutate(ctx, func(r *Record) error {
		if speaker != SpeakerUser && speaker != SpeakerAssistant {
			return fmt.Errorf("unknown speaker %q", speaker)
		}
		r.RefinementLog = append(r.RefinementLog, Exchange{
			Speaker: speaker,
			Text:    text,
			At:      time.Now().UTC(),
		})
		return nil
	})
}

// ClearRefinementLog drops the refinement dialogue.
func (s *sessionImpl) ClearRefinementLog(ctx context.Context) error {
	return s.mutate(ctx, func(r *Record) error {
		r.RefinementLog = nil
		return nil
	})
}

// BeginCycle starts a research cycle and returns its 1-based index.
func (s *sessionImpl) BeginCycle(ctx context.Context, topic, kind string) (int, error) {
	index := 0
	err := s.mutate(ctx, func(r *Record) error {
		if kind != CycleInitial && kind != CycleDeep {
			return fmt.Errorf("unknown cycle kind %q", kind)
		}
		if topic == "" {
			return fmt.Errorf("cycle topic cannot be empty")
		}
		if _, active := r.ActiveCycle(); active {
			return ErrCycleActive
		}
		index = len(r.Cycles) + 1
		r.Cycles = append(r.Cycles, CycleRecord{
			Index:     index,
			Topic:     topic,
			Kind:      kind,
			StartedAt: time.Now().UTC(),
			Committed: make(map[string]string),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// FinishCycle ends a cycle's research phase.
func (s *sessionImpl) FinishCycle(ctx context.Context, index int, roles, missing []string) error {
	return s.mutate(ctx, func(r *Record) error {
		c, ok := r.Cycle(index)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchCycle, index)
		}
		if c.Finished() {
			return fmt.Errorf("cycle %d already finished", index)
		}
		c.FinishedAt = time.Now().UTC()
		c.Roles = append([]string(nil), roles...)
		c.Missing = append([]string(nil), missing...)
		return nil
	})
}

// MarkCommitted records a store-assigned episode ID for one episode key.
func (s *sessionImpl) MarkCommitted(ctx context.Context, index int, key, episodeID string) error {
	return s.mutate(ctx, func(r *Record) error {
		c, ok := r.Cycle(index)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchCycle, index)
		}
		if key == "" || episodeID == "" {
			return fmt.Errorf("episode key and ID cannot be empty")
		}
		// Records written before commit bookkeeping existed carry a nil map.
		if c.Committed == nil {
			c.Committed = make(map[string]string)
		}
		c.Committed[key] = episodeID
		return nil
	})
}

// FinalizeCommit stamps the cycle as fully committed.
func (s *sessionImpl) FinalizeCommit(ctx context.Context, index int) error {
	return s.mutate(ctx, func(r *Record) error {
		c, ok := r.Cycle(index)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchCycle, index)
		}
		c.CommittedAt = time.Now().UTC()
		return nil
	})
}

// Save persists the current record unchanged.
func (s *sessionImpl) Save(ctx context.Context) error {
	return s.mutate(ctx, func(*Record) error { return nil })
}
