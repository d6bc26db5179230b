package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SafeNameFor derives the storage key for a session name. Spaces and path
// separators become underscores so the name is usable as a directory name,
// a redis key segment, and a firestore document ID. Names that still contain
// traversal sequences after mapping are rejected.
func SafeNameFor(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("session name cannot be empty")
	}
	safe := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\':
			return '_'
		default:
			return r
		}
	}, trimmed)
	if err := validatePathComponent(safe); err != nil {
		return "", fmt.Errorf("session name %q: %w", name, err)
	}
	return safe, nil
}

// Manager owns session lifecycle over one storage backend. It hands out at
// most one live Session per record so concurrent callers share the same
// mutex-guarded state. Manager is safe for concurrent use.
type Manager struct {
	backend StorageBackend
	mu      sync.Mutex
	open    map[string]*sessionImpl
}

// NewManager creates a session manager over the given storage backend.
func NewManager(backend StorageBackend) *Manager {
	return &Manager{
		backend: backend,
		open:    make(map[string]*sessionImpl),
	}
}

// Backend returns the underlying storage backend, used for cycle artifacts.
func (m *Manager) Backend() StorageBackend {
	return m.backend
}

// Create starts a new session in the tasking state.
// Returns ErrSessionExists if the derived safe name is already taken.
func (m *Manager) Create(ctx context.Context, name, query string) (Session, error) {
	safeName, err := SafeNameFor(name)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}

	if _, err := m.backend.LoadRecord(ctx, safeName); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, safeName)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            uuid.New().String(),
		Name:          name,
		SafeName:      safeName,
		State:         StateTasking,
		Query:         query,
		OriginalQuery: query,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.backend.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	sess := newSession(rec, m.backend)

	m.mu.Lock()
	m.open[safeName] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get retrieves an existing session by name (or safe name).
// Returns ErrSessionNotFound if the session doesn't exist.
func (m *Manager) Get(ctx context.Context, name string) (Session, error) {
	safeName, err := SafeNameFor(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if sess, ok := m.open[safeName]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	rec, err := m.backend.LoadRecord(ctx, safeName)
	if err != nil {
		return nil, err
	}
	sess := newSession(rec, m.backend)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have loaded the same record while we read it.
	if existing, ok := m.open[safeName]; ok {
		return existing, nil
	}
	m.open[safeName] = sess
	return sess, nil
}

// List returns all session records, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	records, err := m.backend.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Delete removes a session, its record, and all its artifacts.
func (m *Manager) Delete(ctx context.Context, name string) error {
	safeName, err := SafeNameFor(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.open, safeName)
	m.mu.Unlock()

	return m.backend.DeleteRecord(ctx, safeName)
}

// Close releases the manager and its storage backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.open = make(map[string]*sessionImpl)
	m.mu.Unlock()

	return m.backend.Close()
}
