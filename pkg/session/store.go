package session

import (
	"context"
	"errors"
)

// Common errors for session and storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose safe name
	// is already taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrArtifactNotFound is returned when a cycle artifact doesn't exist.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCycleActive is returned when starting a research cycle while another
	// is still running on the same session.
	ErrCycleActive = errors.New("a research cycle is already active")
	// ErrNoSuchCycle is returned when addressing a cycle index that was
	// never started.
	ErrNoSuchCycle = errors.New("no such research cycle")
)

// StorageBackend abstracts session persistence. A backend stores session
// records keyed by safe name plus the per-cycle artifacts (worker outputs,
// structured texts, distilled refinement context) that retroactive commits
// read back. Implementations must be safe for concurrent use.
type StorageBackend interface {
	// SaveRecord creates or replaces a session record.
	SaveRecord(ctx context.Context, rec *Record) error

	// LoadRecord retrieves a session record by safe name.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadRecord(ctx context.Context, safeName string) (*Record, error)

	// DeleteRecord removes a session record and all its artifacts.
	DeleteRecord(ctx context.Context, safeName string) error

	// ListRecords returns all session records.
	ListRecords(ctx context.Context) ([]*Record, error)

	// SaveArtifact stores a named text artifact for one research cycle.
	// The artifact name is a path component (no separators, no "..").
	SaveArtifact(ctx context.Context, safeName string, cycle int, name, content string) error

	// LoadArtifact retrieves a cycle artifact.
	// Returns ErrArtifactNotFound if the artifact doesn't exist.
	LoadArtifact(ctx context.Context, safeName string, cycle int, name string) (string, error)

	// ListArtifacts returns the artifact names stored for a cycle, sorted.
	ListArtifacts(ctx context.Context, safeName string, cycle int) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
