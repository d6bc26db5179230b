package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if s == "." || strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend on the local filesystem.
// Storage layout:
//
//	~/.epigraph/sessions/
//	  └── <safe-name>/
//	      ├── session.json          # Persisted session record
//	      └── cycle_<n>/
//	          └── <artifact>.txt    # Worker outputs, structured texts, ...
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.epigraph/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".epigraph", "sessions")
	}

	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

// sessionDir returns the directory for a session after validating the name.
func (f *FileBackend) sessionDir(safeName string) (string, error) {
	if err := validatePathComponent(safeName); err != nil {
		return "", fmt.Errorf("invalid session name: %w", err)
	}
	return filepath.Join(f.baseDir, safeName), nil
}

func cycleDirName(cycle int) string {
	return fmt.Sprintf("cycle_%d", cycle)
}

// SaveRecord creates or replaces a session record.
func (f *FileBackend) SaveRecord(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	dir, err := f.sessionDir(rec.SafeName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	return nil
}

// LoadRecord retrieves a session record by safe name.
func (f *FileBackend) LoadRecord(ctx context.Context, safeName string) (*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	return f.loadRecordUnlocked(safeName)
}

// DeleteRecord removes a session directory with everything in it.
func (f *FileBackend) DeleteRecord(ctx context.Context, safeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	dir, err := f.sessionDir(safeName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "session.json")); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("stat session record: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

// ListRecords returns all session records. Directories without a readable
// record are skipped.
func (f *FileBackend) ListRecords(ctx context.Context) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := f.loadRecordUnlocked(entry.Name())
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// SaveArtifact stores a named text artifact for one research cycle.
func (f *FileBackend) SaveArtifact(ctx context.Context, safeName string, cycle int, name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if cycle < 1 {
		return fmt.Errorf("cycle index must be >= 1, got %d", cycle)
	}
	if err := validatePathComponent(name); err != nil {
		return fmt.Errorf("invalid artifact name: %w", err)
	}

	// The session must exist before artifacts are attached to it.
	if _, err := f.loadRecordUnlocked(safeName); err != nil {
		return err
	}

	dir, err := f.sessionDir(safeName)
	if err != nil {
		return err
	}
	cycleDir := filepath.Join(dir, cycleDirName(cycle))
	if err := os.MkdirAll(cycleDir, 0700); err != nil {
		return fmt.Errorf("create cycle directory: %w", err)
	}

	path := filepath.Join(cycleDir, name+".txt")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// LoadArtifact retrieves a cycle artifact.
func (f *FileBackend) LoadArtifact(ctx context.Context, safeName string, cycle int, name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return "", ErrStorageClosed
	}
	if err := validatePathComponent(name); err != nil {
		return "", fmt.Errorf("invalid artifact name: %w", err)
	}

	dir, err := f.sessionDir(safeName)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, cycleDirName(cycle), name+".txt")
	data, err := os.ReadFile(path) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrArtifactNotFound
		}
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

// ListArtifacts returns the artifact names stored for a cycle, sorted.
func (f *FileBackend) ListArtifacts(ctx context.Context, safeName string, cycle int) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	dir, err := f.sessionDir(safeName)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(dir, cycleDirName(cycle)))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read cycle directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".txt"))
	}
	sort.Strings(names)
	return names, nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// loadRecordUnlocked reads a session record without acquiring locks.
// Caller must hold appropriate lock.
func (f *FileBackend) loadRecordUnlocked(safeName string) (*Record, error) {
	dir, err := f.sessionDir(safeName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "session.json")) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &rec, nil
}
