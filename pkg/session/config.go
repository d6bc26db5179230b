package session

import (
	"context"
	"fmt"
)

// Storage backend names.
const (
	BackendFile      = "file"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config holds session storage configuration from YAML.
type Config struct {
	// Backend specifies the storage backend type.
	// Options: "file", "redis", "firestore". Default: "file".
	Backend string `yaml:"backend"`

	// Dir is the base directory for file-based storage.
	// Default: ~/.epigraph/sessions
	Dir string `yaml:"dir"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Firestore configures the firestore backend.
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// FirestoreConfig holds Firestore backend settings.
type FirestoreConfig struct {
	// ProjectID is the GCP project (falls back to GCP_PROJECT at load time).
	ProjectID string `yaml:"project_id"`
	// CredentialsFile is an optional service account key path.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	// Collection overrides the sessions collection name.
	Collection string `yaml:"collection,omitempty"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendFile,
	}
}

// Validate checks the configuration for the selected backend.
func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendFile:
		return nil
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("session backend %q requires redis.addr", c.Backend)
		}
		return nil
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("session backend %q requires firestore.project_id", c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unknown session backend %q", c.Backend)
	}
}

// Open constructs the storage backend described by the configuration.
func (c Config) Open(ctx context.Context) (StorageBackend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Backend {
	case "", BackendFile:
		return NewFileBackend(c.Dir)
	case BackendRedis:
		return NewRedisBackend(c.Redis)
	case BackendFirestore:
		opts := []FirestoreOption{WithFirestoreProject(c.Firestore.ProjectID)}
		if c.Firestore.CredentialsFile != "" {
			opts = append(opts, WithFirestoreCredentials(c.Firestore.CredentialsFile))
		}
		if c.Firestore.Collection != "" {
			opts = append(opts, WithFirestoreCollection(c.Firestore.Collection))
		}
		return NewFirestoreBackend(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown session backend %q", c.Backend)
	}
}
