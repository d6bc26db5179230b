package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis.
// It provides distributed session storage suitable for multi-node deployments
// where the CLI and the sweep scheduler run on different hosts.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "epigraph:session:").
	Prefix string `yaml:"prefix"`
	// TTL is the session expiry duration (0 = never expire).
	TTL time.Duration `yaml:"ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "epigraph:session:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "epigraph:session:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) recordKey(safeName string) string {
	return b.prefix + "record:" + safeName
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "index"
}

func (b *RedisBackend) artifactKey(safeName string, cycle int, name string) string {
	return fmt.Sprintf("%sartifact:%s:%d:%s", b.prefix, safeName, cycle, name)
}

func (b *RedisBackend) artifactIndexKey(safeName string, cycle int) string {
	return fmt.Sprintf("%sartifacts:%s:%d", b.prefix, safeName, cycle)
}

// SaveRecord creates or replaces a session record.
func (b *RedisBackend) SaveRecord(ctx context.Context, rec *Record) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.recordKey(rec.SafeName), data, b.ttl)
	pipe.SAdd(ctx, b.indexKey(), rec.SafeName)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// LoadRecord retrieves a session record by safe name.
func (b *RedisBackend) LoadRecord(ctx context.Context, safeName string) (*Record, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := b.client.Get(ctx, b.recordKey(safeName)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// DeleteRecord removes a session record and all its artifacts.
func (b *RedisBackend) DeleteRecord(ctx context.Context, safeName string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	// Load the record first so we know how many cycles carry artifacts.
	rec, err := b.LoadRecord(ctx, safeName)
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.recordKey(safeName))
	pipe.SRem(ctx, b.indexKey(), safeName)

	for cycle := 1; cycle <= len(rec.Cycles); cycle++ {
		names, err := b.client.SMembers(ctx, b.artifactIndexKey(safeName, cycle)).Result()
		if err == nil {
			for _, name := range names {
				pipe.Del(ctx, b.artifactKey(safeName, cycle, name))
			}
		}
		pipe.Del(ctx, b.artifactIndexKey(safeName, cycle))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListRecords returns all session records.
func (b *RedisBackend) ListRecords(ctx context.Context) ([]*Record, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	safeNames, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]*Record, 0, len(safeNames))
	for _, safeName := range safeNames {
		rec, err := b.LoadRecord(ctx, safeName)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Record expired or was deleted, clean up the index.
				b.client.SRem(ctx, b.indexKey(), safeName)
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

// SaveArtifact stores a named text artifact for one research cycle.
func (b *RedisBackend) SaveArtifact(ctx context.Context, safeName string, cycle int, name, content string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	if cycle < 1 {
		return fmt.Errorf("cycle index must be >= 1, got %d", cycle)
	}
	if err := validatePathComponent(name); err != nil {
		return fmt.Errorf("invalid artifact name: %w", err)
	}

	// The session must exist before artifacts are attached to it.
	if _, err := b.LoadRecord(ctx, safeName); err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.artifactKey(safeName, cycle, name), content, b.ttl)
	pipe.SAdd(ctx, b.artifactIndexKey(safeName, cycle), name)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.artifactIndexKey(safeName, cycle), b.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// LoadArtifact retrieves a cycle artifact.
func (b *RedisBackend) LoadArtifact(ctx context.Context, safeName string, cycle int, name string) (string, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrStorageClosed
	}
	b.mu.RUnlock()

	content, err := b.client.Get(ctx, b.artifactKey(safeName, cycle, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrArtifactNotFound
		}
		return "", fmt.Errorf("get artifact: %w", err)
	}
	return content, nil
}

// ListArtifacts returns the artifact names stored for a cycle, sorted.
func (b *RedisBackend) ListArtifacts(ctx context.Context, safeName string, cycle int) ([]string, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	names, err := b.client.SMembers(ctx, b.artifactIndexKey(safeName, cycle)).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	return b.client.Ping(ctx).Err()
}
