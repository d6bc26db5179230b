package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend implements StorageBackend using Google Cloud Firestore.
// Session records are documents in a sessions collection keyed by safe name;
// cycle artifacts live in an "artifacts" subcollection under each session.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// firestoreConfig contains configuration for the Firestore backend.
type firestoreConfig struct {
	projectID       string
	credentialsFile string
	collection      string
}

// FirestoreOption configures a FirestoreBackend.
type FirestoreOption func(*firestoreConfig)

// WithFirestoreProject sets the GCP project ID.
func WithFirestoreProject(projectID string) FirestoreOption {
	return func(c *firestoreConfig) {
		c.projectID = projectID
	}
}

// WithFirestoreCredentials sets the path to service account credentials.
// Without it the client uses Application Default Credentials.
func WithFirestoreCredentials(path string) FirestoreOption {
	return func(c *firestoreConfig) {
		c.credentialsFile = path
	}
}

// WithFirestoreCollection overrides the sessions collection name.
func WithFirestoreCollection(name string) FirestoreOption {
	return func(c *firestoreConfig) {
		c.collection = name
	}
}

// NewFirestoreBackend creates a Firestore storage backend.
//
// Example:
//
//	backend, err := session.NewFirestoreBackend(ctx,
//	    session.WithFirestoreProject("my-project"),
//	    session.WithFirestoreCredentials("/path/to/credentials.json"),
//	)
func NewFirestoreBackend(ctx context.Context, opts ...FirestoreOption) (*FirestoreBackend, error) {
	config := &firestoreConfig{collection: "sessions"}
	for _, opt := range opts {
		opt(config)
	}

	if config.projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.credentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreBackend{
		client:     client,
		collection: config.collection,
	}, nil
}

// artifactDoc is the stored form of one cycle artifact.
type artifactDoc struct {
	Cycle     int       `firestore:"cycle"`
	Name      string    `firestore:"name"`
	Content   string    `firestore:"content"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// artifactDocID builds the subcollection document ID for an artifact.
func artifactDocID(cycle int, name string) string {
	return fmt.Sprintf("cycle_%d_%s", cycle, name)
}

func (b *FirestoreBackend) sessionDoc(safeName string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(safeName)
}

func (b *FirestoreBackend) artifactsColl(safeName string) *firestore.CollectionRef {
	return b.sessionDoc(safeName).Collection("artifacts")
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveRecord creates or replaces a session record.
func (b *FirestoreBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validatePathComponent(rec.SafeName); err != nil {
		return fmt.Errorf("invalid session name: %w", err)
	}

	if _, err := b.sessionDoc(rec.SafeName).Set(ctx, rec); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// LoadRecord retrieves a session record by safe name.
func (b *FirestoreBackend) LoadRecord(ctx context.Context, safeName string) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validatePathComponent(safeName); err != nil {
		return nil, fmt.Errorf("invalid session name: %w", err)
	}

	snap, err := b.sessionDoc(safeName).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}

	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// DeleteRecord removes a session record and its artifacts subcollection.
func (b *FirestoreBackend) DeleteRecord(ctx context.Context, safeName string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validatePathComponent(safeName); err != nil {
		return fmt.Errorf("invalid session name: %w", err)
	}

	docRef := b.sessionDoc(safeName)
	if _, err := docRef.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("get session record: %w", err)
	}

	// Firestore requires deleting subcollection documents explicitly.
	bulkWriter := b.client.BulkWriter(ctx)
	iter := b.artifactsColl(safeName).Documents(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to iterate artifacts: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue artifact delete: %w", err)
		}
	}
	if _, err := bulkWriter.Delete(docRef); err != nil {
		bulkWriter.End()
		return fmt.Errorf("failed to queue record delete: %w", err)
	}
	bulkWriter.End()

	return nil
}

// ListRecords returns all session records.
func (b *FirestoreBackend) ListRecords(ctx context.Context) ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var records []*Record
	iter := b.client.Collection(b.collection).Documents(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate sessions: %w", err)
		}

		var rec Record
		if err := doc.DataTo(&rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}

	return records, nil
}

// SaveArtifact stores a named text artifact for one research cycle.
func (b *FirestoreBackend) SaveArtifact(ctx context.Context, safeName string, cycle int, name, content string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
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

	doc := artifactDoc{
		Cycle:     cycle,
		Name:      name,
		Content:   content,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := b.artifactsColl(safeName).Doc(artifactDocID(cycle, name)).Set(ctx, doc); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// LoadArtifact retrieves a cycle artifact.
func (b *FirestoreBackend) LoadArtifact(ctx context.Context, safeName string, cycle int, name string) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if err := validatePathComponent(safeName); err != nil {
		return "", fmt.Errorf("invalid session name: %w", err)
	}
	if err := validatePathComponent(name); err != nil {
		return "", fmt.Errorf("invalid artifact name: %w", err)
	}

	snap, err := b.artifactsColl(safeName).Doc(artifactDocID(cycle, name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrArtifactNotFound
		}
		return "", fmt.Errorf("get artifact: %w", err)
	}

	var doc artifactDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("unmarshal artifact: %w", err)
	}
	return doc.Content, nil
}

// ListArtifacts returns the artifact names stored for a cycle, sorted.
func (b *FirestoreBackend) ListArtifacts(ctx context.Context, safeName string, cycle int) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validatePathComponent(safeName); err != nil {
		return nil, fmt.Errorf("invalid session name: %w", err)
	}

	var names []string
	iter := b.artifactsColl(safeName).Where("cycle", "==", cycle).Documents(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
		}

		var art artifactDoc
		if err := doc.DataTo(&art); err != nil {
			continue
		}
		names = append(names, art.Name)
	}

	sort.Strings(names)
	return names, nil
}

// Close closes the connection to Firestore.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}
