// Package mongo provides a MongoDB-backed implementation of the storage.Store interface.
//
// Identities and events are stored as documents in the "identities" and
// "events" collections. Membership refs and participants are embedded arrays
// updated with $addToSet/$push/$pull, which MongoDB applies atomically per
// document; the two collections are never updated in one operation.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/splitledger/internal/storage"
)

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// Collection names.
const (
	identitiesCollection = "identities"
	eventsCollection     = "events"
	pendingOpsCollection = "pending_ops"
)

// Index names; duplicate-key errors are mapped back to fields by name.
const (
	idxIdentitiesUsername = "idx_identities_username"
	idxIdentitiesEmail    = "idx_identities_email"
	idxEventsName         = "idx_events_name"
)

// Options configures the client.
type Options struct {
	// Timeout bounds every collection call.
	Timeout time.Duration
	// MaxPoolSize bounds pooled connections; 0 keeps the driver default.
	MaxPoolSize uint64
}

// Store implements storage.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	identities *mongo.Collection
	events     *mongo.Collection
	pendingOps *mongo.Collection
	timeout    time.Duration
}

// New connects to uri, selects database and ensures the unique indexes exist.
func New(ctx context.Context, uri, database string, opts Options) (*Store, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	clientOpts := options.Client().ApplyURI(uri)
	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(opts.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:     client,
		identities: db.Collection(identitiesCollection),
		events:     db.Collection(eventsCollection),
		pendingOps: db.Collection(pendingOpsCollection),
		timeout:    opts.Timeout,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unique := func(field, name string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true).SetName(name),
		}
	}

	if _, err := s.identities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("username", idxIdentitiesUsername),
		unique("email", idxIdentitiesEmail),
		{Keys: bson.D{{Key: "membershipRefs", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("name", idxEventsName),
	}); err != nil {
		return err
	}
	_, err := s.pendingOps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "eventId", Value: 1}, {Key: "identityId", Value: 1}},
	})
	return err
}

// Close disconnects the client and releases its pool.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the store's database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.identities.Database().Drop(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps driver errors onto the storage sentinel errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if mongo.IsDuplicateKeyError(err) {
		return &storage.DuplicateError{Field: duplicateField(err), Err: fmt.Errorf("%s: %w", op, err)}
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func duplicateField(err error) string {
	message := err.Error()
	switch {
	case strings.Contains(message, idxIdentitiesUsername):
		return storage.FieldUsername
	case strings.Contains(message, idxIdentitiesEmail):
		return storage.FieldEmail
	case strings.Contains(message, idxEventsName):
		return storage.FieldEventName
	default:
		return storage.FieldID
	}
}
