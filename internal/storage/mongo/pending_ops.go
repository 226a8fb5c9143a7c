package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/splitledger/internal/models"
)

// InsertPendingOp records a saga journal entry.
func (s *Store) InsertPendingOp(ctx context.Context, op *models.PendingOp) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixNano()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pendingOps.InsertOne(ctx, pendingOpDoc{
		ID:         op.ID,
		Kind:       string(op.Kind),
		EventID:    op.EventID,
		IdentityID: op.IdentityID,
		Username:   string(op.Username),
		CreatedAt:  op.CreatedAt,
	})
	return classify("insert pending op", err)
}

// ListPendingOps retrieves journal entries for an event, oldest first.
func (s *Store) ListPendingOps(ctx context.Context, eventID string) ([]*models.PendingOp, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.pendingOps.Find(ctx, bson.M{"eventId": eventID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, classify("list pending ops", err)
	}

	var docs []pendingOpDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("decode pending ops", err)
	}

	ops := make([]*models.PendingOp, len(docs))
	for i, doc := range docs {
		ops[i] = doc.model()
	}
	return ops, nil
}

// DeletePendingOps removes journal entries by id.
func (s *Store) DeletePendingOps(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pendingOps.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return classify("delete pending ops", err)
}
