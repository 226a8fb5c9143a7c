package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

var identityFields = map[string]string{
	storage.FieldUsername:   "username",
	storage.FieldEmail:      "email",
	storage.FieldCredential: "credential",
}

// InsertIdentity inserts a new identity document.
func (s *Store) InsertIdentity(ctx context.Context, identity *models.Identity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.identities.InsertOne(ctx, toIdentityDoc(identity))
	return classify("insert identity", err)
}

// GetIdentityByID retrieves an identity by its ID.
func (s *Store) GetIdentityByID(ctx context.Context, id string) (*models.Identity, error) {
	return s.findIdentity(ctx, bson.M{"_id": id})
}

// GetIdentityByUsername retrieves an identity by its username.
func (s *Store) GetIdentityByUsername(ctx context.Context, username models.Username) (*models.Identity, error) {
	return s.findIdentity(ctx, bson.M{"username": string(username)})
}

func (s *Store) findIdentity(ctx context.Context, filter bson.M) (*models.Identity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc identityDoc
	if err := s.identities.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, classify("get identity", err)
	}
	return doc.model(), nil
}

// IdentityExists reports whether another identity already uses value for field.
func (s *Store) IdentityExists(ctx context.Context, field, value, excludeID string) (bool, error) {
	key, ok := identityFields[field]
	if !ok || field == storage.FieldCredential {
		return false, fmt.Errorf("identity field %q is not unique", field)
	}
	return s.exists(ctx, "check identity "+field, bson.M{key: value, "_id": bson.M{"$ne": excludeID}})
}

// IdentityIDExists reports whether an identity ID is taken.
func (s *Store) IdentityIDExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "check identity id", bson.M{"_id": id})
}

func (s *Store) exists(ctx context.Context, op string, filter bson.M) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.identities.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, classify(op, err)
	}
	return n > 0, nil
}

// UpdateIdentityField updates username, email or credential.
func (s *Store) UpdateIdentityField(ctx context.Context, id, field, value string) error {
	key, ok := identityFields[field]
	if !ok {
		return fmt.Errorf("identity field %q cannot be updated", field)
	}
	return s.updateIdentity(ctx, "update identity "+field, id, bson.M{"$set": bson.M{key: value}})
}

// SetOverallBudget assigns the overall budget.
func (s *Store) SetOverallBudget(ctx context.Context, id string, value models.Amount) error {
	return s.updateIdentity(ctx, "set overall budget", id, bson.M{"$set": bson.M{"overallBudget": float64(value)}})
}

func (s *Store) updateIdentity(ctx context.Context, op, id string, update bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.identities.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return classify(op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// IncrementOverallBudget adds delta to the overall budget.
func (s *Store) IncrementOverallBudget(ctx context.Context, id string, delta models.Amount) (models.Amount, error) {
	return s.increment(ctx, "overallBudget", id, delta)
}

// IncrementTotalSpent adds delta to the total spent.
func (s *Store) IncrementTotalSpent(ctx context.Context, id string, delta models.Amount) (models.Amount, error) {
	return s.increment(ctx, "totalSpent", id, delta)
}

func (s *Store) increment(ctx context.Context, field, id string, delta models.Amount) (models.Amount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc identityDoc
	err := s.identities.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{field: float64(delta)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, classify("increment "+field, err)
	}
	if field == "totalSpent" {
		return models.Amount(doc.TotalSpent), nil
	}
	return models.Amount(doc.OverallBudget), nil
}

// AddMembershipRef adds eventID to the identity's refs if absent.
func (s *Store) AddMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.identities.UpdateOne(ctx,
		bson.M{"_id": identityID},
		bson.M{"$addToSet": bson.M{"membershipRefs": eventID}},
	)
	if err != nil {
		return false, classify("add membership ref", err)
	}
	if res.MatchedCount == 0 {
		return false, fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	return res.ModifiedCount > 0, nil
}

// RemoveMembershipRef removes eventID from the identity's refs.
func (s *Store) RemoveMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.identities.UpdateOne(ctx,
		bson.M{"_id": identityID},
		bson.M{"$pull": bson.M{"membershipRefs": eventID}},
	)
	if err != nil {
		return false, classify("remove membership ref", err)
	}
	return res.ModifiedCount > 0, nil
}

// ListIdentitiesByMembershipRef returns identities whose refs contain eventID.
func (s *Store) ListIdentitiesByMembershipRef(ctx context.Context, eventID string) ([]*models.Identity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.identities.Find(ctx, bson.M{"membershipRefs": eventID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, classify("list identities by membership ref", err)
	}

	var docs []identityDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("decode identities", err)
	}

	identities := make([]*models.Identity, len(docs))
	for i, doc := range docs {
		identities[i] = doc.model()
	}
	return identities, nil
}

// DeleteIdentity removes the identity document.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.identities.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return classify("delete identity", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
