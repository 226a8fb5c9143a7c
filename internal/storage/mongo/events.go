package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// InsertEvent inserts a new event document with its initial participants.
func (s *Store) InsertEvent(ctx context.Context, event *models.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.events.InsertOne(ctx, toEventDoc(event))
	return classify("insert event", err)
}

// GetEventByID retrieves an event by ID.
func (s *Store) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	return s.findEvent(ctx, bson.M{"_id": id})
}

// GetEventByName retrieves an event by name.
func (s *Store) GetEventByName(ctx context.Context, name models.EventName) (*models.Event, error) {
	return s.findEvent(ctx, bson.M{"name": string(name)})
}

func (s *Store) findEvent(ctx context.Context, filter bson.M) (*models.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc eventDoc
	if err := s.events.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, classify("get event", err)
	}
	return doc.model(), nil
}

// EventIDExists reports whether an event ID is taken.
func (s *Store) EventIDExists(ctx context.Context, id string) (bool, error) {
	return s.eventExists(ctx, bson.M{"_id": id})
}

// EventNameExists reports whether an event name is taken.
func (s *Store) EventNameExists(ctx context.Context, name models.EventName) (bool, error) {
	return s.eventExists(ctx, bson.M{"name": string(name)})
}

func (s *Store) eventExists(ctx context.Context, filter bson.M) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.events.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, classify("check event", err)
	}
	return n > 0, nil
}

// AppendParticipant pushes a membership only when none exists for the identity.
// The absence check is part of the update filter, so the server applies it
// atomically with the push.
func (s *Store) AppendParticipant(ctx context.Context, eventID string, m models.Membership) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID, "participants.identityId": bson.M{"$ne": m.IdentityID}},
		bson.M{"$push": bson.M{"participants": toMembershipDoc(m)}},
	)
	if err != nil {
		return false, classify("append participant", err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := s.events.CountDocuments(ctx, bson.M{"_id": eventID}, options.Count().SetLimit(1))
	if err != nil {
		return false, classify("check event", err)
	}
	if n == 0 {
		return false, fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
	}
	return false, nil
}

// RemoveParticipant pulls the membership for identityID.
func (s *Store) RemoveParticipant(ctx context.Context, eventID, identityID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$pull": bson.M{"participants": bson.M{"identityId": identityID}}},
	)
	if err != nil {
		return false, classify("remove participant", err)
	}
	return res.ModifiedCount > 0, nil
}

// RenameParticipant updates the denormalized username on a membership.
func (s *Store) RenameParticipant(ctx context.Context, eventID, identityID string, username models.Username) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID, "participants.identityId": identityID},
		bson.M{"$set": bson.M{"participants.$.username": string(username)}},
	)
	return classify("rename participant", err)
}

// ListEventNames returns all event names ordered by creation.
func (s *Store) ListEventNames(ctx context.Context) ([]models.EventName, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.events.Find(ctx, bson.M{},
		options.Find().
			SetProjection(bson.M{"name": 1}).
			SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classify("list events", err)
	}

	var docs []struct {
		Name string `bson:"name"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("decode events", err)
	}

	names := make([]models.EventName, len(docs))
	for i, doc := range docs {
		names[i] = models.EventName(doc.Name)
	}
	return names, nil
}
