package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/mmynk/splitledger/internal/ident"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// EventService creates and reads events.
type EventService struct {
	store   storage.Store
	gen     *ident.Generator
	ledger  *Ledger
	metrics *metrics.Metrics
}

// NewEventService creates a new EventService with the given storage backend.
func NewEventService(store storage.Store, gen *ident.Generator, ledger *Ledger, m *metrics.Metrics) *EventService {
	return &EventService{store: store, gen: gen, ledger: ledger, metrics: m}
}

// CreateEvent creates an event named name with the creator as its only
// participant. date may be nil.
//
// The event insert and the creator's membership ref are separate writes. If
// the second fails the event exists and a PartialFailure is returned; the
// journal entry it carries lets Reconcile add the missing ref.
func (s *EventService) CreateEvent(ctx context.Context, creatorRef, name string, budget float64, date *time.Time) (*models.Event, error) {
	slog.Info("CreateEvent request received",
		"name", name,
		"creator", creatorRef,
		"budget", budget,
	)

	eventName, err := models.NewEventName(name)
	if err != nil {
		return nil, err
	}
	amount, err := models.NewAmount(budget)
	if err != nil {
		return nil, err
	}

	taken, err := s.store.EventNameExists(ctx, eventName)
	if err != nil {
		slog.Error("CreateEvent failed", "error", err)
		return nil, storageError(s.metrics, "check event name", err)
	}
	if taken {
		slog.Warn("CreateEvent failed - name taken", "name", eventName)
		return nil, conflict(s.metrics, storage.FieldEventName)
	}

	creator, err := findIdentity(ctx, s.store, creatorRef)
	if err != nil {
		slog.Warn("CreateEvent failed - creator", "creator", creatorRef, "error", err)
		return nil, err
	}

	event, op, err := s.insert(ctx, eventName, amount, date, creator)
	if err != nil {
		slog.Error("CreateEvent failed", "name", eventName, "error", err)
		return nil, err
	}

	if _, err := s.store.AddMembershipRef(ctx, creator.ID, event.ID); err != nil {
		slog.Error("CreateEvent partially applied", "event_id", event.ID, "identity_id", creator.ID, "pending_op_id", op.ID, "error", err)
		return nil, partialFailure(s.metrics, "create_event", event.ID, creator.ID, op.ID, err)
	}
	s.ledger.finish(ctx, op)

	slog.Info("Event created", "event_id", event.ID, "name", event.Name)
	return event, nil
}

// insert allocates an id, journals the creator's join and persists the event.
// A generated id that loses an insert race is regenerated.
func (s *EventService) insert(ctx context.Context, name models.EventName, budget models.Amount, date *time.Time, creator *models.Identity) (*models.Event, *models.PendingOp, error) {
	for attempt := 1; ; attempt++ {
		id, err := s.gen.Generate(ctx, s.store.EventIDExists)
		if err != nil {
			return nil, nil, err
		}

		event := &models.Event{
			ID:           id,
			Name:         name,
			Budget:       budget,
			Date:         date,
			Participants: []models.Membership{models.NewMembership(creator.ID, creator.Username)},
			CreatedBy:    creator.ID,
			CreatedAt:    time.Now().Unix(),
		}

		op, err := s.ledger.begin(ctx, models.PendingJoin, id, creator)
		if err != nil {
			return nil, nil, err
		}

		err = s.store.InsertEvent(ctx, event)
		if err == nil {
			return event, op, nil
		}
		s.ledger.finish(ctx, op)

		if field, ok := storage.IsDuplicate(err); ok && field == storage.FieldID && attempt < maxInsertAttempts {
			slog.Warn("Event id collision, regenerating", "event_id", id, "attempt", attempt)
			continue
		}
		return nil, nil, storageError(s.metrics, "insert event", err)
	}
}

// GetEvent retrieves an event by name.
func (s *EventService) GetEvent(ctx context.Context, name string) (*models.Event, error) {
	slog.Info("GetEvent request received", "name", name)

	event, err := findEvent(ctx, s.store, name)
	if err != nil {
		slog.Warn("GetEvent failed", "name", name, "error", err)
		return nil, err
	}

	slog.Info("GetEvent successful", "event_id", event.ID, "participants", len(event.Participants))
	return event, nil
}

// GetParticipants returns the event's memberships in join order.
func (s *EventService) GetParticipants(ctx context.Context, name string) ([]models.Membership, error) {
	event, err := s.GetEvent(ctx, name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(event.Participants), nil
}

// ListEvents returns every event name.
func (s *EventService) ListEvents(ctx context.Context) ([]models.EventName, error) {
	slog.Info("ListEvents request received")

	names, err := s.store.ListEventNames(ctx)
	if err != nil {
		slog.Error("ListEvents failed", "error", err)
		return nil, storageError(s.metrics, "list events", err)
	}
	if names == nil {
		names = []models.EventName{}
	}

	slog.Info("ListEvents successful", "count", len(names))
	return names, nil
}
