// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable is returned when the backend is unreachable, busy or timed out.
	ErrUnavailable = errors.New("storage unavailable")
)

// Field names used in DuplicateError, IdentityExists and UpdateIdentityField.
const (
	FieldID         = "id"
	FieldUsername   = "username"
	FieldEmail      = "email"
	FieldCredential = "credential"
	FieldEventName  = "name"
)

// DuplicateError is returned when a write violates a unique constraint.
type DuplicateError struct {
	// Field is the constrained field, one of the Field* constants.
	Field string
	Err   error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s: %v", e.Field, e.Err)
}

func (e *DuplicateError) Unwrap() error {
	return e.Err
}

// IsDuplicate reports whether err is a unique-constraint violation and
// returns the offending field.
func IsDuplicate(err error) (string, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Field, true
	}
	return "", false
}

// IdentityStore persists identities.
type IdentityStore interface {
	// InsertIdentity persists a new identity. Returns *DuplicateError if the
	// id, username or email is already taken.
	InsertIdentity(ctx context.Context, identity *models.Identity) error

	// GetIdentityByID returns ErrNotFound if absent.
	GetIdentityByID(ctx context.Context, id string) (*models.Identity, error)

	// GetIdentityByUsername returns ErrNotFound if absent.
	GetIdentityByUsername(ctx context.Context, username models.Username) (*models.Identity, error)

	// IdentityExists reports whether an identity other than excludeID has
	// value in field (FieldUsername or FieldEmail).
	IdentityExists(ctx context.Context, field, value, excludeID string) (bool, error)

	// IdentityIDExists reports whether id is taken.
	IdentityIDExists(ctx context.Context, id string) (bool, error)

	// UpdateIdentityField sets field (FieldUsername, FieldEmail or
	// FieldCredential) to value. Returns *DuplicateError on a unique violation
	// and ErrNotFound if the identity does not exist.
	UpdateIdentityField(ctx context.Context, id, field, value string) error

	// SetOverallBudget assigns the overall budget.
	SetOverallBudget(ctx context.Context, id string, value models.Amount) error

	// IncrementOverallBudget adds delta to the overall budget and returns the new value.
	IncrementOverallBudget(ctx context.Context, id string, delta models.Amount) (models.Amount, error)

	// IncrementTotalSpent adds delta to the total spent and returns the new value.
	IncrementTotalSpent(ctx context.Context, id string, delta models.Amount) (models.Amount, error)

	// AddMembershipRef adds eventID to the identity's refs if absent.
	// Reports whether the set changed.
	AddMembershipRef(ctx context.Context, identityID, eventID string) (bool, error)

	// RemoveMembershipRef removes eventID from the identity's refs.
	// Reports whether the set changed.
	RemoveMembershipRef(ctx context.Context, identityID, eventID string) (bool, error)

	// ListIdentitiesByMembershipRef returns identities whose refs contain eventID.
	ListIdentitiesByMembershipRef(ctx context.Context, eventID string) ([]*models.Identity, error)

	// DeleteIdentity removes the identity record. Returns ErrNotFound if absent.
	DeleteIdentity(ctx context.Context, id string) error
}

// EventStore persists events and their embedded memberships.
type EventStore interface {
	// InsertEvent persists a new event with its initial participants.
	// Returns *DuplicateError if the id or name is already taken.
	InsertEvent(ctx context.Context, event *models.Event) error

	// GetEventByID returns ErrNotFound if absent.
	GetEventByID(ctx context.Context, id string) (*models.Event, error)

	// GetEventByName returns ErrNotFound if absent.
	GetEventByName(ctx context.Context, name models.EventName) (*models.Event, error)

	// EventIDExists reports whether id is taken.
	EventIDExists(ctx context.Context, id string) (bool, error)

	// EventNameExists reports whether name is taken.
	EventNameExists(ctx context.Context, name models.EventName) (bool, error)

	// AppendParticipant appends m unless the event already has a membership
	// for m.IdentityID. Reports whether it appended. Returns ErrNotFound if
	// the event does not exist.
	AppendParticipant(ctx context.Context, eventID string, m models.Membership) (bool, error)

	// RemoveParticipant removes the membership for identityID.
	// Reports whether it removed one.
	RemoveParticipant(ctx context.Context, eventID, identityID string) (bool, error)

	// RenameParticipant updates the denormalized username of identityID's membership.
	RenameParticipant(ctx context.Context, eventID, identityID string, username models.Username) error

	// ListEventNames returns every event name.
	ListEventNames(ctx context.Context) ([]models.EventName, error)
}

// PendingOpStore persists the saga journal.
type PendingOpStore interface {
	InsertPendingOp(ctx context.Context, op *models.PendingOp) error

	// ListPendingOps returns journal entries for eventID, oldest first.
	ListPendingOps(ctx context.Context, eventID string) ([]*models.PendingOp, error)

	// DeletePendingOps removes the journal entries with the given ids.
	// Unknown ids are ignored.
	DeletePendingOps(ctx context.Context, ids []string) error
}

// Store is the storage collaborator the services depend on.
// This abstraction allows swapping storage backends (SQLite, MongoDB)
// without changing the service layer.
type Store interface {
	IdentityStore
	EventStore
	PendingOpStore

	// Close releases any resources held by the store.
	Close() error
}
