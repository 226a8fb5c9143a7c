// Package service implements the identity, event, membership and budget
// operations on top of a storage.Store.
//
// Every exported method returns either a value or an *apperrors.Error; raw
// storage errors are translated before they leave this package.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/splitledger/internal/auth"
	apperrors "github.com/mmynk/splitledger/internal/errors"
	"github.com/mmynk/splitledger/internal/ident"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// maxInsertAttempts bounds regeneration when a freshly generated id loses an
// insert race to another writer.
const maxInsertAttempts = 3

// Services bundles the four services sharing one store.
type Services struct {
	Identities *IdentityService
	Events     *EventService
	Ledger     *Ledger
	Budgets    *BudgetService
}

// New wires all services against store. m may be nil.
func New(store storage.Store, deriver auth.CredentialDeriver, gen *ident.Generator, m *metrics.Metrics) *Services {
	ledger := NewLedger(store, m)
	return &Services{
		Identities: NewIdentityService(store, deriver, gen, ledger, m),
		Events:     NewEventService(store, gen, ledger, m),
		Ledger:     ledger,
		Budgets:    NewBudgetService(store),
	}
}

// storageError translates a storage error into a domain error.
func storageError(m *metrics.Metrics, op string, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.GetCode(err) != apperrors.CodeUnknown {
		return err
	}
	if field, ok := storage.IsDuplicate(err); ok {
		m.Conflict(field)
		return apperrors.WrapWithMetadata(apperrors.CodeConflict,
			fmt.Sprintf("%s already exists", field),
			map[string]string{apperrors.MetaOperation: op, apperrors.MetaField: field}, err)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, op+": not found", err)
	case errors.Is(err, storage.ErrUnavailable):
		return apperrors.Wrap(apperrors.CodeUnavailable, op+": storage unavailable", err)
	}
	return apperrors.Wrap(apperrors.CodeInternal, op+" failed", err)
}

// conflict reports a uniqueness violation found by a pre-check.
func conflict(m *metrics.Metrics, field string) error {
	m.Conflict(field)
	return apperrors.WithMetadata(apperrors.CodeConflict,
		fmt.Sprintf("%s already exists", field),
		map[string]string{apperrors.MetaField: field})
}

// findIdentity resolves a username reference.
func findIdentity(ctx context.Context, store storage.Store, ref string) (*models.Identity, error) {
	username, err := models.NewUsername(ref)
	if err != nil {
		return nil, err
	}
	identity, err := store.GetIdentityByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.CodeNotFound,
			fmt.Sprintf("identity %q not found", username), err)
	}
	if err != nil {
		return nil, storageError(nil, "get identity", err)
	}
	return identity, nil
}

// findEvent resolves an event by name.
func findEvent(ctx context.Context, store storage.Store, ref string) (*models.Event, error) {
	name, err := models.NewEventName(ref)
	if err != nil {
		return nil, err
	}
	event, err := store.GetEventByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.CodeNotFound,
			fmt.Sprintf("event %q not found", name), err)
	}
	if err != nil {
		return nil, storageError(nil, "get event", err)
	}
	return event, nil
}

// partialFailure reports a two-write operation whose second write failed.
func partialFailure(m *metrics.Metrics, op string, eventID, identityID, pendingOpID string, cause error) error {
	m.PartialFailure(op)
	meta := map[string]string{
		apperrors.MetaOperation:  op,
		apperrors.MetaEventID:    eventID,
		apperrors.MetaIdentityID: identityID,
	}
	if pendingOpID != "" {
		meta[apperrors.MetaPendingOpID] = pendingOpID
	}
	return apperrors.WrapWithMetadata(apperrors.CodePartialFailure,
		fmt.Sprintf("%s partially applied, reconcile required", op), meta, cause)
}
