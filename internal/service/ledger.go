package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	apperrors "github.com/mmynk/splitledger/internal/errors"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// RepairKind names one kind of reconciliation repair.
type RepairKind string

const (
	RepairAddedRef           RepairKind = "added_ref"
	RepairAddedParticipant   RepairKind = "added_participant"
	RepairRemovedRef         RepairKind = "removed_ref"
	RepairRemovedParticipant RepairKind = "removed_participant"
	RepairRenamedParticipant RepairKind = "renamed_participant"
)

// Repair is one write applied by Reconcile.
type Repair struct {
	Kind       RepairKind
	EventID    string
	IdentityID string
	Username   models.Username
}

// Ledger maintains the membership relation between events and identities.
//
// Each membership change is two writes: the participant entry on the event,
// then the membership ref on the identity. A journal entry is recorded before
// the first write and cleared after the second, so Reconcile can finish any
// change that was interrupted in between.
type Ledger struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// NewLedger creates a Ledger over store. m may be nil.
func NewLedger(store storage.Store, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, metrics: m}
}

// Join adds identityRef to eventName. Joining twice is a no-op.
func (l *Ledger) Join(ctx context.Context, eventName, identityRef string) (*models.Event, error) {
	slog.Info("Join request received", "event", eventName, "identity", identityRef)

	event, err := findEvent(ctx, l.store, eventName)
	if err != nil {
		slog.Warn("Join failed", "event", eventName, "error", err)
		return nil, err
	}
	identity, err := findIdentity(ctx, l.store, identityRef)
	if err != nil {
		slog.Warn("Join failed", "identity", identityRef, "error", err)
		return nil, err
	}

	if _, ok := event.Participant(identity.ID); ok && identity.HasMembership(event.ID) {
		slog.Info("Already a participant", "event_id", event.ID, "identity_id", identity.ID)
		return event, nil
	}

	op, err := l.begin(ctx, models.PendingJoin, event.ID, identity)
	if err != nil {
		return nil, err
	}

	m := models.NewMembership(identity.ID, identity.Username)
	if _, err := l.store.AppendParticipant(ctx, event.ID, m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.finish(ctx, op)
		}
		slog.Error("Join failed", "event_id", event.ID, "identity_id", identity.ID, "error", err)
		return nil, storageError(l.metrics, "append participant", err)
	}
	// A retried append may report false after the first attempt committed.
	if _, ok := event.Participant(identity.ID); !ok {
		event.Participants = append(event.Participants, m)
	}

	if _, err := l.store.AddMembershipRef(ctx, identity.ID, event.ID); err != nil {
		slog.Error("Join partially applied", "event_id", event.ID, "identity_id", identity.ID, "pending_op_id", op.ID, "error", err)
		return nil, partialFailure(l.metrics, "join", event.ID, identity.ID, op.ID, err)
	}
	l.finish(ctx, op)

	slog.Info("Joined event", "event_id", event.ID, "identity_id", identity.ID, "participants", len(event.Participants))
	return event, nil
}

// Leave removes identityRef from eventName. Leaving an event the identity is
// not part of is a no-op.
func (l *Ledger) Leave(ctx context.Context, eventName, identityRef string) (*models.Event, error) {
	slog.Info("Leave request received", "event", eventName, "identity", identityRef)

	event, err := findEvent(ctx, l.store, eventName)
	if err != nil {
		slog.Warn("Leave failed", "event", eventName, "error", err)
		return nil, err
	}
	identity, err := findIdentity(ctx, l.store, identityRef)
	if err != nil {
		slog.Warn("Leave failed", "identity", identityRef, "error", err)
		return nil, err
	}

	if _, ok := event.Participant(identity.ID); !ok && !identity.HasMembership(event.ID) {
		slog.Info("Not a participant", "event_id", event.ID, "identity_id", identity.ID)
		return event, nil
	}

	if err := l.detach(ctx, "leave", event.ID, identity); err != nil {
		return nil, err
	}
	event.Participants = slices.DeleteFunc(event.Participants, func(m models.Membership) bool {
		return m.IdentityID == identity.ID
	})

	slog.Info("Left event", "event_id", event.ID, "identity_id", identity.ID, "participants", len(event.Participants))
	return event, nil
}

// Detach removes identity from the event with eventID. It is the per-event
// step of account deletion.
func (l *Ledger) Detach(ctx context.Context, eventID string, identity *models.Identity) error {
	return l.detach(ctx, "detach", eventID, identity)
}

func (l *Ledger) detach(ctx context.Context, opName, eventID string, identity *models.Identity) error {
	op, err := l.begin(ctx, models.PendingLeave, eventID, identity)
	if err != nil {
		return err
	}

	if _, err := l.store.RemoveParticipant(ctx, eventID, identity.ID); err != nil {
		slog.Error("Remove participant failed", "operation", opName, "event_id", eventID, "identity_id", identity.ID, "error", err)
		return storageError(l.metrics, "remove participant", err)
	}
	if _, err := l.store.RemoveMembershipRef(ctx, identity.ID, eventID); err != nil {
		slog.Error("Membership change partially applied", "operation", opName, "event_id", eventID, "identity_id", identity.ID, "pending_op_id", op.ID, "error", err)
		return partialFailure(l.metrics, opName, eventID, identity.ID, op.ID, err)
	}
	l.finish(ctx, op)
	return nil
}

// begin records the journal entry for a membership change.
func (l *Ledger) begin(ctx context.Context, kind models.PendingOpKind, eventID string, identity *models.Identity) (*models.PendingOp, error) {
	op := &models.PendingOp{
		ID:         uuid.New().String(),
		Kind:       kind,
		EventID:    eventID,
		IdentityID: identity.ID,
		Username:   identity.Username,
	}
	if err := l.store.InsertPendingOp(ctx, op); err != nil {
		slog.Error("Failed to record pending op", "kind", kind, "event_id", eventID, "identity_id", identity.ID, "error", err)
		return nil, storageError(l.metrics, "record pending "+string(kind), err)
	}
	return op, nil
}

// finish clears op and any older entries left for the same pair. Entries
// recorded after op belong to later changes and are kept. A failure leaves a
// stale entry that the next Reconcile completes as a no-op.
func (l *Ledger) finish(ctx context.Context, op *models.PendingOp) {
	ops, err := l.store.ListPendingOps(ctx, op.EventID)
	if err != nil {
		slog.Warn("Failed to clear pending op", "pending_op_id", op.ID, "event_id", op.EventID, "error", err)
		return
	}

	var ids []string
	for _, pending := range ops {
		if pending.IdentityID != op.IdentityID {
			continue
		}
		ids = append(ids, pending.ID)
		if pending.ID == op.ID {
			break
		}
	}
	if !slices.Contains(ids, op.ID) {
		return
	}

	if err := l.store.DeletePendingOps(ctx, ids); err != nil {
		slog.Warn("Failed to clear pending op", "pending_op_id", op.ID, "event_id", op.EventID, "error", err)
	}
}

// Reconcile restores the two-sided membership relation for eventName and
// returns the repairs it applied.
//
// Journaled changes are completed first, using the latest entry for each
// identity. Then any remaining one-sided reference gets its missing half,
// participant entries whose identity no longer exists are dropped, and stale
// participant usernames are refreshed from the identity. Pairs with
// a journal entry written while the scan ran are left to their owner.
func (l *Ledger) Reconcile(ctx context.Context, eventName string) ([]Repair, error) {
	slog.Info("Reconcile request received", "event", eventName)

	event, err := findEvent(ctx, l.store, eventName)
	if err != nil {
		slog.Warn("Reconcile failed", "event", eventName, "error", err)
		return nil, err
	}

	r := &reconciler{ledger: l, eventID: event.ID}
	if err := r.completePending(ctx); err != nil {
		slog.Error("Reconcile failed", "event_id", event.ID, "repairs", len(r.repairs), "error", err)
		return r.repairs, err
	}
	if err := r.repairRefs(ctx); err != nil {
		slog.Error("Reconcile failed", "event_id", event.ID, "repairs", len(r.repairs), "error", err)
		return r.repairs, err
	}

	slog.Info("Reconcile complete", "event_id", event.ID, "repairs", len(r.repairs))
	return r.repairs, nil
}

// ReconcileAll reconciles every event. It keeps going past failing events and
// returns their errors joined.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Repair, error) {
	names, err := l.store.ListEventNames(ctx)
	if err != nil {
		return nil, storageError(l.metrics, "list events", err)
	}

	var repairs []Repair
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, apperrors.Wrap(apperrors.CodeUnavailable, "reconcile cancelled", err))
			break
		}
		r, err := l.Reconcile(ctx, string(name))
		repairs = append(repairs, r...)
		if err != nil && !apperrors.IsCode(err, apperrors.CodeNotFound) {
			errs = append(errs, err)
		}
	}
	return repairs, errors.Join(errs...)
}

// reconciler carries the state of one Reconcile pass.
type reconciler struct {
	ledger  *Ledger
	eventID string
	repairs []Repair
}

func (r *reconciler) record(kind RepairKind, identityID string, username models.Username) {
	r.repairs = append(r.repairs, Repair{
		Kind:       kind,
		EventID:    r.eventID,
		IdentityID: identityID,
		Username:   username,
	})
	r.ledger.metrics.Repair(string(kind))
	slog.Info("Repaired membership", "kind", kind, "event_id", r.eventID, "identity_id", identityID)
}

func (r *reconciler) completePending(ctx context.Context) error {
	store := r.ledger.store
	ops, err := store.ListPendingOps(ctx, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "list pending ops", err)
	}

	latest := make(map[string]*models.PendingOp)
	listed := make(map[string][]string)
	var order []string
	for _, op := range ops {
		if _, seen := latest[op.IdentityID]; !seen {
			order = append(order, op.IdentityID)
		}
		latest[op.IdentityID] = op
		listed[op.IdentityID] = append(listed[op.IdentityID], op.ID)
	}

	for _, identityID := range order {
		op := latest[identityID]
		var err error
		switch op.Kind {
		case models.PendingJoin:
			err = r.completeJoin(ctx, op)
		case models.PendingLeave:
			err = r.completeLeave(ctx, op)
		default:
			slog.Warn("Unknown pending op kind", "pending_op_id", op.ID, "kind", op.Kind)
		}
		if err != nil {
			return err
		}
		if err := store.DeletePendingOps(ctx, listed[identityID]); err != nil {
			return storageError(r.ledger.metrics, "delete pending ops", err)
		}
	}
	return nil
}

func (r *reconciler) completeJoin(ctx context.Context, op *models.PendingOp) error {
	store := r.ledger.store
	identity, err := store.GetIdentityByID(ctx, op.IdentityID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.dropParticipant(ctx, op.IdentityID, op.Username)
	}
	if err != nil {
		return storageError(r.ledger.metrics, "get identity", err)
	}

	appended, err := store.AppendParticipant(ctx, r.eventID, models.NewMembership(identity.ID, identity.Username))
	if err != nil {
		return storageError(r.ledger.metrics, "append participant", err)
	}
	if appended {
		r.record(RepairAddedParticipant, identity.ID, identity.Username)
	}
	return r.addRef(ctx, identity.ID, identity.Username)
}

func (r *reconciler) completeLeave(ctx context.Context, op *models.PendingOp) error {
	if err := r.dropParticipant(ctx, op.IdentityID, op.Username); err != nil {
		return err
	}
	removed, err := r.ledger.store.RemoveMembershipRef(ctx, op.IdentityID, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "remove membership ref", err)
	}
	if removed {
		r.record(RepairRemovedRef, op.IdentityID, op.Username)
	}
	return nil
}

func (r *reconciler) repairRefs(ctx context.Context) error {
	store := r.ledger.store
	event, err := store.GetEventByID(ctx, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "get event", err)
	}
	members, err := store.ListIdentitiesByMembershipRef(ctx, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "list identities", err)
	}
	inFlight, err := store.ListPendingOps(ctx, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "list pending ops", err)
	}

	skip := make(map[string]bool, len(inFlight))
	for _, op := range inFlight {
		skip[op.IdentityID] = true
	}
	referenced := make(map[string]bool, len(members))
	for _, identity := range members {
		referenced[identity.ID] = true
	}

	for _, p := range event.Participants {
		if skip[p.IdentityID] || referenced[p.IdentityID] {
			continue
		}
		if err := r.addRef(ctx, p.IdentityID, p.Username); err != nil {
			if !apperrors.IsCode(err, apperrors.CodeNotFound) {
				return err
			}
			if err := r.dropParticipant(ctx, p.IdentityID, p.Username); err != nil {
				return err
			}
		}
	}

	for _, identity := range members {
		if skip[identity.ID] {
			continue
		}
		if p, ok := event.Participant(identity.ID); ok {
			if p.Username == identity.Username {
				continue
			}
			if err := store.RenameParticipant(ctx, r.eventID, identity.ID, identity.Username); err != nil {
				return storageError(r.ledger.metrics, "rename participant", err)
			}
			r.record(RepairRenamedParticipant, identity.ID, identity.Username)
			continue
		}
		appended, err := store.AppendParticipant(ctx, r.eventID, models.NewMembership(identity.ID, identity.Username))
		if err != nil {
			return storageError(r.ledger.metrics, "append participant", err)
		}
		if appended {
			r.record(RepairAddedParticipant, identity.ID, identity.Username)
		}
	}
	return nil
}

func (r *reconciler) addRef(ctx context.Context, identityID string, username models.Username) error {
	changed, err := r.ledger.store.AddMembershipRef(ctx, identityID, r.eventID)
	if err != nil {
		return storageError(r.ledger.metrics, "add membership ref", err)
	}
	if changed {
		r.record(RepairAddedRef, identityID, username)
	}
	return nil
}

func (r *reconciler) dropParticipant(ctx context.Context, identityID string, username models.Username) error {
	removed, err := r.ledger.store.RemoveParticipant(ctx, r.eventID, identityID)
	if err != nil {
		return storageError(r.ledger.metrics, "remove participant", err)
	}
	if removed {
		r.record(RepairRemovedParticipant, identityID, username)
	}
	return nil
}
