// Package retry decorates a storage.Store with bounded exponential backoff
// for storage.ErrUnavailable.
//
// Only idempotent calls are retried: reads, set-style updates, journal
// deletes by id and the conditional add/remove operations whose repeated
// application is a no-op. Inserts, increments and identity deletes pass
// straight through, because a timed-out attempt may have committed and a
// blind retry would then misreport a conflict or double-apply a delta.
//
// A context that ends during a backoff wait is reported as
// storage.ErrUnavailable wrapping the context error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// Policy bounds the retry loop.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy tries three times starting at 50ms.
var DefaultPolicy = Policy{
	MaxTries:        3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Store wraps another storage.Store.
type Store struct {
	storage.Store
	policy Policy
}

// Wrap decorates next with policy.
func Wrap(next storage.Store, policy Policy) *Store {
	if policy.MaxTries == 0 {
		policy.MaxTries = DefaultPolicy.MaxTries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultPolicy.MaxInterval
	}
	return &Store{Store: next, policy: policy}
}

func do[T any](ctx context.Context, p Policy, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, storage.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		slog.Warn("Storage unavailable, retrying", "op", name, "attempt", attempt, "error", err)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))
	if err != nil && !errors.Is(err, storage.ErrUnavailable) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return v, fmt.Errorf("%s: %w: %w", name, storage.ErrUnavailable, err)
	}
	return v, err
}

func doErr(ctx context.Context, p Policy, name string, op func() error) error {
	_, err := do(ctx, p, name, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

func (s *Store) GetIdentityByID(ctx context.Context, id string) (*models.Identity, error) {
	return do(ctx, s.policy, "get identity", func() (*models.Identity, error) {
		return s.Store.GetIdentityByID(ctx, id)
	})
}

func (s *Store) GetIdentityByUsername(ctx context.Context, username models.Username) (*models.Identity, error) {
	return do(ctx, s.policy, "get identity", func() (*models.Identity, error) {
		return s.Store.GetIdentityByUsername(ctx, username)
	})
}

func (s *Store) IdentityExists(ctx context.Context, field, value, excludeID string) (bool, error) {
	return do(ctx, s.policy, "check identity", func() (bool, error) {
		return s.Store.IdentityExists(ctx, field, value, excludeID)
	})
}

func (s *Store) IdentityIDExists(ctx context.Context, id string) (bool, error) {
	return do(ctx, s.policy, "check identity id", func() (bool, error) {
		return s.Store.IdentityIDExists(ctx, id)
	})
}

func (s *Store) UpdateIdentityField(ctx context.Context, id, field, value string) error {
	return doErr(ctx, s.policy, "update identity", func() error {
		return s.Store.UpdateIdentityField(ctx, id, field, value)
	})
}

func (s *Store) SetOverallBudget(ctx context.Context, id string, value models.Amount) error {
	return doErr(ctx, s.policy, "set overall budget", func() error {
		return s.Store.SetOverallBudget(ctx, id, value)
	})
}

func (s *Store) AddMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	return do(ctx, s.policy, "add membership ref", func() (bool, error) {
		return s.Store.AddMembershipRef(ctx, identityID, eventID)
	})
}

func (s *Store) RemoveMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	return do(ctx, s.policy, "remove membership ref", func() (bool, error) {
		return s.Store.RemoveMembershipRef(ctx, identityID, eventID)
	})
}

func (s *Store) ListIdentitiesByMembershipRef(ctx context.Context, eventID string) ([]*models.Identity, error) {
	return do(ctx, s.policy, "list identities", func() ([]*models.Identity, error) {
		return s.Store.ListIdentitiesByMembershipRef(ctx, eventID)
	})
}

func (s *Store) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	return do(ctx, s.policy, "get event", func() (*models.Event, error) {
		return s.Store.GetEventByID(ctx, id)
	})
}

func (s *Store) GetEventByName(ctx context.Context, name models.EventName) (*models.Event, error) {
	return do(ctx, s.policy, "get event", func() (*models.Event, error) {
		return s.Store.GetEventByName(ctx, name)
	})
}

func (s *Store) EventIDExists(ctx context.Context, id string) (bool, error) {
	return do(ctx, s.policy, "check event id", func() (bool, error) {
		return s.Store.EventIDExists(ctx, id)
	})
}

func (s *Store) EventNameExists(ctx context.Context, name models.EventName) (bool, error) {
	return do(ctx, s.policy, "check event name", func() (bool, error) {
		return s.Store.EventNameExists(ctx, name)
	})
}

func (s *Store) AppendParticipant(ctx context.Context, eventID string, m models.Membership) (bool, error) {
	return do(ctx, s.policy, "append participant", func() (bool, error) {
		return s.Store.AppendParticipant(ctx, eventID, m)
	})
}

func (s *Store) RemoveParticipant(ctx context.Context, eventID, identityID string) (bool, error) {
	return do(ctx, s.policy, "remove participant", func() (bool, error) {
		return s.Store.RemoveParticipant(ctx, eventID, identityID)
	})
}

func (s *Store) RenameParticipant(ctx context.Context, eventID, identityID string, username models.Username) error {
	return doErr(ctx, s.policy, "rename participant", func() error {
		return s.Store.RenameParticipant(ctx, eventID, identityID, username)
	})
}

func (s *Store) ListEventNames(ctx context.Context) ([]models.EventName, error) {
	return do(ctx, s.policy, "list events", func() ([]models.EventName, error) {
		return s.Store.ListEventNames(ctx)
	})
}

func (s *Store) ListPendingOps(ctx context.Context, eventID string) ([]*models.PendingOp, error) {
	return do(ctx, s.policy, "list pending ops", func() ([]*models.PendingOp, error) {
		return s.Store.ListPendingOps(ctx, eventID)
	})
}

func (s *Store) DeletePendingOps(ctx context.Context, ids []string) error {
	return doErr(ctx, s.policy, "delete pending ops", func() error {
		return s.Store.DeletePendingOps(ctx, ids)
	})
}
