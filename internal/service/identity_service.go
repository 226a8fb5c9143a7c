package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mmynk/splitledger/internal/auth"
	apperrors "github.com/mmynk/splitledger/internal/errors"
	"github.com/mmynk/splitledger/internal/ident"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// IdentityService registers, authenticates and maintains identities.
type IdentityService struct {
	store   storage.Store
	deriver auth.CredentialDeriver
	gen     *ident.Generator
	ledger  *Ledger
	metrics *metrics.Metrics
}

// NewIdentityService creates a new identity service.
func NewIdentityService(store storage.Store, deriver auth.CredentialDeriver, gen *ident.Generator, ledger *Ledger, m *metrics.Metrics) *IdentityService {
	return &IdentityService{
		store:   store,
		deriver: deriver,
		gen:     gen,
		ledger:  ledger,
		metrics: m,
	}
}

// Register creates a new identity and returns its id.
//
// The username and email pre-checks only save a round trip; the storage
// unique indexes decide races between concurrent registrations.
func (s *IdentityService) Register(ctx context.Context, email, username, credential string) (string, error) {
	slog.Info("Register request received", "email", email, "username", username)

	validEmail, err := models.NewEmail(email)
	if err != nil {
		return "", err
	}
	validUsername, err := models.NewUsername(username)
	if err != nil {
		return "", err
	}
	if err := s.deriver.ValidateCredential(credential); err != nil {
		return "", err
	}

	if err := s.checkUnique(ctx, storage.FieldEmail, string(validEmail), ""); err != nil {
		slog.Warn("Registration failed", "email", validEmail, "error", err)
		return "", err
	}
	if err := s.checkUnique(ctx, storage.FieldUsername, string(validUsername), ""); err != nil {
		slog.Warn("Registration failed", "username", validUsername, "error", err)
		return "", err
	}

	hash, err := s.deriver.Derive(credential)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "derive credential", err)
	}

	for attempt := 1; ; attempt++ {
		id, err := s.gen.Generate(ctx, s.store.IdentityIDExists)
		if err != nil {
			slog.Error("Registration failed", "username", validUsername, "error", err)
			return "", err
		}

		identity := &models.Identity{
			ID:             id,
			Username:       validUsername,
			Email:          validEmail,
			CredentialHash: hash,
			CreatedAt:      time.Now().Unix(),
		}
		err = s.store.InsertIdentity(ctx, identity)
		if err == nil {
			slog.Info("Identity registered", "identity_id", id, "username", validUsername)
			return id, nil
		}

		if field, ok := storage.IsDuplicate(err); ok && field == storage.FieldID && attempt < maxInsertAttempts {
			slog.Warn("Identity id collision, regenerating", "identity_id", id, "attempt", attempt)
			continue
		}
		slog.Warn("Registration failed", "username", validUsername, "error", err)
		return "", storageError(s.metrics, "insert identity", err)
	}
}

// Authenticate verifies credential for username.
func (s *IdentityService) Authenticate(ctx context.Context, username, credential string) (*models.Identity, error) {
	slog.Info("Authenticate request received", "username", username)

	identity, err := findIdentity(ctx, s.store, username)
	if err != nil {
		slog.Warn("Authentication failed", "username", username, "error", err)
		return nil, err
	}

	if err := s.deriver.Verify(identity.CredentialHash, credential); err != nil {
		slog.Warn("Authentication failed", "identity_id", identity.ID, "error", err)
		if errors.Is(err, auth.ErrCredentialMismatch) {
			return nil, apperrors.New(apperrors.CodeInvalidCredential, "invalid credential")
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "verify credential", err)
	}

	slog.Info("Authenticated", "identity_id", identity.ID)
	return identity, nil
}

// UpdateEmail changes the email of identityRef.
func (s *IdentityService) UpdateEmail(ctx context.Context, identityRef, email string) error {
	slog.Info("UpdateEmail request received", "identity", identityRef)

	validEmail, err := models.NewEmail(email)
	if err != nil {
		return err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return err
	}
	if identity.Email == validEmail {
		return nil
	}

	if err := s.checkUnique(ctx, storage.FieldEmail, string(validEmail), identity.ID); err != nil {
		slog.Warn("UpdateEmail failed", "identity_id", identity.ID, "error", err)
		return err
	}
	if err := s.store.UpdateIdentityField(ctx, identity.ID, storage.FieldEmail, string(validEmail)); err != nil {
		slog.Warn("UpdateEmail failed", "identity_id", identity.ID, "error", err)
		return storageError(s.metrics, "update email", err)
	}

	slog.Info("Email updated", "identity_id", identity.ID)
	return nil
}

// UpdateUsername renames identityRef and copies the new name into the
// participant entries of every event it has joined. Calling it again with the
// current username re-runs the copy, which completes an earlier partial rename.
func (s *IdentityService) UpdateUsername(ctx context.Context, identityRef, username string) error {
	slog.Info("UpdateUsername request received", "identity", identityRef, "username", username)

	validUsername, err := models.NewUsername(username)
	if err != nil {
		return err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return err
	}
	if identity.Username != validUsername {
		if err := s.checkUnique(ctx, storage.FieldUsername, string(validUsername), identity.ID); err != nil {
			slog.Warn("UpdateUsername failed", "identity_id", identity.ID, "error", err)
			return err
		}
		if err := s.store.UpdateIdentityField(ctx, identity.ID, storage.FieldUsername, string(validUsername)); err != nil {
			slog.Warn("UpdateUsername failed", "identity_id", identity.ID, "error", err)
			return storageError(s.metrics, "update username", err)
		}
	}

	for _, eventID := range identity.MembershipRefs {
		if err := s.store.RenameParticipant(ctx, eventID, identity.ID, validUsername); err != nil {
			slog.Error("UpdateUsername partially applied", "identity_id", identity.ID, "event_id", eventID, "error", err)
			return partialFailure(s.metrics, "update_username", eventID, identity.ID, "", err)
		}
	}

	slog.Info("Username updated", "identity_id", identity.ID, "events", len(identity.MembershipRefs))
	return nil
}

// UpdateCredential replaces the stored credential of identityRef.
func (s *IdentityService) UpdateCredential(ctx context.Context, identityRef, credential string) error {
	slog.Info("UpdateCredential request received", "identity", identityRef)

	if err := s.deriver.ValidateCredential(credential); err != nil {
		return err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return err
	}

	hash, err := s.deriver.Derive(credential)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "derive credential", err)
	}
	if err := s.store.UpdateIdentityField(ctx, identity.ID, storage.FieldCredential, hash); err != nil {
		slog.Warn("UpdateCredential failed", "identity_id", identity.ID, "error", err)
		return storageError(s.metrics, "update credential", err)
	}

	slog.Info("Credential updated", "identity_id", identity.ID)
	return nil
}

// DeleteAccount authenticates, detaches the identity from every event it
// joined, then removes it. If a detach fails the identity is kept so the call
// can be retried.
func (s *IdentityService) DeleteAccount(ctx context.Context, identityRef, credential string) error {
	slog.Info("DeleteAccount request received", "identity", identityRef)

	identity, err := s.Authenticate(ctx, identityRef, credential)
	if err != nil {
		return err
	}

	for _, eventID := range identity.MembershipRefs {
		if err := s.ledger.Detach(ctx, eventID, identity); err != nil {
			slog.Error("DeleteAccount failed", "identity_id", identity.ID, "event_id", eventID, "error", err)
			return err
		}
	}

	if err := s.store.DeleteIdentity(ctx, identity.ID); err != nil {
		slog.Error("DeleteAccount failed", "identity_id", identity.ID, "error", err)
		return storageError(s.metrics, "delete identity", err)
	}

	slog.Info("Account deleted", "identity_id", identity.ID, "events", len(identity.MembershipRefs))
	return nil
}

func (s *IdentityService) checkUnique(ctx context.Context, field, value, excludeID string) error {
	taken, err := s.store.IdentityExists(ctx, field, value, excludeID)
	if err != nil {
		return storageError(s.metrics, "check "+field, err)
	}
	if taken {
		return conflict(s.metrics, field)
	}
	return nil
}
