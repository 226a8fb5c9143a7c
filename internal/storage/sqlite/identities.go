package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

const identityColumns = `id, username, email, credential, total_spent, overall_budget, created_at`

// identityFieldColumns whitelists the columns UpdateIdentityField may touch.
var identityFieldColumns = map[string]string{
	storage.FieldUsername:   "username",
	storage.FieldEmail:      "email",
	storage.FieldCredential: "credential",
}

// InsertIdentity inserts a new identity into the database.
func (s *SQLiteStore) InsertIdentity(ctx context.Context, identity *models.Identity) error {
	query := `
		INSERT INTO identities (` + identityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		identity.ID,
		string(identity.Username),
		string(identity.Email),
		identity.CredentialHash,
		float64(identity.TotalSpent),
		float64(identity.OverallBudget),
		identity.CreatedAt,
	)
	return classify("insert identity", err)
}

// GetIdentityByID retrieves an identity by its ID.
func (s *SQLiteStore) GetIdentityByID(ctx context.Context, id string) (*models.Identity, error) {
	return s.getIdentity(ctx, "id", id)
}

// GetIdentityByUsername retrieves an identity by its username.
func (s *SQLiteStore) GetIdentityByUsername(ctx context.Context, username models.Username) (*models.Identity, error) {
	return s.getIdentity(ctx, "username", string(username))
}

func (s *SQLiteStore) getIdentity(ctx context.Context, column, value string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + column + ` = ?`

	identity := &models.Identity{}
	var username, email string
	var totalSpent, overallBudget float64
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&identity.ID,
		&username,
		&email,
		&identity.CredentialHash,
		&totalSpent,
		&overallBudget,
		&identity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity %s=%s: %w", column, value, storage.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get identity", err)
	}
	identity.Username = models.Username(username)
	identity.Email = models.Email(email)
	identity.TotalSpent = models.Amount(totalSpent)
	identity.OverallBudget = models.Amount(overallBudget)

	refs, err := s.membershipRefs(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	identity.MembershipRefs = refs

	return identity, nil
}

func (s *SQLiteStore) membershipRefs(ctx context.Context, identityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id FROM identity_memberships WHERE identity_id = ? ORDER BY rowid",
		identityID,
	)
	if err != nil {
		return nil, classify("get membership refs", err)
	}
	defer rows.Close()

	refs := []string{}
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("failed to scan membership ref: %w", err)
		}
		refs = append(refs, eventID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate membership refs", err)
	}
	return refs, nil
}

// IdentityExists reports whether another identity already uses value for field.
func (s *SQLiteStore) IdentityExists(ctx context.Context, field, value, excludeID string) (bool, error) {
	column, ok := identityFieldColumns[field]
	if !ok || field == storage.FieldCredential {
		return false, fmt.Errorf("identity field %q is not unique", field)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM identities WHERE `+column+` = ? AND id != ? LIMIT 1`,
		value, excludeID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("check identity "+field, err)
	}
	return true, nil
}

// IdentityIDExists reports whether an identity ID is taken.
func (s *SQLiteStore) IdentityIDExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM identities WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("check identity id", err)
	}
	return true, nil
}

// UpdateIdentityField updates username, email or credential.
func (s *SQLiteStore) UpdateIdentityField(ctx context.Context, id, field, value string) error {
	column, ok := identityFieldColumns[field]
	if !ok {
		return fmt.Errorf("identity field %q cannot be updated", field)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE identities SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return classify("update identity "+field, err)
	}
	changed, err := affected("update identity "+field, res)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SetOverallBudget assigns the overall budget.
func (s *SQLiteStore) SetOverallBudget(ctx context.Context, id string, value models.Amount) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE identities SET overall_budget = ? WHERE id = ?",
		float64(value), id,
	)
	if err != nil {
		return classify("set overall budget", err)
	}
	changed, err := affected("set overall budget", res)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// IncrementOverallBudget adds delta to the overall budget.
func (s *SQLiteStore) IncrementOverallBudget(ctx context.Context, id string, delta models.Amount) (models.Amount, error) {
	return s.increment(ctx, "overall_budget", id, delta)
}

// IncrementTotalSpent adds delta to the total spent.
func (s *SQLiteStore) IncrementTotalSpent(ctx context.Context, id string, delta models.Amount) (models.Amount, error) {
	return s.increment(ctx, "total_spent", id, delta)
}

func (s *SQLiteStore) increment(ctx context.Context, column, id string, delta models.Amount) (models.Amount, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`UPDATE identities SET `+column+` = `+column+` + ? WHERE id = ? RETURNING `+column,
		float64(delta), id,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return 0, classify("increment "+column, err)
	}
	return models.Amount(value), nil
}

// AddMembershipRef adds eventID to the identity's refs if absent.
func (s *SQLiteStore) AddMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_memberships (identity_id, event_id)
		SELECT ?, ? WHERE EXISTS (SELECT 1 FROM identities WHERE id = ?)
		ON CONFLICT (identity_id, event_id) DO NOTHING`,
		identityID, eventID, identityID,
	)
	if err != nil {
		return false, classify("add membership ref", err)
	}
	changed, err := affected("add membership ref", res)
	if err != nil {
		return false, err
	}
	if !changed {
		exists, err := s.IdentityIDExists(ctx, identityID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
		}
	}
	return changed, nil
}

// RemoveMembershipRef removes eventID from the identity's refs.
func (s *SQLiteStore) RemoveMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM identity_memberships WHERE identity_id = ? AND event_id = ?",
		identityID, eventID,
	)
	if err != nil {
		return false, classify("remove membership ref", err)
	}
	return affected("remove membership ref", res)
}

// ListIdentitiesByMembershipRef returns identities whose refs contain eventID.
func (s *SQLiteStore) ListIdentitiesByMembershipRef(ctx context.Context, eventID string) ([]*models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity_id FROM identity_memberships WHERE event_id = ? ORDER BY rowid",
		eventID,
	)
	if err != nil {
		return nil, classify("list identities by membership ref", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan identity id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("iterate identities by membership ref", err)
	}

	identities := make([]*models.Identity, 0, len(ids))
	for _, id := range ids {
		identity, err := s.GetIdentityByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted concurrently
		}
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

// DeleteIdentity removes the identity; its membership refs cascade.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", id)
	if err != nil {
		return classify("delete identity", err)
	}
	changed, err := affected("delete identity", res)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
