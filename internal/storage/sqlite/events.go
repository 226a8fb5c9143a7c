package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// InsertEvent persists a new event and its initial participants in one transaction.
func (s *SQLiteStore) InsertEvent(ctx context.Context, event *models.Event) error {
	var date interface{}
	if event.Date != nil {
		date = event.Date.Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO events (id, name, budget, date, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, string(event.Name), float64(event.Budget), date, event.CreatedBy, event.CreatedAt,
	)
	if err != nil {
		return classify("insert event", err)
	}

	for _, m := range event.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO event_participants (event_id, identity_id, username, contribution, willingness)
			 VALUES (?, ?, ?, ?, ?)`,
			event.ID, m.IdentityID, string(m.Username), float64(m.Contribution), m.Willingness,
		)
		if err != nil {
			return classify("insert participant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}

	return nil
}

// GetEventByID retrieves an event by ID, including its participants.
func (s *SQLiteStore) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	return s.getEvent(ctx, "id", id)
}

// GetEventByName retrieves an event by name, including its participants.
func (s *SQLiteStore) GetEventByName(ctx context.Context, name models.EventName) (*models.Event, error) {
	return s.getEvent(ctx, "name", string(name))
}

func (s *SQLiteStore) getEvent(ctx context.Context, column, value string) (*models.Event, error) {
	event := &models.Event{}
	var name string
	var budget float64
	var date sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, budget, date, created_by, created_at FROM events WHERE `+column+` = ?`,
		value,
	).Scan(&event.ID, &name, &budget, &date, &event.CreatedBy, &event.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s=%s: %w", column, value, storage.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get event", err)
	}
	event.Name = models.EventName(name)
	event.Budget = models.Amount(budget)
	if date.Valid {
		t := time.Unix(date.Int64, 0).UTC()
		event.Date = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT identity_id, username, contribution, willingness
		 FROM event_participants WHERE event_id = ? ORDER BY seq`,
		event.ID,
	)
	if err != nil {
		return nil, classify("get participants", err)
	}
	defer rows.Close()

	event.Participants = []models.Membership{}
	for rows.Next() {
		var m models.Membership
		var username string
		var contribution float64
		if err := rows.Scan(&m.IdentityID, &username, &contribution, &m.Willingness); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		m.Username = models.Username(username)
		m.Contribution = models.Amount(contribution)
		event.Participants = append(event.Participants, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate participants", err)
	}

	return event, nil
}

// EventIDExists reports whether an event ID is taken.
func (s *SQLiteStore) EventIDExists(ctx context.Context, id string) (bool, error) {
	return s.eventExists(ctx, "id", id)
}

// EventNameExists reports whether an event name is taken.
func (s *SQLiteStore) EventNameExists(ctx context.Context, name models.EventName) (bool, error) {
	return s.eventExists(ctx, "name", string(name))
}

func (s *SQLiteStore) eventExists(ctx context.Context, column, value string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE `+column+` = ?`, value).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("check event "+column, err)
	}
	return true, nil
}

// AppendParticipant appends a membership unless one already exists for the identity.
// The insert is conditional in a single statement, so concurrent appends for
// the same pair produce one row.
func (s *SQLiteStore) AppendParticipant(ctx context.Context, eventID string, m models.Membership) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_participants (event_id, identity_id, username, contribution, willingness)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM events WHERE id = ?)
		ON CONFLICT (event_id, identity_id) DO NOTHING`,
		eventID, m.IdentityID, string(m.Username), float64(m.Contribution), m.Willingness, eventID,
	)
	if err != nil {
		return false, classify("append participant", err)
	}
	appended, err := affected("append participant", res)
	if err != nil {
		return false, err
	}
	if !appended {
		exists, err := s.EventIDExists(ctx, eventID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
		}
	}
	return appended, nil
}

// RemoveParticipant removes the membership for identityID.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, eventID, identityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM event_participants WHERE event_id = ? AND identity_id = ?",
		eventID, identityID,
	)
	if err != nil {
		return false, classify("remove participant", err)
	}
	return affected("remove participant", res)
}

// RenameParticipant updates the denormalized username on a membership.
func (s *SQLiteStore) RenameParticipant(ctx context.Context, eventID, identityID string, username models.Username) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE event_participants SET username = ? WHERE event_id = ? AND identity_id = ?",
		string(username), eventID, identityID,
	)
	return classify("rename participant", err)
}

// ListEventNames returns all event names ordered by creation.
func (s *SQLiteStore) ListEventNames(ctx context.Context) ([]models.EventName, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM events ORDER BY created_at, id")
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	var names []models.EventName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan event name: %w", err)
		}
		names = append(names, models.EventName(name))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate events", err)
	}
	return names, nil
}
