package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitledger/internal/models"
)

// InsertPendingOp records a saga journal entry.
func (s *SQLiteStore) InsertPendingOp(ctx context.Context, op *models.PendingOp) error {
	// Generate ID if not set
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixNano()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_ops (id, kind, event_id, identity_id, username, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.EventID, op.IdentityID, string(op.Username), op.CreatedAt,
	)
	return classify("insert pending op", err)
}

// ListPendingOps retrieves journal entries for an event, oldest first.
func (s *SQLiteStore) ListPendingOps(ctx context.Context, eventID string) ([]*models.PendingOp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, event_id, identity_id, username, created_at
		 FROM pending_ops WHERE event_id = ? ORDER BY created_at, rowid`,
		eventID,
	)
	if err != nil {
		return nil, classify("list pending ops", err)
	}
	defer rows.Close()

	var ops []*models.PendingOp
	for rows.Next() {
		op := &models.PendingOp{}
		var kind, username string
		if err := rows.Scan(&op.ID, &kind, &op.EventID, &op.IdentityID, &username, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		op.Kind = models.PendingOpKind(kind)
		op.Username = models.Username(username)
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate pending ops", err)
	}

	return ops, nil
}

// DeletePendingOps removes journal entries by id.
func (s *SQLiteStore) DeletePendingOps(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE id IN ("+placeholders+")",
		args...,
	)
	return classify("delete pending ops", err)
}
