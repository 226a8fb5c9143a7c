package sqlite

import (
	"context"
	"database/sql"
)

// schema sets up the identities and events collections.
// The two sides of the membership relation live in separate tables with no
// foreign key between them: they are written independently and a one-sided
// reference must be representable so that reconciliation can find it.
const schema = `
CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    email TEXT NOT NULL,
    credential TEXT NOT NULL,
    total_spent REAL NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
    overall_budget REAL NOT NULL DEFAULT 0 CHECK (overall_budget >= 0),
    created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_username ON identities(username);
CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_email ON identities(email);

CREATE TABLE IF NOT EXISTS identity_memberships (
    identity_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (identity_id, event_id),
    FOREIGN KEY (identity_id) REFERENCES identities(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    budget REAL NOT NULL DEFAULT 0 CHECK (budget >= 0),
    date INTEGER,
    created_by TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_name ON events(name);

CREATE TABLE IF NOT EXISTS event_participants (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    identity_id TEXT NOT NULL,
    username TEXT NOT NULL,
    contribution REAL NOT NULL DEFAULT 0 CHECK (contribution >= 0),
    willingness REAL NOT NULL DEFAULT 0,
    UNIQUE (event_id, identity_id),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pending_ops (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    event_id TEXT NOT NULL,
    identity_id TEXT NOT NULL,
    username TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_identity_memberships_event_id ON identity_memberships(event_id);
CREATE INDEX IF NOT EXISTS idx_event_participants_event_id ON event_participants(event_id);
CREATE INDEX IF NOT EXISTS idx_event_participants_identity_id ON event_participants(identity_id);
CREATE INDEX IF NOT EXISTS idx_pending_ops_event_id ON pending_ops(event_id, identity_id);
`

// runMigrations executes the schema setup.
func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
