package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keyfort/keyfort/internal/model"
)

// Store is the queryable index over audit events, backed by sqlite.
// The hash-chained JSONL log remains the authoritative record; the store
// exists so query(filter) does not re-scan the whole chain.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id      TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	operation     TEXT NOT NULL,
	identity_hash TEXT,
	actor         TEXT,
	backend       TEXT,
	success       INTEGER NOT NULL,
	rotation      INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	config_hash   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_identity_ts ON events(identity_hash, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// OpenStore opens (or creates) the sqlite event index at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open store: %w", err)
	}
	// Single writer (the recorder drain loop); readers share.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert adds one event to the index.
func (s *Store) Insert(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events
		 (event_id, ts, operation, identity_hash, actor, backend, success, rotation, error, config_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Timestamp, string(e.Operation), e.IdentityHash, e.Actor,
		e.Backend, boolInt(e.Success), boolInt(e.Rotation), e.Error, e.ConfigHash)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	IdentityHash string
	Operation    model.Operation
	Since        time.Time
	Until        time.Time
	FailuresOnly bool
	Limit        int
}

// Query returns events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	var where []string
	var args []any

	if f.IdentityHash != "" {
		where = append(where, "identity_hash = ?")
		args = append(args, f.IdentityHash)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(f.Operation))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(TimestampFormat))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UTC().Format(TimestampFormat))
	}
	if f.FailuresOnly {
		where = append(where, "success = 0")
	}

	q := `SELECT event_id, ts, operation, identity_hash, actor, backend, success, rotation, error, config_hash FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, event_id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var success, rotation int
		var op string
		if err := rows.Scan(&e.EventID, &e.Timestamp, &op, &e.IdentityHash, &e.Actor,
			&e.Backend, &success, &rotation, &e.Error, &e.ConfigHash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Operation = model.Operation(op)
		e.Success = success != 0
		e.Rotation = rotation != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
