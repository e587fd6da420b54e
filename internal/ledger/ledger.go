// Package ledger keeps an append-only SQLite history of receiver transitions and target changes.
// It is audit output only and is never read back to drive control decisions.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind classifies a ledger record.
type Kind string

const (
	KindStreamingStarted Kind = "streaming_started"
	KindStreamingStopped Kind = "streaming_stopped"
	KindTransitionFailed Kind = "transition_failed"
	KindTargetResolved   Kind = "target_resolved"
	KindTargetLost       Kind = "target_lost"
)

// Record is one ledger row. Several records may share a transition id.
type Record struct {
	ID           int64
	Kind         Kind
	At           time.Time // zero means now
	Source       string
	TransitionID string
	Payload      map[string]any
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	Kind         Kind
	TransitionID string
	Limit        int
}

// migrations are applied in order; PRAGMA user_version tracks how many ran.
var migrations = []string{
	`CREATE TABLE records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		transition_id TEXT NOT NULL DEFAULT '',
		payload TEXT
	)`,
	`CREATE INDEX idx_records_kind_at ON records(kind, recorded_at)`,
	`CREATE INDEX idx_records_transition ON records(transition_id)`,
}

// Ledger writes and reads records.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path and brings its schema up to date.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this binary (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends r.
func (l *Ledger) Record(ctx context.Context, r Record) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}

	var payload sql.NullString
	if r.Payload != nil {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", r.Kind, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO records (kind, recorded_at, source, transition_id, payload) VALUES (?, ?, ?, ?, ?)`,
		string(r.Kind), at.UnixMilli(), r.Source, r.TransitionID, payload,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.Kind, err)
	}
	return nil
}

// Query returns matching records, newest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.TransitionID != "" {
		where = append(where, "transition_id = ?")
		args = append(args, f.TransitionID)
	}

	q := `SELECT id, kind, recorded_at, source, transition_id, payload FROM records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			kind    string
			atMilli int64
			payload sql.NullString
		)
		if err := rows.Scan(&r.ID, &kind, &atMilli, &r.Source, &r.TransitionID, &payload); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		r.At = time.UnixMilli(atMilli).UTC()
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, fmt.Errorf("decode record %d payload: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records written before cutoff and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM records WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
