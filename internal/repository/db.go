package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEvent     = errors.New("event already processed")
	ErrConcurrentUpdate   = errors.New("charge modified concurrently")
	ErrActiveChargeExists = errors.New("active charge already exists for reference")
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Write transactions take the database lock up
// front (BEGIN IMMEDIATE) so read-decide-write sequences cannot interleave.
func InitDB(path string, busyTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS charges (
			id TEXT PRIMARY KEY,
			charge_id TEXT UNIQUE,
			code TEXT NOT NULL DEFAULT '',
			hosted_url TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			reference TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			description TEXT NOT NULL,
			payer_email TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_active_reference
			ON charges(reference) WHERE status IN ('created','pending')`,
		`CREATE INDEX IF NOT EXISTS idx_charges_status ON charges(status)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_created_at ON charges(created_at)`,

		`CREATE TABLE IF NOT EXISTS charge_timeline (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			charge_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			applied INTEGER NOT NULL,
			provider_time TEXT NOT NULL,
			received_at TEXT NOT NULL,
			FOREIGN KEY (charge_ref) REFERENCES charges(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charge_timeline_charge ON charge_timeline(charge_ref, provider_time)`,

		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			charge_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			processed_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_events_ignored (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			charge_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			received_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ignored_events_received ON webhook_events_ignored(received_at)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			charge_id TEXT NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (kind, charge_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(state, next_attempt_at)`,

		`CREATE TABLE IF NOT EXISTS escrow_releases (
			charge_id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			released_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_releases_contract ON escrow_releases(contract_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
