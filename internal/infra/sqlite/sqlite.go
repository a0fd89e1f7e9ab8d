// Package sqlite persists the ring ledger: the append-only entry log, the
// denormalized running balances, shadow-mode pending rewards, per-user
// guardrail state, and the legacy mirror bookkeeping.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fablehq/fable/internal/infra/dsa"
)

// DB wraps the SQLite connection and exposes typed operations.
type DB struct {
	db *sql.DB

	maxAppendAttempts int
	idempotencyTTL    time.Duration

	// seenKeys short-circuits the replay lookup for definitely-new request
	// IDs. It is empty after a restart; the uniqueness index stays the
	// source of truth.
	seenKeys *dsa.BloomFilter
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	d := &DB{
		db:                db,
		maxAppendAttempts: DefaultMaxAppendAttempts,
		seenKeys:          dsa.NewBloomFilter(dsa.DefaultBloomConfig()),
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping verifies the store is reachable.
func (db *DB) Ping() error {
	return db.db.Ping()
}

// migrate applies all schema statements. Each is idempotent (IF NOT EXISTS),
// so migrate is safe to run on every startup.
func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// The append-only ledger. Entries are immutable once written;
		// balance_after is the running balance at this entry.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT NOT NULL,
			draft_id      TEXT,
			request_id    TEXT,
			receipt_id    TEXT,
			event_type    TEXT NOT NULL,
			reason_code   TEXT NOT NULL,
			amount        INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
			ON ledger_entries(user_id, request_id) WHERE request_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger_entries(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_event_type ON ledger_entries(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_request ON ledger_entries(request_id)`,

		// Denormalized running balance, one row per user. The version column
		// backs the optimistic compare-and-swap in Append.
		`CREATE TABLE IF NOT EXISTS ring_balances (
			user_id    TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0,
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,

		// Shadow-mode would-issue rewards. Never affect a balance while pending.
		`CREATE TABLE IF NOT EXISTS pending_rewards (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id        TEXT NOT NULL,
			draft_id       TEXT,
			request_id     TEXT,
			amount         INTEGER NOT NULL,
			reason_code    TEXT NOT NULL,
			metadata       TEXT NOT NULL DEFAULT '{}',
			would_issue_at TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_idempotency
			ON pending_rewards(user_id, request_id) WHERE request_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_pending_user_status ON pending_rewards(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_rewards(status, would_issue_at)`,

		// Daily earn counters, one row per user, lazily created.
		`CREATE TABLE IF NOT EXISTS guardrail_state (
			user_id          TEXT PRIMARY KEY,
			daily_earn_count INTEGER NOT NULL DEFAULT 0,
			daily_earn_total INTEGER NOT NULL DEFAULT 0,
			last_earn_at     TEXT,
			anomaly_flags    TEXT NOT NULL DEFAULT '[]',
			reset_at         TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,

		// Audit trail for earns the guardrail blocked. No ledger entry exists
		// for these; this table is the only record.
		`CREATE TABLE IF NOT EXISTS guardrail_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			amount      INTEGER NOT NULL,
			flags       TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_audit_user ON guardrail_audit(user_id, created_at)`,

		// The legacy display balance. Authoritative only in "off" mode;
		// a best-effort mirror of the ledger in "live" mode.
		`CREATE TABLE IF NOT EXISTS legacy_balances (
			user_id      TEXT PRIMARY KEY,
			ring_balance INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL
		)`,

		// Mirror health, one row per user, upserted after every sync attempt.
		`CREATE TABLE IF NOT EXISTS legacy_sync_status (
			user_id       TEXT PRIMARY KEY,
			last_sync_at  TEXT,
			last_error    TEXT,
			last_error_at TEXT,
			updated_at    TEXT NOT NULL
		)`,
	}
}

// ─── Time and Error Helpers ─────────────────────────────────────────────────

// timeFormat is RFC3339 with fixed-width nanoseconds, so lexicographic
// order matches chronological order — the created_at range comparisons
// rely on that. RFC3339Nano is NOT safe here: it trims trailing zeros,
// and "…T00:00:00.5Z" sorts before "…T00:00:00Z" ('.' < 'Z').
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	// RFC3339Nano parsing accepts any fractional width, including values
	// written by older builds that trimmed trailing zeros.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite surfaces these as plain errors with the SQLite message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports whether err is SQLITE_BUSY / SQLITE_LOCKED contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
