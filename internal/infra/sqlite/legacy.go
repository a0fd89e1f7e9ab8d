package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fablehq/fable/internal/domain"
)

// ─── Legacy Balance Operations ──────────────────────────────────────────────
// The legacy store is the logically distinct balance field older surfaces
// read. In "off" mode it is authoritative; in "live" mode it is only a
// best-effort mirror and the mode controller blocks direct writes.

// LegacyBalance returns the legacy display balance. Unknown users are zero.
func (db *DB) LegacyBalance(userID string) (int64, error) {
	var balance int64
	err := db.db.QueryRow(`SELECT ring_balance FROM legacy_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read legacy balance: %v", domain.ErrStoreUnavailable, err)
	}
	return balance, nil
}

// AdjustLegacyBalance applies a signed delta to the legacy balance, used by
// the off-mode direct path. A decrement below zero is rejected with
// ErrInsufficientBalance and nothing changes.
func (db *DB) AdjustLegacyBalance(userID string, delta int64) (int64, error) {
	now := formatTime(time.Now())

	if _, err := db.db.Exec(`
		INSERT INTO legacy_balances (user_id, ring_balance, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, now); err != nil {
		return 0, fmt.Errorf("%w: ensure legacy row: %v", domain.ErrStoreUnavailable, err)
	}

	res, err := db.db.Exec(`
		UPDATE legacy_balances SET ring_balance = ring_balance + ?, updated_at = ?
		WHERE user_id = ? AND ring_balance + ? >= 0
	`, delta, now, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("%w: adjust legacy balance: %v", domain.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		balance, _ := db.LegacyBalance(userID)
		return balance, fmt.Errorf("%w: legacy balance %d, delta %d", domain.ErrInsufficientBalance, balance, delta)
	}
	return db.LegacyBalance(userID)
}

// SetLegacyBalance overwrites the legacy balance with the canonical ledger
// value. Only the reconciliation bridge calls this.
func (db *DB) SetLegacyBalance(userID string, balance int64) error {
	_, err := db.db.Exec(`
		INSERT INTO legacy_balances (user_id, ring_balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ring_balance = excluded.ring_balance,
			updated_at   = excluded.updated_at
	`, userID, balance, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: set legacy balance: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ─── Sync Status Operations ─────────────────────────────────────────────────

// UpsertSyncStatus records the outcome of one mirror attempt. Success clears
// the stored error; failure keeps last_sync_at from the previous success.
func (db *DB) UpsertSyncStatus(userID string, at time.Time, syncErr error) error {
	now := formatTime(at)
	var err error
	if syncErr == nil {
		_, err = db.db.Exec(`
			INSERT INTO legacy_sync_status (user_id, last_sync_at, last_error, last_error_at, updated_at)
			VALUES (?, ?, NULL, NULL, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				last_sync_at  = excluded.last_sync_at,
				last_error    = NULL,
				last_error_at = NULL,
				updated_at    = excluded.updated_at
		`, userID, now, now)
	} else {
		_, err = db.db.Exec(`
			INSERT INTO legacy_sync_status (user_id, last_sync_at, last_error, last_error_at, updated_at)
			VALUES (?, NULL, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				last_error    = excluded.last_error,
				last_error_at = excluded.last_error_at,
				updated_at    = excluded.updated_at
		`, userID, syncErr.Error(), now, now)
	}
	if err != nil {
		return fmt.Errorf("%w: upsert sync status: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// SyncStatus returns a user's mirror health row.
func (db *DB) SyncStatus(userID string) (domain.LegacySyncStatus, bool, error) {
	var st domain.LegacySyncStatus
	var lastSyncAt, lastError, lastErrorAt sql.NullString
	var updatedAt string
	err := db.db.QueryRow(`
		SELECT user_id, last_sync_at, last_error, last_error_at, updated_at
		FROM legacy_sync_status WHERE user_id = ?
	`, userID).Scan(&st.UserID, &lastSyncAt, &lastError, &lastErrorAt, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.LegacySyncStatus{}, false, nil
	}
	if err != nil {
		return domain.LegacySyncStatus{}, false, fmt.Errorf("%w: read sync status: %v", domain.ErrStoreUnavailable, err)
	}
	st.LastSyncAt = parseTime(lastSyncAt.String)
	st.LastError = lastError.String
	st.LastErrorAt = parseTime(lastErrorAt.String)
	st.UpdatedAt = parseTime(updatedAt)
	return st, true, nil
}

// ListSyncCandidates returns users whose mirror is stale or erroring: the
// canonical balance changed after the last successful sync, the last attempt
// failed, or no sync has ever run.
func (db *DB) ListSyncCandidates(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.db.Query(`
		SELECT b.user_id
		FROM ring_balances b
		LEFT JOIN legacy_sync_status s ON s.user_id = b.user_id
		WHERE s.user_id IS NULL
		   OR s.last_error IS NOT NULL
		   OR s.last_sync_at IS NULL
		   OR s.last_sync_at < b.updated_at
		ORDER BY b.updated_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list sync candidates: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
