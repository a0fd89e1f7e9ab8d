package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fablehq/fable/internal/domain"
)

// ─── Guardrail State Operations ─────────────────────────────────────────────

// GuardrailRecord carries one earn attempt's counter update. DayStart is the
// UTC calendar-day window the attempt falls in; when it is newer than the
// stored reset_at, the counters are overwritten with this attempt's values
// directly rather than reset-then-incremented, so a concurrent reset and
// increment cannot interleave.
type GuardrailRecord struct {
	Flags    []domain.GuardrailFlag
	At       time.Time
	DayStart time.Time
}

// GuardrailState returns a user's current counters. A missing row comes back
// zeroed with a zero ResetAt — the evaluator treats that as a fresh day.
func (db *DB) GuardrailState(userID string) (domain.GuardrailState, error) {
	var gs domain.GuardrailState
	var lastEarnAt sql.NullString
	var resetAt, updatedAt string
	err := db.db.QueryRow(
		`SELECT user_id, daily_earn_count, daily_earn_total, last_earn_at, anomaly_flags, reset_at, updated_at
		 FROM guardrail_state WHERE user_id = ?`, userID,
	).Scan(&gs.UserID, &gs.DailyEarnCount, &gs.DailyEarnTotal, &lastEarnAt, &gs.AnomalyFlags, &resetAt, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.GuardrailState{UserID: userID, AnomalyFlags: "[]"}, nil
	}
	if err != nil {
		return domain.GuardrailState{}, fmt.Errorf("%w: read guardrail state: %v", domain.ErrStoreUnavailable, err)
	}
	gs.LastEarnAt = parseTime(lastEarnAt.String)
	gs.ResetAt = parseTime(resetAt)
	gs.UpdatedAt = parseTime(updatedAt)
	return gs, nil
}

// RecordEarnAttempt applies one attempt's counters outside a ledger
// transaction (used for off/shadow paths where no entry is appended).
func (db *DB) RecordEarnAttempt(userID string, amount int64, rec *GuardrailRecord) error {
	return recordEarnAttempt(db.db, userID, amount, rec)
}

func recordEarnAttemptTx(tx *sql.Tx, userID string, amount int64, rec *GuardrailRecord) error {
	return recordEarnAttempt(tx, userID, amount, rec)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// recordEarnAttempt upserts the daily counters in one statement. The CASE
// expressions compare stored reset_at against the attempt's day window:
// same day increments, a newer day overwrites with the attempt's values.
func recordEarnAttempt(e execer, userID string, amount int64, rec *GuardrailRecord) error {
	day := formatTime(rec.DayStart)
	now := formatTime(rec.At)
	flags := flagsJSON(rec.Flags)

	_, err := e.Exec(`
		INSERT INTO guardrail_state
			(user_id, daily_earn_count, daily_earn_total, last_earn_at, anomaly_flags, reset_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			daily_earn_count = CASE WHEN guardrail_state.reset_at < excluded.reset_at
				THEN 1 ELSE guardrail_state.daily_earn_count + 1 END,
			daily_earn_total = CASE WHEN guardrail_state.reset_at < excluded.reset_at
				THEN excluded.daily_earn_total ELSE guardrail_state.daily_earn_total + excluded.daily_earn_total END,
			anomaly_flags = CASE WHEN guardrail_state.reset_at < excluded.reset_at
				THEN excluded.anomaly_flags ELSE guardrail_state.anomaly_flags END,
			last_earn_at = excluded.last_earn_at,
			reset_at = CASE WHEN guardrail_state.reset_at < excluded.reset_at
				THEN excluded.reset_at ELSE guardrail_state.reset_at END,
			updated_at = excluded.updated_at
	`, userID, amount, now, flags, day, now)
	if err != nil {
		return fmt.Errorf("%w: record earn attempt: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// AppendGuardrailFlags merges additional flags into the stored day's set
// without touching the counters.
func (db *DB) AppendGuardrailFlags(userID string, flags []domain.GuardrailFlag, now time.Time) error {
	_, err := db.db.Exec(`
		UPDATE guardrail_state
		SET anomaly_flags = ?, updated_at = ?
		WHERE user_id = ?
	`, flagsJSON(flags), formatTime(now), userID)
	if err != nil {
		return fmt.Errorf("%w: append guardrail flags: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ─── Guardrail Audit Operations ─────────────────────────────────────────────

// InsertGuardrailAudit records a blocked earn. No ledger entry exists for a
// blocked earn; this row is its only trace.
func (db *DB) InsertGuardrailAudit(userID string, reason domain.ReasonCode, amount int64, flags []domain.GuardrailFlag, now time.Time) error {
	_, err := db.db.Exec(`
		INSERT INTO guardrail_audit (user_id, reason_code, amount, flags, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, string(reason), amount, flagsJSON(flags), formatTime(now))
	if err != nil {
		return fmt.Errorf("%w: insert guardrail audit: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// GuardrailAuditRow is one blocked-earn audit record.
type GuardrailAuditRow struct {
	ID         int64             `json:"id"`
	UserID     string            `json:"user_id"`
	ReasonCode domain.ReasonCode `json:"reason_code"`
	Amount     int64             `json:"amount"`
	Flags      string            `json:"flags"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ListGuardrailAudit returns a user's blocked earns, most-recent-first.
func (db *DB) ListGuardrailAudit(userID string, limit int) ([]GuardrailAuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.Query(`
		SELECT id, user_id, reason_code, amount, flags, created_at
		FROM guardrail_audit WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list guardrail audit: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []GuardrailAuditRow
	for rows.Next() {
		var r GuardrailAuditRow
		var reason, createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &reason, &r.Amount, &r.Flags, &createdAt); err != nil {
			return nil, err
		}
		r.ReasonCode = domain.ReasonCode(reason)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
