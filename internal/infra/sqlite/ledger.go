package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/observability"
)

// ─── Append Configuration ───────────────────────────────────────────────────

const (
	// DefaultMaxAppendAttempts bounds the optimistic-concurrency retry loop.
	DefaultMaxAppendAttempts = 5

	// appendBackoffBase is the first retry delay; doubles per attempt with
	// jitter so racing writers don't re-collide in lockstep.
	appendBackoffBase = 5 * time.Millisecond
)

// SetMaxAppendAttempts overrides the append retry budget (tests use 1–2).
func (db *DB) SetMaxAppendAttempts(n int) {
	if n > 0 {
		db.maxAppendAttempts = n
	}
}

// SetIdempotencyTTL sets how far back the fast-path replay lookup scans.
// A reused key older than the TTL is still replayed (the uniqueness index is
// the final authority); the TTL only bounds the common-case query.
func (db *DB) SetIdempotencyTTL(ttl time.Duration) {
	db.idempotencyTTL = ttl
}

// ─── Append ─────────────────────────────────────────────────────────────────

// AppendRequest describes one balance-affecting event to record.
type AppendRequest struct {
	UserID     string
	DraftID    string
	RequestID  string // idempotency key; empty disables replay detection
	ReceiptID  string
	EventType  domain.EventType
	ReasonCode domain.ReasonCode
	Amount     int64 // signed, per event-type convention
	Metadata   string

	// Guardrail, when set, commits the earn-attempt counters in the same
	// transaction as the entry, so the two can never diverge.
	Guardrail *GuardrailRecord
}

// AppendResult is the outcome of an append: the recorded entry, and whether
// it was an idempotent replay of a previous request.
type AppendResult struct {
	Entry    domain.LedgerEntry
	Replayed bool
}

// Append records one ledger entry and updates the running balance in a
// single transaction. Guarantees:
//
//   - exactly-once per (user_id, request_id), enforced by a uniqueness
//     constraint, never an in-memory cache; a duplicate key is NOT an error,
//     it returns the original recorded outcome
//   - balance_after always equals the sum of the user's entry amounts
//   - concurrent appends for the same user serialize through an optimistic
//     compare-and-swap on the balance row's version, with bounded jittered
//     retry; a loser re-reads the latest balance and retries, never
//     overwriting the winner
//   - SPEND that would take the balance below zero is rejected with
//     ErrInsufficientBalance and nothing is written
//
// Callers that time out MUST retry with the same request ID: the outcome is
// unknown, not failed.
func (db *DB) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if err := domain.ValidateAmountSign(req.EventType, req.Amount); err != nil {
		return nil, err
	}
	if err := req.ReasonCode.Validate(); err != nil {
		return nil, err
	}

	attempts := db.maxAppendAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAppendAttempts
	}

	start := time.Now()
	defer func() {
		observability.LedgerAppendLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		res, retry, err := db.tryAppend(ctx, req)
		if err == nil {
			if res.Replayed {
				observability.LedgerReplays.Inc()
			} else {
				observability.LedgerEntries.WithLabelValues(string(req.EventType)).Inc()
			}
			return res, nil
		}
		if !retry {
			return nil, err
		}
		observability.LedgerConflictRetries.Inc()
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrConcurrentConflict, attempts, lastErr)
}

// tryAppend runs one transactional attempt. The second return value reports
// whether the failure is a retryable conflict.
func (db *DB) tryAppend(ctx context.Context, req AppendRequest) (*AppendResult, bool, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return nil, true, err
		}
		return nil, false, fmt.Errorf("%w: begin: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	// Idempotent replay fast path. The Bloom filter skips the lookup for
	// keys this process has definitely never recorded; a filter miss after
	// a restart is caught by the uniqueness index below.
	if req.RequestID != "" && db.seenKeys.Contains(replayKey(req.UserID, req.RequestID)) {
		if entry, ok, err := db.findByRequestID(tx, req.UserID, req.RequestID, db.idempotencyTTL); err != nil {
			return nil, isBusy(err), err
		} else if ok {
			return &AppendResult{Entry: entry, Replayed: true}, false, nil
		}
	}

	// Current balance + CAS version.
	var balance, version int64
	haveRow := true
	err = tx.QueryRow(
		`SELECT balance, version FROM ring_balances WHERE user_id = ?`, req.UserID,
	).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		haveRow = false
		balance, version = 0, 0
	} else if err != nil {
		return nil, isBusy(err), fmt.Errorf("%w: read balance: %v", domain.ErrStoreUnavailable, err)
	}

	newBalance := balance + req.Amount
	if req.EventType == domain.EventSpend && newBalance < 0 {
		return nil, false, fmt.Errorf("%w: balance %d, spend %d", domain.ErrInsufficientBalance, balance, -req.Amount)
	}

	now := time.Now().UTC()

	// Compare-and-swap on the version column. A concurrent winner bumps the
	// version first; the loser sees zero rows affected and retries.
	if haveRow {
		res, err := tx.Exec(
			`UPDATE ring_balances SET balance = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			newBalance, formatTime(now), req.UserID, version,
		)
		if err != nil {
			return nil, isBusy(err), fmt.Errorf("%w: cas update: %v", domain.ErrStoreUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, true, fmt.Errorf("balance version moved for user %s", req.UserID)
		}
	} else {
		_, err := tx.Exec(
			`INSERT INTO ring_balances (user_id, balance, version, updated_at) VALUES (?, ?, 1, ?)`,
			req.UserID, newBalance, formatTime(now),
		)
		if isUniqueViolation(err) {
			// Another writer created the row first; re-read and retry.
			return nil, true, err
		}
		if err != nil {
			return nil, isBusy(err), fmt.Errorf("%w: insert balance: %v", domain.ErrStoreUnavailable, err)
		}
	}

	metadata := req.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	res, err := tx.Exec(
		`INSERT INTO ledger_entries
			(user_id, draft_id, request_id, receipt_id, event_type, reason_code, amount, balance_after, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.UserID, nullable(req.DraftID), nullable(req.RequestID), nullable(req.ReceiptID),
		string(req.EventType), string(req.ReasonCode), req.Amount, newBalance, metadata, formatTime(now),
	)
	if isUniqueViolation(err) {
		// The request ID already exists: either the fast-path lookup was
		// TTL-bounded past the original entry, or a concurrent writer
		// committed it first. Surface the original outcome; the rollback
		// discards this attempt's balance change.
		entry, ok, lerr := db.findByRequestID(tx, req.UserID, req.RequestID, 0)
		if lerr == nil && ok {
			return &AppendResult{Entry: entry, Replayed: true}, false, nil
		}
		return nil, true, err
	}
	if err != nil {
		return nil, isBusy(err), fmt.Errorf("%w: insert entry: %v", domain.ErrStoreUnavailable, err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("%w: entry id: %v", domain.ErrStoreUnavailable, err)
	}

	// Guardrail counters ride in the same transaction so "earn happened"
	// and "earn was counted" cannot diverge.
	if req.Guardrail != nil {
		if err := recordEarnAttemptTx(tx, req.UserID, req.Amount, req.Guardrail); err != nil {
			return nil, isBusy(err), err
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, true, err
		}
		return nil, false, fmt.Errorf("%w: commit: %v", domain.ErrStoreUnavailable, err)
	}

	if req.RequestID != "" {
		db.seenKeys.Add(replayKey(req.UserID, req.RequestID))
	}

	return &AppendResult{
		Entry: domain.LedgerEntry{
			ID:           entryID,
			UserID:       req.UserID,
			DraftID:      req.DraftID,
			RequestID:    req.RequestID,
			ReceiptID:    req.ReceiptID,
			EventType:    req.EventType,
			ReasonCode:   req.ReasonCode,
			Amount:       req.Amount,
			BalanceAfter: newBalance,
			Metadata:     metadata,
			CreatedAt:    now,
		},
	}, false, nil
}

// replayKey is the Bloom filter key for one (user, request) pair.
func replayKey(userID, requestID string) string {
	return userID + ":" + requestID
}

// findByRequestID looks up a prior entry for (user, request). The TTL bounds
// the indexed scan; zero means unbounded.
func (db *DB) findByRequestID(tx *sql.Tx, userID, requestID string, ttl time.Duration) (domain.LedgerEntry, bool, error) {
	q := `SELECT id, user_id, draft_id, request_id, receipt_id, event_type, reason_code,
	             amount, balance_after, metadata, created_at
	      FROM ledger_entries WHERE user_id = ? AND request_id = ?`
	args := []any{userID, requestID}
	if ttl > 0 {
		q += ` AND created_at >= ?`
		args = append(args, formatTime(time.Now().Add(-ttl)))
	}

	entry, err := scanEntry(tx.QueryRow(q, args...))
	if err == sql.ErrNoRows {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: replay lookup: %v", domain.ErrStoreUnavailable, err)
	}
	return entry, true, nil
}

// sleepBackoff waits for the jittered exponential delay before attempt n.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := appendBackoffBase << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ─── Read Paths ─────────────────────────────────────────────────────────────

// EntryByRequestID returns the recorded entry for an idempotency key, if
// one exists. Unlike the in-transaction fast path this lookup is never
// TTL-bounded or Bloom-gated: callers use it to settle replay questions
// before running side effects that must not repeat, like guardrail checks.
func (db *DB) EntryByRequestID(userID, requestID string) (domain.LedgerEntry, bool, error) {
	entry, err := scanEntry(db.db.QueryRow(
		`SELECT id, user_id, draft_id, request_id, receipt_id, event_type, reason_code,
		        amount, balance_after, metadata, created_at
		 FROM ledger_entries WHERE user_id = ? AND request_id = ?`,
		userID, requestID,
	))
	if err == sql.ErrNoRows {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: replay lookup: %v", domain.ErrStoreUnavailable, err)
	}
	return entry, true, nil
}

// Balance returns the denormalized running balance — O(1), never a re-sum.
// Unknown users have balance zero.
func (db *DB) Balance(userID string) (int64, error) {
	var balance int64
	err := db.db.QueryRow(`SELECT balance FROM ring_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read balance: %v", domain.ErrStoreUnavailable, err)
	}
	return balance, nil
}

// RecentEntries returns a user's ledger entries, most-recent-first.
func (db *DB) RecentEntries(userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.Query(
		`SELECT id, user_id, draft_id, request_id, receipt_id, event_type, reason_code,
		        amount, balance_after, metadata, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// EntriesByType returns a user's entries of one event type, most-recent-first.
func (db *DB) EntriesByType(userID string, et domain.EventType, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.Query(
		`SELECT id, user_id, draft_id, request_id, receipt_id, event_type, reason_code,
		        amount, balance_after, metadata, created_at
		 FROM ledger_entries WHERE user_id = ? AND event_type = ? ORDER BY id DESC LIMIT ?`,
		userID, string(et), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// SumEntries re-derives the balance from scratch. Diagnostic only — the
// projector never calls this; it exists so drift can be audited.
func (db *DB) SumEntries(userID string) (int64, error) {
	var sum sql.NullInt64
	err := db.db.QueryRow(
		`SELECT SUM(amount) FROM ledger_entries WHERE user_id = ?`, userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: sum entries: %v", domain.ErrStoreUnavailable, err)
	}
	return sum.Int64, nil
}

// CountEarnsWithReason counts EARN entries with one reason code since a
// cutoff. Feeds the duplicate-reason guardrail flag.
func (db *DB) CountEarnsWithReason(userID string, reason domain.ReasonCode, since time.Time) (int64, error) {
	var n int64
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries
		 WHERE user_id = ? AND event_type = ? AND reason_code = ? AND created_at >= ?`,
		userID, string(domain.EventEarn), string(reason), formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count earns: %v", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// ─── Row Scanning ───────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var draftID, requestID, receiptID sql.NullString
	var eventType, reasonCode, createdAt string
	err := row.Scan(&e.ID, &e.UserID, &draftID, &requestID, &receiptID,
		&eventType, &reasonCode, &e.Amount, &e.BalanceAfter, &e.Metadata, &createdAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.DraftID = draftID.String
	e.RequestID = requestID.String
	e.ReceiptID = receiptID.String
	e.EventType = domain.EventType(eventType)
	e.ReasonCode = domain.ReasonCode(reasonCode)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// flagsJSON marshals guardrail flags for storage; errors cannot happen for
// a slice of strings.
func flagsJSON(flags []domain.GuardrailFlag) string {
	if len(flags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
