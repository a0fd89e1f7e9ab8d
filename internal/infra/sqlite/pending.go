package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fablehq/fable/internal/domain"
)

// ─── Pending Reward Operations (shadow mode) ────────────────────────────────

// PendingRequest describes one shadow-mode would-issue reward.
type PendingRequest struct {
	UserID       string
	DraftID      string
	RequestID    string // idempotency key; empty disables replay detection
	Amount       int64
	ReasonCode   domain.ReasonCode
	Metadata     string
	WouldIssueAt time.Time
}

// InsertPendingReward records a would-issue reward. Idempotent on
// (user_id, request_id): a duplicate returns the original row with
// replayed=true rather than creating a second one.
func (db *DB) InsertPendingReward(req PendingRequest) (domain.PendingReward, bool, error) {
	metadata := req.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	now := time.Now().UTC()

	res, err := db.db.Exec(`
		INSERT INTO pending_rewards
			(user_id, draft_id, request_id, amount, reason_code, metadata, would_issue_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.UserID, nullable(req.DraftID), nullable(req.RequestID), req.Amount,
		string(req.ReasonCode), metadata, formatTime(req.WouldIssueAt),
		string(domain.PendingOpen), formatTime(now))

	if isUniqueViolation(err) {
		existing, found, lookupErr := db.PendingByRequestID(req.UserID, req.RequestID)
		if lookupErr != nil {
			return domain.PendingReward{}, false, lookupErr
		}
		if !found {
			return domain.PendingReward{}, false, fmt.Errorf("%w: pending replay vanished", domain.ErrStoreUnavailable)
		}
		return existing, true, nil
	}
	if err != nil {
		return domain.PendingReward{}, false, fmt.Errorf("%w: insert pending: %v", domain.ErrStoreUnavailable, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domain.PendingReward{}, false, fmt.Errorf("%w: pending id: %v", domain.ErrStoreUnavailable, err)
	}

	return domain.PendingReward{
		ID:           id,
		UserID:       req.UserID,
		DraftID:      req.DraftID,
		RequestID:    req.RequestID,
		Amount:       req.Amount,
		ReasonCode:   req.ReasonCode,
		Metadata:     metadata,
		WouldIssueAt: req.WouldIssueAt.UTC(),
		Status:       domain.PendingOpen,
		CreatedAt:    now,
	}, false, nil
}

// PendingByRequestID looks up a pending reward by its idempotency key.
func (db *DB) PendingByRequestID(userID, requestID string) (domain.PendingReward, bool, error) {
	row := db.db.QueryRow(pendingSelect+` WHERE user_id = ? AND request_id = ?`, userID, requestID)
	pr, err := scanPending(row)
	if err == sql.ErrNoRows {
		return domain.PendingReward{}, false, nil
	}
	if err != nil {
		return domain.PendingReward{}, false, fmt.Errorf("%w: pending lookup: %v", domain.ErrStoreUnavailable, err)
	}
	return pr, true, nil
}

// PendingTotal sums a user's not-yet-issued shadow amounts. Feeds the
// projector's effective balance; never used for spend authorization.
func (db *DB) PendingTotal(userID string) (int64, error) {
	var total sql.NullInt64
	err := db.db.QueryRow(`
		SELECT SUM(amount) FROM pending_rewards WHERE user_id = ? AND status = ?
	`, userID, string(domain.PendingOpen)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: pending total: %v", domain.ErrStoreUnavailable, err)
	}
	return total.Int64, nil
}

// ListOpenPending returns open pending rewards, oldest first, for the
// promotion batch.
func (db *DB) ListOpenPending(limit int) ([]domain.PendingReward, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.db.Query(pendingSelect+` WHERE status = ? ORDER BY id ASC LIMIT ?`,
		string(domain.PendingOpen), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.PendingReward
	for rows.Next() {
		pr, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// MarkPendingStatus transitions one pending reward. Only open rows move;
// issued and expired are terminal.
func (db *DB) MarkPendingStatus(id int64, status domain.PendingStatus) error {
	res, err := db.db.Exec(`
		UPDATE pending_rewards SET status = ? WHERE id = ? AND status = ?
	`, string(status), id, string(domain.PendingOpen))
	if err != nil {
		return fmt.Errorf("%w: mark pending: %v", domain.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending reward %d is not open", id)
	}
	return nil
}

// ExpirePendingBefore expires all open rewards created before the cutoff.
// Returns how many rows were expired.
func (db *DB) ExpirePendingBefore(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`
		UPDATE pending_rewards SET status = ? WHERE status = ? AND created_at < ?
	`, string(domain.PendingExpired), string(domain.PendingOpen), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: expire pending: %v", domain.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ─── Scanning ───────────────────────────────────────────────────────────────

const pendingSelect = `SELECT id, user_id, draft_id, request_id, amount, reason_code,
	metadata, would_issue_at, status, created_at FROM pending_rewards`

func scanPending(row rowScanner) (domain.PendingReward, error) {
	var pr domain.PendingReward
	var draftID, requestID sql.NullString
	var reason, status, wouldIssueAt, createdAt string
	err := row.Scan(&pr.ID, &pr.UserID, &draftID, &requestID, &pr.Amount,
		&reason, &pr.Metadata, &wouldIssueAt, &status, &createdAt)
	if err != nil {
		return domain.PendingReward{}, err
	}
	pr.DraftID = draftID.String
	pr.RequestID = requestID.String
	pr.ReasonCode = domain.ReasonCode(reason)
	pr.Status = domain.PendingStatus(status)
	pr.WouldIssueAt = parseTime(wouldIssueAt)
	pr.CreatedAt = parseTime(createdAt)
	return pr, nil
}
