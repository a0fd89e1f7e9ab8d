package ring

import (
	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Balance Projector ──────────────────────────────────────────────────────
// Read-side views over the ledger. Balance reads are O(1) against the
// running-balance row, never a scan over entries; SumEntries exists only as
// a drift check for diagnostics.

// Summary is the account view shown to a user.
type Summary struct {
	UserID           string               `json:"user_id"`
	Balance          int64                `json:"balance"`
	PendingTotal     int64                `json:"pending_total"`
	EffectiveBalance int64                `json:"effective_balance"`
	RecentEntries    []domain.LedgerEntry `json:"recent_entries"`
}

// Projector serves balance and history reads.
type Projector struct {
	db *sqlite.DB
}

// NewProjector creates a projector over the given store.
func NewProjector(db *sqlite.DB) *Projector {
	return &Projector{db: db}
}

// Balance returns the spendable balance. A user with no entries has zero.
func (p *Projector) Balance(userID string) (int64, error) {
	return p.db.Balance(userID)
}

// Summary returns the account view: spendable balance, open pending total,
// and the effective balance a UI may preview. Pending amounts are NOT
// spendable and never count toward spend sufficiency checks.
func (p *Projector) Summary(userID string, recentLimit int) (*Summary, error) {
	balance, err := p.db.Balance(userID)
	if err != nil {
		return nil, err
	}
	pending, err := p.db.PendingTotal(userID)
	if err != nil {
		return nil, err
	}
	recent, err := p.db.RecentEntries(userID, recentLimit)
	if err != nil {
		return nil, err
	}
	return &Summary{
		UserID:           userID,
		Balance:          balance,
		PendingTotal:     pending,
		EffectiveBalance: balance + pending,
		RecentEntries:    recent,
	}, nil
}

// History returns recent ledger entries, optionally filtered by event type.
func (p *Projector) History(userID string, et domain.EventType, limit int) ([]domain.LedgerEntry, error) {
	if et == "" {
		return p.db.RecentEntries(userID, limit)
	}
	return p.db.EntriesByType(userID, et, limit)
}

// Drift returns the difference between the running balance and the sum of
// the user's entries. Anything but zero is a bug.
func (p *Projector) Drift(userID string) (int64, error) {
	balance, err := p.db.Balance(userID)
	if err != nil {
		return 0, err
	}
	sum, err := p.db.SumEntries(userID)
	if err != nil {
		return 0, err
	}
	return balance - sum, nil
}
