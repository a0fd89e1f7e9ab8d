// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost layer of the ring economy — it depends on nothing.
package domain

import (
	"fmt"
	"time"
)

// ─── Event Types ────────────────────────────────────────────────────────────

// EventType classifies a ledger entry by the kind of balance change.
type EventType string

const (
	EventEarn       EventType = "EARN"       // amount strictly positive
	EventSpend      EventType = "SPEND"      // amount strictly negative
	EventPenalty    EventType = "PENALTY"    // amount strictly negative
	EventAdjustment EventType = "ADJUSTMENT" // either sign, never zero
)

// ValidateAmountSign enforces the sign convention for each event type.
// This is checked before anything touches storage.
func ValidateAmountSign(et EventType, amount int64) error {
	switch et {
	case EventEarn:
		if amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive, got %d", ErrInvalidAmountSign, et, amount)
		}
	case EventSpend, EventPenalty:
		if amount >= 0 {
			return fmt.Errorf("%w: %s amount must be negative, got %d", ErrInvalidAmountSign, et, amount)
		}
	case EventAdjustment:
		if amount == 0 {
			return fmt.Errorf("%w: %s amount must be non-zero", ErrInvalidAmountSign, et)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidAmountSign, et)
	}
	return nil
}

// ─── Issuance Mode ──────────────────────────────────────────────────────────

// IssuanceMode selects which path Earn/Spend take during the ledger migration.
type IssuanceMode string

const (
	// ModeOff bypasses the ledger entirely; balances live in the legacy store.
	ModeOff IssuanceMode = "off"
	// ModeShadow records would-be earns as pending rewards without issuing.
	// Spend still runs against the legacy balance (it gates real access).
	ModeShadow IssuanceMode = "shadow"
	// ModeLive routes both Earn and Spend through the ledger; the legacy
	// store becomes a non-authoritative mirror.
	ModeLive IssuanceMode = "live"
)

// ParseIssuanceMode validates a mode string from configuration.
func ParseIssuanceMode(s string) (IssuanceMode, error) {
	switch IssuanceMode(s) {
	case ModeOff, ModeShadow, ModeLive:
		return IssuanceMode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownIssuanceMode, s)
}

// ─── Reason Codes ───────────────────────────────────────────────────────────

// ReasonCode is the business reason attached to a ledger event.
// Open-ended by design: unknown codes still account correctly, they just
// fall into the default guardrail bucket.
type ReasonCode string

// MaxReasonCodeLen bounds reason codes so they stay index-friendly.
const MaxReasonCodeLen = 64

// Validate rejects malformed reason codes (empty, too long, bad characters).
// Classification of *unknown* codes is the registry's job, not Validate's —
// fail-open on classification, fail-closed on accounting.
func (rc ReasonCode) Validate() error {
	if rc == "" {
		return fmt.Errorf("%w: empty", ErrInvalidReasonCode)
	}
	if len(rc) > MaxReasonCodeLen {
		return fmt.Errorf("%w: %q exceeds %d chars", ErrInvalidReasonCode, rc, MaxReasonCodeLen)
	}
	for _, c := range rc {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '.') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidReasonCode, rc, c)
		}
	}
	return nil
}

// ─── Ledger Entry ───────────────────────────────────────────────────────────

// LedgerEntry is one immutable row in the append-only ring ledger.
// Corrections are new ADJUSTMENT entries referencing the original via
// metadata — entries are never mutated or deleted.
type LedgerEntry struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	DraftID      string     `json:"draft_id,omitempty"`
	RequestID    string     `json:"request_id,omitempty"` // idempotency key
	ReceiptID    string     `json:"receipt_id,omitempty"`
	EventType    EventType  `json:"event_type"`
	ReasonCode   ReasonCode `json:"reason_code"`
	Amount       int64      `json:"amount"` // signed
	BalanceAfter int64      `json:"balance_after"`
	Metadata     string     `json:"metadata,omitempty"` // JSON object
	CreatedAt    time.Time  `json:"created_at"`
}

// ─── Pending Rewards (shadow mode) ──────────────────────────────────────────

// PendingStatus is the lifecycle state of a shadow-mode reward.
type PendingStatus string

const (
	PendingOpen    PendingStatus = "pending"
	PendingIssued  PendingStatus = "issued"
	PendingExpired PendingStatus = "expired"
)

// PendingReward is a would-be earn recorded while issuance mode is shadow.
// It never affects any balance while status is pending; promotion to a real
// ledger entry is a separate, explicitly triggered batch step.
type PendingReward struct {
	ID           int64         `json:"id"`
	UserID       string        `json:"user_id"`
	DraftID      string        `json:"draft_id,omitempty"`
	RequestID    string        `json:"request_id,omitempty"`
	Amount       int64         `json:"amount"`
	ReasonCode   ReasonCode    `json:"reason_code"`
	Metadata     string        `json:"metadata,omitempty"`
	WouldIssueAt time.Time     `json:"would_issue_at"`
	Status       PendingStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ─── Guardrail State ────────────────────────────────────────────────────────

// GuardrailFlag is an advisory annotation on an earn attempt. Flags never
// retroactively reverse an already-appended ledger entry.
type GuardrailFlag string

const (
	// Hard-cap flags annotate blocked attempts.
	FlagDailyCountCap GuardrailFlag = "daily_count_cap"
	FlagDailyTotalCap GuardrailFlag = "daily_total_cap"

	// Advisory flags annotate admitted attempts.
	FlagDailyCountSoftCap GuardrailFlag = "daily_count_soft_cap"
	FlagDailyTotalSoftCap GuardrailFlag = "daily_total_soft_cap"
	FlagBurstEarn         GuardrailFlag = "burst_earn"
	FlagDuplicateReason   GuardrailFlag = "duplicate_reason"
)

// GuardrailState tracks one user's daily earn counters. One row per user,
// lazily created. Counters reset exactly once per UTC calendar day.
type GuardrailState struct {
	UserID         string    `json:"user_id"`
	DailyEarnCount int64     `json:"daily_earn_count"`
	DailyEarnTotal int64     `json:"daily_earn_total"`
	LastEarnAt     time.Time `json:"last_earn_at"`
	AnomalyFlags   string    `json:"anomaly_flags"` // JSON array of GuardrailFlag
	ResetAt        time.Time `json:"reset_at"`      // start of the current UTC day window
	UpdatedAt      time.Time `json:"updated_at"`
}

// DayWindowUTC returns the start of the UTC calendar day containing t.
// The guardrail day boundary is UTC midnight, everywhere.
func DayWindowUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ─── Legacy Sync Status ─────────────────────────────────────────────────────

// LegacySyncStatus records the health of the ledger→legacy balance mirror
// for one user. Upserted after every mirror attempt, success or failure.
type LegacySyncStatus struct {
	UserID      string    `json:"user_id"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
