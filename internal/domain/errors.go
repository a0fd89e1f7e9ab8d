package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Each carries a
// stable machine-readable code so callers can translate to domain-facing
// messages without losing programmatic handling.

var (
	// Validation — rejected synchronously, nothing recorded.
	ErrInvalidAmountSign = errors.New("amount sign does not match event type")
	ErrInvalidReasonCode = errors.New("malformed reason code")

	// Guardrail — terminal for the request, no ledger entry appended.
	ErrEarnBlocked = errors.New("earn blocked by guardrail")

	// Spend — rejected, nothing appended.
	ErrInsufficientBalance = errors.New("insufficient ring balance")

	// Mode mismatch — legacy direct-mutation path used while live.
	ErrLegacyRingWriteBlocked = errors.New("legacy ring balance write blocked in live mode")

	// Storage — retryable; never silently swallowed.
	ErrConcurrentConflict = errors.New("concurrent balance conflict retry budget exceeded")
	ErrStoreUnavailable   = errors.New("ledger store unavailable")

	// Configuration
	ErrUnknownIssuanceMode = errors.New("unknown issuance mode")
)

// ErrorCode maps an error to its stable wire code. Unrecognized errors map
// to INTERNAL so callers always get *some* code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmountSign):
		return "INVALID_AMOUNT_SIGN"
	case errors.Is(err, ErrInvalidReasonCode):
		return "INVALID_REASON_CODE"
	case errors.Is(err, ErrEarnBlocked):
		return "EARN_BLOCKED_GUARDRAIL"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrLegacyRingWriteBlocked):
		return "LEGACY_RING_WRITE_BLOCKED"
	case errors.Is(err, ErrConcurrentConflict):
		return "CONCURRENT_CONFLICT_EXHAUSTED"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrUnknownIssuanceMode):
		return "UNKNOWN_ISSUANCE_MODE"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether the caller should retry with the SAME
// idempotency key. A timeout on append is "unknown", not "failed" — the
// original attempt may have committed, so a fresh key risks double issuance.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentConflict) || errors.Is(err, ErrStoreUnavailable)
}
