package domain

import (
	"errors"
	"testing"
	"time"
)

// ─── Amount Sign Tests ──────────────────────────────────────────────────────

func TestValidateAmountSign(t *testing.T) {
	tests := []struct {
		name    string
		et      EventType
		amount  int64
		wantErr bool
	}{
		{"earn positive", EventEarn, 50, false},
		{"earn zero", EventEarn, 0, true},
		{"earn negative", EventEarn, -50, true},
		{"spend negative", EventSpend, -100, false},
		{"spend positive", EventSpend, 100, true},
		{"spend zero", EventSpend, 0, true},
		{"penalty negative", EventPenalty, -25, false},
		{"penalty positive", EventPenalty, 25, true},
		{"adjustment positive", EventAdjustment, 10, false},
		{"adjustment negative", EventAdjustment, -10, false},
		{"adjustment zero", EventAdjustment, 0, true},
		{"unknown type", EventType("TRANSFER"), 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmountSign(tt.et, tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmountSign(%s, %d) error = %v, wantErr %v", tt.et, tt.amount, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAmountSign) {
				t.Errorf("error should wrap ErrInvalidAmountSign, got %v", err)
			}
		})
	}
}

// ─── Issuance Mode Tests ────────────────────────────────────────────────────

func TestParseIssuanceMode(t *testing.T) {
	for _, valid := range []string{"off", "shadow", "live"} {
		mode, err := ParseIssuanceMode(valid)
		if err != nil {
			t.Errorf("ParseIssuanceMode(%q) error: %v", valid, err)
		}
		if string(mode) != valid {
			t.Errorf("ParseIssuanceMode(%q) = %q", valid, mode)
		}
	}

	for _, invalid := range []string{"", "OFF", "dry-run", "live "} {
		if _, err := ParseIssuanceMode(invalid); !errors.Is(err, ErrUnknownIssuanceMode) {
			t.Errorf("ParseIssuanceMode(%q) should fail with ErrUnknownIssuanceMode, got %v", invalid, err)
		}
	}
}

// ─── Reason Code Tests ──────────────────────────────────────────────────────

func TestReasonCode_Validate(t *testing.T) {
	tests := []struct {
		code    ReasonCode
		wantErr bool
	}{
		{"post_published", false},
		{"market_purchase", false},
		{"staking.payout", false},
		{"referral_bonus_2", false},
		{"", true},
		{"Post-Published", true},
		{"has space", true},
		{ReasonCode(make([]byte, MaxReasonCodeLen+1)), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := tt.code.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidReasonCode) {
				t.Errorf("error should wrap ErrInvalidReasonCode, got %v", err)
			}
		})
	}
}

// ─── UTC Day Window Tests ───────────────────────────────────────────────────

func TestDayWindowUTC(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "midday",
			in:   time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC),
			want: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "one second before midnight",
			in:   time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC),
			want: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "one second after midnight",
			in:   time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC),
			want: time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC zone normalized",
			in:   time.Date(2025, 6, 15, 22, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)),
			want: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DayWindowUTC(tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("DayWindowUTC(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// ─── Error Code Tests ───────────────────────────────────────────────────────

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidAmountSign, "INVALID_AMOUNT_SIGN"},
		{ErrInvalidReasonCode, "INVALID_REASON_CODE"},
		{ErrEarnBlocked, "EARN_BLOCKED_GUARDRAIL"},
		{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
		{ErrLegacyRingWriteBlocked, "LEGACY_RING_WRITE_BLOCKED"},
		{ErrConcurrentConflict, "CONCURRENT_CONFLICT_EXHAUSTED"},
		{ErrStoreUnavailable, "STORE_UNAVAILABLE"},
		{errors.New("something else"), "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorCode_Wrapped(t *testing.T) {
	wrapped := ValidateAmountSign(EventEarn, -1)
	if got := ErrorCode(wrapped); got != "INVALID_AMOUNT_SIGN" {
		t.Errorf("ErrorCode(wrapped) = %q, want INVALID_AMOUNT_SIGN", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrConcurrentConflict) {
		t.Error("ErrConcurrentConflict should be retryable")
	}
	if !Retryable(ErrStoreUnavailable) {
		t.Error("ErrStoreUnavailable should be retryable")
	}
	if Retryable(ErrEarnBlocked) {
		t.Error("guardrail rejection must not be retried internally")
	}
	if Retryable(ErrInsufficientBalance) {
		t.Error("insufficient balance must not be retried")
	}
}
