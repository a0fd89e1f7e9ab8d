package ring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEvaluator(t *testing.T, cfg GuardrailConfig) (*Evaluator, *sqlite.DB) {
	t.Helper()
	db := newTestStore(t)
	return NewEvaluator(cfg, db, DefaultRegistry(), nil), db
}

func TestCheckEarn_AllowedWhenUnderCaps(t *testing.T) {
	eval, _ := newTestEvaluator(t, DefaultGuardrailConfig())

	d, err := eval.CheckEarn("u1", 50, "post_published")
	if err != nil {
		t.Fatalf("CheckEarn() error: %v", err)
	}
	if !d.Allowed {
		t.Error("first earn of the day should be allowed")
	}
	if len(d.Flags) != 0 {
		t.Errorf("flags = %v, want none", d.Flags)
	}
}

func TestCheckEarn_HardCountCapBlocks(t *testing.T) {
	cfg := GuardrailConfig{DailyEarnCapCount: 2, DailyEarnCapTotal: 10_000}
	eval, db := newTestEvaluator(t, cfg)

	// Two recorded attempts today fill the cap.
	for i := 0; i < 2; i++ {
		if err := db.RecordEarnAttempt("u1", 10, eval.Record(nil)); err != nil {
			t.Fatalf("RecordEarnAttempt() error: %v", err)
		}
	}

	d, err := eval.CheckEarn("u1", 10, "post_published")
	if err != nil {
		t.Fatalf("CheckEarn() error: %v", err)
	}
	if d.Allowed {
		t.Fatal("third earn should be blocked by the count cap")
	}
	if !hasFlag(d.Flags, domain.FlagDailyCountCap) {
		t.Errorf("flags = %v, want daily_count_cap", d.Flags)
	}
	if hasFlag(d.Flags, domain.FlagDailyCountSoftCap) {
		t.Errorf("flags = %v, hard block must not carry the soft-cap flag", d.Flags)
	}

	// The block leaves a trace in the audit trail, annotated with the
	// hard-cap flag.
	rows, err := db.ListGuardrailAudit("u1", 10)
	if err != nil {
		t.Fatalf("ListGuardrailAudit() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(rows))
	}
	if !strings.Contains(rows[0].Flags, string(domain.FlagDailyCountCap)) {
		t.Errorf("audit flags = %q, want daily_count_cap", rows[0].Flags)
	}
}

func TestCheckEarn_HardTotalCapBlocks(t *testing.T) {
	cfg := GuardrailConfig{DailyEarnCapCount: 100, DailyEarnCapTotal: 100}
	eval, db := newTestEvaluator(t, cfg)

	db.RecordEarnAttempt("u1", 90, eval.Record(nil))

	d, _ := eval.CheckEarn("u1", 20, "post_published")
	if d.Allowed {
		t.Error("earn exceeding the total cap should be blocked")
	}
	if !hasFlag(d.Flags, domain.FlagDailyTotalCap) {
		t.Errorf("flags = %v, want daily_total_cap", d.Flags)
	}

	// A smaller amount still fits.
	d, _ = eval.CheckEarn("u1", 10, "post_published")
	if !d.Allowed {
		t.Error("earn within the total cap should be allowed")
	}
}

func TestCheckEarn_SoftCapsFlagOnly(t *testing.T) {
	cfg := GuardrailConfig{
		DailyEarnCapCount:     100,
		DailyEarnCapTotal:     10_000,
		SoftDailyEarnCapCount: 1,
		SoftDailyEarnCapTotal: 50,
	}
	eval, db := newTestEvaluator(t, cfg)

	db.RecordEarnAttempt("u1", 40, eval.Record(nil))

	d, err := eval.CheckEarn("u1", 30, "post_published")
	if err != nil {
		t.Fatalf("CheckEarn() error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("soft caps must never block")
	}

	want := map[domain.GuardrailFlag]bool{
		domain.FlagDailyCountSoftCap: true,
		domain.FlagDailyTotalSoftCap: true,
	}
	for _, f := range d.Flags {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Errorf("missing flags %v in %v", want, d.Flags)
	}
}

func TestCheckEarn_DayRolloverClearsCounters(t *testing.T) {
	cfg := GuardrailConfig{DailyEarnCapCount: 1, DailyEarnCapTotal: 10_000}
	eval, db := newTestEvaluator(t, cfg)

	d1 := time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC)
	eval.now = func() time.Time { return d1 }
	db.RecordEarnAttempt("u1", 10, eval.Record(nil))

	if d, _ := eval.CheckEarn("u1", 10, "post_published"); d.Allowed {
		t.Fatal("second earn on day one should be blocked")
	}

	// Two seconds later, on the other side of UTC midnight.
	eval.now = func() time.Time { return time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC) }
	if d, _ := eval.CheckEarn("u1", 10, "post_published"); !d.Allowed {
		t.Error("cap should reset at UTC midnight")
	}
}

func TestCheckEarn_BurstFlag(t *testing.T) {
	cfg := GuardrailConfig{
		DailyEarnCapCount: 100,
		DailyEarnCapTotal: 10_000,
		BurstWindow:       2 * time.Second,
	}
	eval, db := newTestEvaluator(t, cfg)

	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	eval.now = func() time.Time { return base }
	db.RecordEarnAttempt("u1", 10, eval.Record(nil))

	// 500ms later: inside the burst window.
	eval.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	d, _ := eval.CheckEarn("u1", 10, "post_published")
	if !d.Allowed {
		t.Fatal("burst is advisory, must not block")
	}
	if !hasFlag(d.Flags, domain.FlagBurstEarn) {
		t.Errorf("flags = %v, want burst_earn", d.Flags)
	}

	// 10s later: outside the window.
	eval.now = func() time.Time { return base.Add(10 * time.Second) }
	d, _ = eval.CheckEarn("u1", 10, "post_published")
	if hasFlag(d.Flags, domain.FlagBurstEarn) {
		t.Errorf("flags = %v, want no burst_earn after the window", d.Flags)
	}
}

func TestCheckEarn_DuplicateReasonFlag(t *testing.T) {
	eval, db := newTestEvaluator(t, GuardrailConfig{DailyEarnCapCount: 100, DailyEarnCapTotal: 100_000})

	reg := NewRegistry(ReasonPolicy{})
	reg.Register("post_published", ReasonPolicy{MaxPerDay: 2})
	eval.registry = reg

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := db.Append(ctx, sqlite.AppendRequest{
			UserID: "u1", EventType: domain.EventEarn,
			ReasonCode: "post_published", Amount: 10,
		})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	d, err := eval.CheckEarn("u1", 10, "post_published")
	if err != nil {
		t.Fatalf("CheckEarn() error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("duplicate reason is advisory, must not block")
	}
	if !hasFlag(d.Flags, domain.FlagDuplicateReason) {
		t.Errorf("flags = %v, want duplicate_reason", d.Flags)
	}

	// A different reason under the same count is clean.
	d, _ = eval.CheckEarn("u1", 10, "referral_bonus")
	if hasFlag(d.Flags, domain.FlagDuplicateReason) {
		t.Errorf("flags = %v, want no duplicate_reason for a fresh reason", d.Flags)
	}
}

func TestBlockedError_MapsToEarnBlocked(t *testing.T) {
	err := BlockedError(Decision{Flags: []domain.GuardrailFlag{domain.FlagDailyCountCap}})
	if !errors.Is(err, domain.ErrEarnBlocked) {
		t.Errorf("error = %v, want ErrEarnBlocked", err)
	}
	if domain.ErrorCode(err) != "EARN_BLOCKED_GUARDRAIL" {
		t.Errorf("code = %q, want EARN_BLOCKED_GUARDRAIL", domain.ErrorCode(err))
	}
}

func TestRegistry_FallbackBucket(t *testing.T) {
	reg := DefaultRegistry()

	if _, ok := reg.Lookup("post_published"); !ok {
		t.Error("post_published should be recognized")
	}
	p, ok := reg.Lookup("never_heard_of_it")
	if ok {
		t.Error("unknown code should not be recognized")
	}
	if p.MaxPerDay != 0 {
		t.Errorf("fallback MaxPerDay = %d, want 0 (unlimited)", p.MaxPerDay)
	}
}

func hasFlag(flags []domain.GuardrailFlag, want domain.GuardrailFlag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
