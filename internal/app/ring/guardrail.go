package ring

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/observability"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Guardrail Evaluator ────────────────────────────────────────────────────
// Consulted before EARN entries are admitted in live mode, and again when
// shadow rewards are promoted. Hard caps block; soft caps and anomaly
// detectors only flag. Flags are advisory annotations — they never
// retroactively reverse an appended entry.

// GuardrailConfig holds the daily caps and anomaly thresholds.
type GuardrailConfig struct {
	// Hard caps: exceeding these blocks the earn.
	DailyEarnCapCount int64
	DailyEarnCapTotal int64

	// Soft caps: exceeding these only flags for review. Zero disables.
	SoftDailyEarnCapCount int64
	SoftDailyEarnCapTotal int64

	// BurstWindow flags a second earn arriving within this interval of the
	// previous one. Zero disables burst detection.
	BurstWindow time.Duration
}

// DefaultGuardrailConfig returns production defaults.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		DailyEarnCapCount:     100,
		DailyEarnCapTotal:     5_000,
		SoftDailyEarnCapCount: 50,
		SoftDailyEarnCapTotal: 2_500,
		BurstWindow:           2 * time.Second,
	}
}

// Decision is the outcome of one guardrail check.
type Decision struct {
	Allowed bool
	Flags   []domain.GuardrailFlag
}

// Evaluator applies guardrail policy against persisted per-user state.
type Evaluator struct {
	cfg      GuardrailConfig
	db       *sqlite.DB
	registry *Registry
	log      *zap.Logger

	// Injectable clock for day-boundary tests.
	now func() time.Time
}

// NewEvaluator creates a guardrail evaluator.
func NewEvaluator(cfg GuardrailConfig, db *sqlite.DB, registry *Registry, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Evaluator{cfg: cfg, db: db, registry: registry, log: log, now: time.Now}
}

// CheckEarn evaluates one earn attempt. It does NOT record counters — the
// caller commits them alongside the ledger append so the two cannot
// diverge. Blocked attempts are written to the guardrail audit trail here,
// since no ledger entry will exist for them.
func (e *Evaluator) CheckEarn(userID string, amount int64, reason domain.ReasonCode) (Decision, error) {
	now := e.now().UTC()
	dayStart := domain.DayWindowUTC(now)

	gs, err := e.db.GuardrailState(userID)
	if err != nil {
		return Decision{}, err
	}

	// Counters from a previous UTC day are stale; treat them as zero. The
	// store overwrites them on the next recorded attempt.
	count, total := gs.DailyEarnCount, gs.DailyEarnTotal
	if gs.ResetAt.Before(dayStart) {
		count, total = 0, 0
	}

	var flags []domain.GuardrailFlag

	// Hard caps block.
	blocked := false
	if e.cfg.DailyEarnCapCount > 0 && count+1 > e.cfg.DailyEarnCapCount {
		blocked = true
		flags = append(flags, domain.FlagDailyCountCap)
	}
	if e.cfg.DailyEarnCapTotal > 0 && total+amount > e.cfg.DailyEarnCapTotal {
		blocked = true
		flags = append(flags, domain.FlagDailyTotalCap)
	}

	// Soft caps flag only.
	if !blocked {
		if e.cfg.SoftDailyEarnCapCount > 0 && count+1 > e.cfg.SoftDailyEarnCapCount {
			flags = append(flags, domain.FlagDailyCountSoftCap)
		}
		if e.cfg.SoftDailyEarnCapTotal > 0 && total+amount > e.cfg.SoftDailyEarnCapTotal {
			flags = append(flags, domain.FlagDailyTotalSoftCap)
		}
	}

	// Burst detection: compares raw timestamps, day boundary irrelevant.
	if e.cfg.BurstWindow > 0 && !gs.LastEarnAt.IsZero() && now.Sub(gs.LastEarnAt) < e.cfg.BurstWindow {
		flags = append(flags, domain.FlagBurstEarn)
	}

	// Duplicate-reason spam: per-reason daily ceiling from the registry.
	if policy, _ := e.registry.Lookup(reason); policy.MaxPerDay > 0 {
		n, err := e.db.CountEarnsWithReason(userID, reason, dayStart)
		if err != nil {
			return Decision{}, err
		}
		if n >= policy.MaxPerDay {
			flags = append(flags, domain.FlagDuplicateReason)
		}
	}

	if blocked {
		if err := e.db.InsertGuardrailAudit(userID, reason, amount, flags, now); err != nil {
			// The block decision stands even if the audit write fails.
			e.log.Warn("guardrail audit write failed",
				zap.String("user_id", userID), zap.Error(err))
		}
		for _, f := range flags {
			observability.GuardrailBlocks.WithLabelValues(string(f)).Inc()
		}
		e.log.Info("earn blocked by guardrail",
			zap.String("user_id", userID),
			zap.String("reason_code", string(reason)),
			zap.Int64("amount", amount),
			zap.Any("flags", flags))
		return Decision{Allowed: false, Flags: flags}, nil
	}

	for _, f := range flags {
		observability.GuardrailFlagsRaised.WithLabelValues(string(f)).Inc()
	}
	return Decision{Allowed: true, Flags: flags}, nil
}

// Record builds the counter update the caller commits with the append.
func (e *Evaluator) Record(flags []domain.GuardrailFlag) *sqlite.GuardrailRecord {
	now := e.now().UTC()
	return &sqlite.GuardrailRecord{
		Flags:    flags,
		At:       now,
		DayStart: domain.DayWindowUTC(now),
	}
}

// BlockedError wraps a blocked decision into the guardrail sentinel.
func BlockedError(d Decision) error {
	return fmt.Errorf("%w: flags %v", domain.ErrEarnBlocked, d.Flags)
}
