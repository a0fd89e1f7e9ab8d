package ring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fablehq/fable/internal/infra/observability"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Reconciliation Bridge ──────────────────────────────────────────────────
// While issuance is live, legacy ring_balance becomes a non-authoritative
// mirror so unmigrated readers keep seeing plausible numbers. Mirroring is
// best-effort: a failed mirror NEVER fails or rolls back the ledger write.
// Failures land in legacy_sync_status and the background sweep retries them.

// Bridge mirrors canonical ledger balances into the legacy store.
type Bridge struct {
	db     *sqlite.DB
	log    *zap.Logger
	tracer *observability.Tracer // set by NewService; nil means no spans

	// wg tracks in-flight async mirrors so Close can drain them.
	wg sync.WaitGroup
}

// NewBridge creates a reconciliation bridge.
func NewBridge(db *sqlite.DB, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{db: db, log: log}
}

// SyncBalance mirrors one user's canonical balance into the legacy store
// and records the attempt's outcome either way.
func (b *Bridge) SyncBalance(userID string) (err error) {
	if b.tracer != nil {
		span := b.tracer.StartSpan(context.Background(), "ring.mirror",
			map[string]string{"user_id": userID})
		defer func() { b.tracer.EndSpan(span, err) }()
	}

	balance, err := b.db.Balance(userID)
	if err == nil {
		err = b.db.SetLegacyBalance(userID, balance)
	}

	now := time.Now().UTC()
	if err != nil {
		observability.SyncAttempts.WithLabelValues("error").Inc()
		if stErr := b.db.UpsertSyncStatus(userID, now, err); stErr != nil {
			b.log.Error("sync status write failed",
				zap.String("user_id", userID), zap.Error(stErr))
		}
		b.log.Warn("legacy mirror sync failed",
			zap.String("user_id", userID), zap.Error(err))
		return err
	}

	observability.SyncAttempts.WithLabelValues("ok").Inc()
	if stErr := b.db.UpsertSyncStatus(userID, now, nil); stErr != nil {
		b.log.Error("sync status write failed",
			zap.String("user_id", userID), zap.Error(stErr))
	}
	return nil
}

// SyncAsync mirrors off the caller's request path. Errors are swallowed
// here: they are already recorded in sync status for the sweep.
func (b *Bridge) SyncAsync(userID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.SyncBalance(userID)
	}()
}

// Wait blocks until all in-flight async mirrors finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// ─── Background Sweep ───────────────────────────────────────────────────────

// SweeperConfig holds the sweep cadence and batch size.
type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	PendingTTL time.Duration // shadow rewards older than this expire; zero disables
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   5 * time.Minute,
		BatchSize:  100,
		PendingTTL: 30 * 24 * time.Hour,
	}
}

// Sweeper periodically repairs stale legacy mirrors and expires pending
// rewards that were never promoted.
type Sweeper struct {
	cfg    SweeperConfig
	db     *sqlite.DB
	bridge *Bridge
	log    *zap.Logger

	now func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig, db *sqlite.DB, bridge *Bridge, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &Sweeper{cfg: cfg, db: db, bridge: bridge, log: log, now: time.Now}
}

// Run loops until the context is cancelled. One sweep fires immediately so
// a restart repairs backlog without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass: retry stale mirrors, then expire old pending rewards.
func (s *Sweeper) Sweep() {
	observability.SweepRuns.Inc()

	users, err := s.db.ListSyncCandidates(s.cfg.BatchSize)
	if err != nil {
		s.log.Error("sweep candidate listing failed", zap.Error(err))
		return
	}
	observability.SweepBacklog.Set(float64(len(users)))

	repaired := 0
	for _, u := range users {
		if err := s.bridge.SyncBalance(u); err == nil {
			repaired++
		}
	}

	var expired int64
	if s.cfg.PendingTTL > 0 {
		cutoff := s.now().UTC().Add(-s.cfg.PendingTTL)
		expired, err = s.db.ExpirePendingBefore(cutoff)
		if err != nil {
			s.log.Error("pending expiry failed", zap.Error(err))
		} else if expired > 0 {
			observability.PendingExpired.Add(float64(expired))
		}
	}

	if len(users) > 0 || expired > 0 {
		s.log.Info("reconciliation sweep",
			zap.Int("candidates", len(users)),
			zap.Int("repaired", repaired),
			zap.Int64("pending_expired", expired))
	}
}
