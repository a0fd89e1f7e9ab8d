package ring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/observability"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Issuance Service ───────────────────────────────────────────────────────
// The service owns issuance-mode routing. The mode decides which store an
// operation touches; it never changes an operation's semantics:
//
//	off    — ledger untouched; earns and spends hit the legacy store
//	shadow — earns become pending rewards (no balance change anywhere);
//	         spends still run against the legacy balance
//	live   — everything goes through the ledger; the legacy store becomes
//	         a best-effort mirror
//
// Mode changes take effect for new requests only. In-flight requests finish
// under the mode they started with.

// Config holds the service's runtime settings.
type Config struct {
	Mode      domain.IssuanceMode
	Guardrail GuardrailConfig

	// PendingTTL bounds how long a shadow reward stays promotable.
	PendingTTL time.Duration
}

// EarnRequest is one reward issuance attempt.
type EarnRequest struct {
	UserID     string
	DraftID    string
	RequestID  string // idempotency key; generated when empty
	Amount     int64  // positive
	ReasonCode domain.ReasonCode
	Metadata   string
}

// EarnResult reports what an earn did under the active mode.
type EarnResult struct {
	Mode          domain.IssuanceMode    `json:"mode"`
	IssuedAmount  int64                  `json:"issued_amount"`
	PendingAmount int64                  `json:"pending_amount"`
	BalanceAfter  int64                  `json:"balance_after"`
	ReceiptID     string                 `json:"receipt_id,omitempty"`
	Flags         []domain.GuardrailFlag `json:"flags,omitempty"`
	Replayed      bool                   `json:"replayed"`
}

// SpendRequest is one balance deduction attempt.
type SpendRequest struct {
	UserID     string
	RequestID  string
	Amount     int64 // positive; recorded as a negative entry
	ReasonCode domain.ReasonCode
	Metadata   string
}

// SpendResult reports the outcome of a spend.
type SpendResult struct {
	Mode         domain.IssuanceMode `json:"mode"`
	Amount       int64               `json:"amount"`
	BalanceAfter int64               `json:"balance_after"`
	ReceiptID    string              `json:"receipt_id,omitempty"`
	Replayed     bool                `json:"replayed"`
}

// Service routes earn/spend/correction traffic per the active issuance mode.
type Service struct {
	db       *sqlite.DB
	eval     *Evaluator
	bridge   *Bridge
	registry *Registry
	log      *zap.Logger
	tracer   *observability.Tracer

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

// NewService wires up the issuance service.
func NewService(cfg Config, db *sqlite.DB, eval *Evaluator, bridge *Bridge, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if eval == nil {
		eval = NewEvaluator(cfg.Guardrail, db, nil, log)
	}
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	if bridge != nil {
		bridge.tracer = tracer
	}
	return &Service{
		db:       db,
		eval:     eval,
		bridge:   bridge,
		registry: eval.registry,
		log:      log,
		tracer:   tracer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Tracer exposes the span buffer for the debug endpoints.
func (s *Service) Tracer() *observability.Tracer {
	return s.tracer
}

// Mode returns the active issuance mode.
func (s *Service) Mode() domain.IssuanceMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Mode
}

// SetMode switches the issuance mode at runtime. New requests observe the
// new mode; requests already past this check finish under the old one.
func (s *Service) SetMode(mode domain.IssuanceMode) error {
	if _, err := domain.ParseIssuanceMode(string(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg.Mode
	s.cfg.Mode = mode
	s.mu.Unlock()
	s.log.Info("issuance mode changed",
		zap.String("from", string(old)), zap.String("to", string(mode)))
	return nil
}

// Earn issues a reward, routed by the active mode. Idempotent on
// (UserID, RequestID) in every mode that persists a keyed record.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (res *EarnResult, err error) {
	span := s.tracer.StartSpan(ctx, "ring.earn", map[string]string{
		"user_id":     req.UserID,
		"reason_code": string(req.ReasonCode),
	})
	defer func() { s.tracer.EndSpan(span, err) }()
	ctx = observability.WithTraceID(ctx, span.TraceID)
	ctx = observability.WithSpanID(ctx, span.SpanID)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: EARN amount must be positive, got %d",
			domain.ErrInvalidAmountSign, req.Amount)
	}
	if err := req.ReasonCode.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	mode := s.Mode()

	switch mode {
	case domain.ModeOff:
		return s.earnOff(req)
	case domain.ModeShadow:
		return s.earnShadow(ctx, req)
	case domain.ModeLive:
		return s.earnLive(ctx, req)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownIssuanceMode, mode)
}

// earnOff credits the legacy store directly. The legacy path predates
// request IDs, so no replay detection exists here.
func (s *Service) earnOff(req EarnRequest) (*EarnResult, error) {
	balance, err := s.db.AdjustLegacyBalance(req.UserID, req.Amount)
	if err != nil {
		observability.Earns.WithLabelValues(string(domain.ModeOff), "error").Inc()
		return nil, err
	}
	observability.Earns.WithLabelValues(string(domain.ModeOff), "issued").Inc()
	return &EarnResult{
		Mode:         domain.ModeOff,
		IssuedAmount: req.Amount,
		BalanceAfter: balance,
	}, nil
}

// earnShadow records the would-issue reward without touching any balance.
// Guardrail counters still advance so shadow traffic exercises the caps.
func (s *Service) earnShadow(ctx context.Context, req EarnRequest) (*EarnResult, error) {
	// Replays settle before the guardrail runs. The original attempt may
	// have consumed the last cap slot; a retry of it must get the original
	// outcome back, never a block.
	if pr, found, err := s.db.PendingByRequestID(req.UserID, req.RequestID); err != nil {
		return nil, err
	} else if found {
		observability.Earns.WithLabelValues(string(domain.ModeShadow), "pending").Inc()
		return &EarnResult{
			Mode:          domain.ModeShadow,
			PendingAmount: pr.Amount,
			Replayed:      true,
		}, nil
	}

	decision, err := s.checkEarnTraced(ctx, req.UserID, req.Amount, req.ReasonCode)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		observability.Earns.WithLabelValues(string(domain.ModeShadow), "blocked").Inc()
		return nil, BlockedError(decision)
	}

	pr, replayed, err := s.db.InsertPendingReward(sqlite.PendingRequest{
		UserID:       req.UserID,
		DraftID:      req.DraftID,
		RequestID:    req.RequestID,
		Amount:       req.Amount,
		ReasonCode:   req.ReasonCode,
		Metadata:     req.Metadata,
		WouldIssueAt: s.now().UTC(),
	})
	if err != nil {
		observability.Earns.WithLabelValues(string(domain.ModeShadow), "error").Inc()
		return nil, err
	}
	if !replayed {
		if err := s.db.RecordEarnAttempt(req.UserID, req.Amount, s.eval.Record(decision.Flags)); err != nil {
			s.log.Warn("shadow guardrail counter update failed",
				zap.String("user_id", req.UserID), zap.Error(err))
		}
	}
	observability.Earns.WithLabelValues(string(domain.ModeShadow), "pending").Inc()
	return &EarnResult{
		Mode:          domain.ModeShadow,
		PendingAmount: pr.Amount,
		Flags:         decision.Flags,
		Replayed:      replayed,
	}, nil
}

// earnLive appends to the ledger with the guardrail counters committed in
// the same transaction, then mirrors the new balance best-effort.
func (s *Service) earnLive(ctx context.Context, req EarnRequest) (*EarnResult, error) {
	// Same replay-before-guardrail ordering as earnShadow: a committed key
	// returns its recorded outcome without re-running the caps.
	if entry, found, err := s.db.EntryByRequestID(req.UserID, req.RequestID); err != nil {
		return nil, err
	} else if found {
		observability.Earns.WithLabelValues(string(domain.ModeLive), "issued").Inc()
		return &EarnResult{
			Mode:         domain.ModeLive,
			IssuedAmount: entry.Amount,
			BalanceAfter: entry.BalanceAfter,
			ReceiptID:    entry.ReceiptID,
			Replayed:     true,
		}, nil
	}

	decision, err := s.checkEarnTraced(ctx, req.UserID, req.Amount, req.ReasonCode)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		observability.Earns.WithLabelValues(string(domain.ModeLive), "blocked").Inc()
		return nil, BlockedError(decision)
	}

	res, err := s.appendTraced(ctx, sqlite.AppendRequest{
		UserID:     req.UserID,
		DraftID:    req.DraftID,
		RequestID:  req.RequestID,
		ReceiptID:  uuid.NewString(),
		EventType:  domain.EventEarn,
		ReasonCode: req.ReasonCode,
		Amount:     req.Amount,
		Metadata:   req.Metadata,
		Guardrail:  s.eval.Record(decision.Flags),
	})
	if err != nil {
		observability.Earns.WithLabelValues(string(domain.ModeLive), "error").Inc()
		return nil, err
	}
	s.afterAppend(res)
	observability.Earns.WithLabelValues(string(domain.ModeLive), "issued").Inc()
	return &EarnResult{
		Mode:         domain.ModeLive,
		IssuedAmount: res.Entry.Amount,
		BalanceAfter: res.Entry.BalanceAfter,
		ReceiptID:    res.Entry.ReceiptID,
		Flags:        decision.Flags,
		Replayed:     res.Replayed,
	}, nil
}

// Spend deducts from the balance that currently gates access: the legacy
// store in off and shadow modes, the ledger in live mode.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (res *SpendResult, err error) {
	span := s.tracer.StartSpan(ctx, "ring.spend", map[string]string{
		"user_id":     req.UserID,
		"reason_code": string(req.ReasonCode),
	})
	defer func() { s.tracer.EndSpan(span, err) }()
	ctx = observability.WithTraceID(ctx, span.TraceID)
	ctx = observability.WithSpanID(ctx, span.SpanID)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: spend amount must be positive, got %d",
			domain.ErrInvalidAmountSign, req.Amount)
	}
	if err := req.ReasonCode.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	mode := s.Mode()

	if mode != domain.ModeLive {
		balance, err := s.db.AdjustLegacyBalance(req.UserID, -req.Amount)
		if err != nil {
			observability.Spends.WithLabelValues(string(mode), "error").Inc()
			return nil, err
		}
		observability.Spends.WithLabelValues(string(mode), "ok").Inc()
		return &SpendResult{Mode: mode, Amount: req.Amount, BalanceAfter: balance}, nil
	}

	appended, err := s.appendTraced(ctx, sqlite.AppendRequest{
		UserID:     req.UserID,
		RequestID:  req.RequestID,
		ReceiptID:  uuid.NewString(),
		EventType:  domain.EventSpend,
		ReasonCode: req.ReasonCode,
		Amount:     -req.Amount,
		Metadata:   req.Metadata,
	})
	if err != nil {
		observability.Spends.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}
	s.afterAppend(appended)
	observability.Spends.WithLabelValues(string(mode), "ok").Inc()
	return &SpendResult{
		Mode:         mode,
		Amount:       req.Amount,
		BalanceAfter: appended.Entry.BalanceAfter,
		ReceiptID:    appended.Entry.ReceiptID,
		Replayed:     appended.Replayed,
	}, nil
}

// Penalize records an administrative deduction. Unlike Spend, a penalty may
// take the balance negative: corrections must always be recordable. An
// empty requestID gets a generated key, so only keyed retries replay.
func (s *Service) Penalize(ctx context.Context, userID string, amount int64, reason domain.ReasonCode, requestID, metadata string) (*SpendResult, error) {
	return s.correction(ctx, domain.EventPenalty, userID, -amount, reason, requestID, metadata)
}

// Adjust records a signed administrative correction. Positive credits,
// negative debits; negative adjustments may overdraw.
func (s *Service) Adjust(ctx context.Context, userID string, amount int64, reason domain.ReasonCode, requestID, metadata string) (*SpendResult, error) {
	return s.correction(ctx, domain.EventAdjustment, userID, amount, reason, requestID, metadata)
}

func (s *Service) correction(ctx context.Context, et domain.EventType, userID string, amount int64, reason domain.ReasonCode, requestID, metadata string) (res *SpendResult, err error) {
	span := s.tracer.StartSpan(ctx, "ring.correction", map[string]string{
		"user_id":    userID,
		"event_type": string(et),
	})
	defer func() { s.tracer.EndSpan(span, err) }()
	ctx = observability.WithTraceID(ctx, span.TraceID)
	ctx = observability.WithSpanID(ctx, span.SpanID)

	if err := domain.ValidateAmountSign(et, amount); err != nil {
		return nil, err
	}
	if err := reason.Validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	mode := s.Mode()

	// Corrections follow the store that currently gates access, same as Spend.
	if mode != domain.ModeLive {
		balance, err := s.adjustLegacyUnchecked(userID, amount)
		if err != nil {
			return nil, err
		}
		return &SpendResult{Mode: mode, Amount: amount, BalanceAfter: balance}, nil
	}

	appended, err := s.appendTraced(ctx, sqlite.AppendRequest{
		UserID:     userID,
		RequestID:  requestID,
		ReceiptID:  uuid.NewString(),
		EventType:  et,
		ReasonCode: reason,
		Amount:     amount,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}
	s.afterAppend(appended)
	s.log.Info("correction recorded",
		zap.String("user_id", userID),
		zap.String("event_type", string(et)),
		zap.Int64("amount", amount),
		zap.String("reason_code", string(reason)),
		zap.Bool("replayed", appended.Replayed))
	return &SpendResult{
		Mode:         mode,
		Amount:       amount,
		BalanceAfter: appended.Entry.BalanceAfter,
		ReceiptID:    appended.Entry.ReceiptID,
		Replayed:     appended.Replayed,
	}, nil
}

// adjustLegacyUnchecked applies a correction to the legacy balance without
// the non-negative floor: admin corrections may overdraw there too.
func (s *Service) adjustLegacyUnchecked(userID string, delta int64) (int64, error) {
	current, err := s.db.LegacyBalance(userID)
	if err != nil {
		return 0, err
	}
	if err := s.db.SetLegacyBalance(userID, current+delta); err != nil {
		return 0, err
	}
	return current + delta, nil
}

// LegacyAdjust is the direct legacy-store write path used by code that has
// not migrated yet. Once the ledger is authoritative it is sealed off.
func (s *Service) LegacyAdjust(userID string, delta int64) (int64, error) {
	if s.Mode() == domain.ModeLive {
		return 0, fmt.Errorf("%w: legacy writes are sealed while issuance mode is live",
			domain.ErrLegacyRingWriteBlocked)
	}
	return s.db.AdjustLegacyBalance(userID, delta)
}

// checkEarnTraced runs the guardrail check under its own span.
func (s *Service) checkEarnTraced(ctx context.Context, userID string, amount int64, reason domain.ReasonCode) (Decision, error) {
	span := s.tracer.StartSpan(ctx, "ring.guardrail", map[string]string{"user_id": userID})
	d, err := s.eval.CheckEarn(userID, amount, reason)
	if err == nil && !d.Allowed && span.Attrs != nil {
		span.Attrs["blocked"] = "true"
	}
	s.tracer.EndSpan(span, err)
	return d, err
}

// appendTraced records the ledger append under its own span.
func (s *Service) appendTraced(ctx context.Context, req sqlite.AppendRequest) (*sqlite.AppendResult, error) {
	span := s.tracer.StartSpan(ctx, "ring.append", map[string]string{
		"user_id":    req.UserID,
		"event_type": string(req.EventType),
	})
	res, err := s.db.Append(ctx, req)
	s.tracer.EndSpan(span, err)
	return res, err
}

// afterAppend mirrors the new canonical balance best-effort. Failures are
// recorded for the sweep; the append is already durable.
func (s *Service) afterAppend(res *sqlite.AppendResult) {
	if s.bridge == nil || res.Replayed {
		return
	}
	s.bridge.SyncAsync(res.Entry.UserID)
}
