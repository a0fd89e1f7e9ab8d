package ring

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/observability"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Pending Promotion ──────────────────────────────────────────────────────
// Going shadow→live never implicitly issues accumulated pending rewards.
// Promotion is this explicit batch step, and every candidate passes through
// the guardrail again at promotion time — a user who hit their caps since
// the reward was recorded does not get it issued.

// PromotionStats summarizes one promotion batch.
type PromotionStats struct {
	Scanned  int `json:"scanned"`
	Issued   int `json:"issued"`
	Rejected int `json:"rejected"` // blocked by guardrail at promotion time
	Replayed int `json:"replayed"` // already in the ledger under the same key
	Failed   int `json:"failed"`
}

// PromotePending issues up to limit open pending rewards into the ledger.
// Only meaningful in live mode; refuses to run otherwise so a misfired
// admin command cannot issue rings while the ledger is not authoritative.
func (s *Service) PromotePending(ctx context.Context, limit int) (stats *PromotionStats, err error) {
	span := s.tracer.StartSpan(ctx, "ring.promote", nil)
	defer func() { s.tracer.EndSpan(span, err) }()
	ctx = observability.WithTraceID(ctx, span.TraceID)
	ctx = observability.WithSpanID(ctx, span.SpanID)

	if mode := s.Mode(); mode != domain.ModeLive {
		return nil, fmt.Errorf("%w: promotion requires live mode, current mode is %q",
			domain.ErrUnknownIssuanceMode, mode)
	}

	open, err := s.db.ListOpenPending(limit)
	if err != nil {
		return nil, err
	}

	stats = &PromotionStats{Scanned: len(open)}
	for _, pr := range open {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.promoteOne(ctx, pr, stats); err != nil {
			stats.Failed++
			s.log.Error("pending promotion failed",
				zap.Int64("pending_id", pr.ID),
				zap.String("user_id", pr.UserID),
				zap.Error(err))
		}
	}

	s.log.Info("pending promotion batch",
		zap.Int("scanned", stats.Scanned),
		zap.Int("issued", stats.Issued),
		zap.Int("rejected", stats.Rejected),
		zap.Int("replayed", stats.Replayed),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

func (s *Service) promoteOne(ctx context.Context, pr domain.PendingReward, stats *PromotionStats) error {
	decision, err := s.eval.CheckEarn(pr.UserID, pr.Amount, pr.ReasonCode)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		stats.Rejected++
		// Rejected rewards expire rather than staying promotable forever.
		return s.db.MarkPendingStatus(pr.ID, domain.PendingExpired)
	}

	// Reuse the reward's original request key so a duplicate promotion, or a
	// live earn that already carried the same key, replays instead of
	// double-issuing. Keyless rewards get a synthetic key bound to the row.
	requestID := pr.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("pending-%d", pr.ID)
	}

	res, err := s.db.Append(ctx, sqlite.AppendRequest{
		UserID:     pr.UserID,
		DraftID:    pr.DraftID,
		RequestID:  requestID,
		ReceiptID:  uuid.NewString(),
		EventType:  domain.EventEarn,
		ReasonCode: pr.ReasonCode,
		Amount:     pr.Amount,
		Metadata:   pr.Metadata,
		Guardrail:  s.eval.Record(decision.Flags),
	})
	if err != nil {
		return err
	}

	if res.Replayed {
		stats.Replayed++
	} else {
		stats.Issued++
		observability.PendingPromoted.Inc()
		s.afterAppend(res)
	}
	return s.db.MarkPendingStatus(pr.ID, domain.PendingIssued)
}
