// Package observability provides tracing and Prometheus metrics for the
// ring ledger.
//
// This provides:
//   - Trace spans for the issuance lifecycle (earn → guardrail → append → mirror)
//   - Trace ID propagation via context
//   - Prometheus metrics for ledger, guardrail, and reconciliation activity
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans — Lightweight span tracking without external OTel SDK dependency
// ═══════════════════════════════════════════════════════════════════════════

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// Span represents a unit of work within a trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer provides lightweight in-process tracing. Spans are kept in a ring
// buffer for inspection via the debug endpoints.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span with the given operation name.
// Returns the span (caller must call EndSpan when done).
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}

	return span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}

	// Return most recent spans
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "fable-trace-id"
	spanIDKey  contextKey = "fable-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerEntries tracks appended entries by event type.
var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Total ledger entries appended, by event type.",
}, []string{"event_type"})

// LedgerReplays tracks idempotent replays (duplicate request IDs).
var LedgerReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "ledger",
	Name:      "replays_total",
	Help:      "Total appends resolved as idempotent replays.",
})

// LedgerConflictRetries tracks optimistic-concurrency retries.
var LedgerConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "ledger",
	Name:      "conflict_retries_total",
	Help:      "Total balance version conflicts that triggered a retry.",
})

// LedgerAppendLatency tracks append latency end to end, including retries.
var LedgerAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fable",
	Subsystem: "ledger",
	Name:      "append_latency_ms",
	Help:      "Ledger append latency in milliseconds.",
	Buckets:   []float64{1, 3, 5, 10, 25, 50, 100, 250},
})

// ─── Issuance Metrics ───────────────────────────────────────────────────────

// Earns tracks earn requests by issuance mode and outcome.
var Earns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "issuance",
	Name:      "earns_total",
	Help:      "Total earn requests, by issuance mode and outcome.",
}, []string{"mode", "outcome"})

// Spends tracks spend requests by issuance mode and outcome.
var Spends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "issuance",
	Name:      "spends_total",
	Help:      "Total spend requests, by issuance mode and outcome.",
}, []string{"mode", "outcome"})

// PendingPromoted tracks shadow rewards promoted to real entries.
var PendingPromoted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "issuance",
	Name:      "pending_promoted_total",
	Help:      "Total pending rewards promoted into the ledger.",
})

// PendingExpired tracks shadow rewards expired without issuance.
var PendingExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "issuance",
	Name:      "pending_expired_total",
	Help:      "Total pending rewards expired without issuance.",
})

// ─── Guardrail Metrics ──────────────────────────────────────────────────────

// GuardrailBlocks tracks earns blocked by hard caps, by flag.
var GuardrailBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "guardrail",
	Name:      "blocks_total",
	Help:      "Total earns blocked by guardrail hard caps, by flag.",
}, []string{"flag"})

// GuardrailFlagsRaised tracks advisory flags on admitted earns.
var GuardrailFlagsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "guardrail",
	Name:      "flags_raised_total",
	Help:      "Total advisory guardrail flags raised on admitted earns.",
}, []string{"flag"})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// SyncAttempts tracks ledger→legacy mirror attempts by result.
var SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "reconcile",
	Name:      "sync_attempts_total",
	Help:      "Total legacy mirror sync attempts, by result.",
}, []string{"result"})

// SweepRuns tracks background sweep executions.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fable",
	Subsystem: "reconcile",
	Name:      "sweep_runs_total",
	Help:      "Total background reconciliation sweep runs.",
})

// SweepBacklog tracks how many users the last sweep found stale.
var SweepBacklog = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fable",
	Subsystem: "reconcile",
	Name:      "sweep_backlog",
	Help:      "Stale mirror candidates found by the most recent sweep.",
})
