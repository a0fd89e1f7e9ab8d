// Package ring implements the ring token economy: issuance routing across
// the off/shadow/live migration modes, the anti-gaming guardrail, balance
// projection, and the legacy-store reconciliation bridge.
//
// The append-only ledger itself lives in internal/infra/sqlite; this package
// owns the business rules around it.
package ring

import (
	"sync"

	"github.com/fablehq/fable/internal/domain"
)

// ─── Reason Code Registry ───────────────────────────────────────────────────
// Reason codes are open-ended strings. The registry classifies the ones we
// know about for guardrail policy; unrecognized codes fall into the default
// bucket. Classification fails open, accounting fails closed — an unknown
// code still records correctly, it just gets default policy.

// ReasonPolicy is the guardrail policy attached to one reason code.
type ReasonPolicy struct {
	// Description is shown in the admin console and audit output.
	Description string

	// MaxPerDay caps EARN entries with this reason per UTC day before the
	// duplicate_reason flag is raised. Zero means unlimited.
	MaxPerDay int64
}

// Registry maps reason codes to policies. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[domain.ReasonCode]ReasonPolicy
	fallback ReasonPolicy
}

// NewRegistry creates an empty registry with the given default bucket.
func NewRegistry(fallback ReasonPolicy) *Registry {
	return &Registry{
		policies: make(map[domain.ReasonCode]ReasonPolicy),
		fallback: fallback,
	}
}

// DefaultRegistry returns the registry preloaded with the platform's
// built-in reason codes.
func DefaultRegistry() *Registry {
	r := NewRegistry(ReasonPolicy{Description: "unrecognized reason code"})
	r.Register("post_published", ReasonPolicy{Description: "reward for publishing a post", MaxPerDay: 20})
	r.Register("referral_bonus", ReasonPolicy{Description: "referral program bonus", MaxPerDay: 10})
	r.Register("staking_payout", ReasonPolicy{Description: "staking reward payout", MaxPerDay: 4})
	r.Register("market_sale", ReasonPolicy{Description: "marketplace sale proceeds"})
	r.Register("market_purchase", ReasonPolicy{Description: "marketplace purchase"})
	r.Register("tos_violation", ReasonPolicy{Description: "terms-of-service penalty"})
	r.Register("support_correction", ReasonPolicy{Description: "admin console correction"})
	return r
}

// Register adds or replaces a policy.
func (r *Registry) Register(code domain.ReasonCode, p ReasonPolicy) {
	r.mu.Lock()
	r.policies[code] = p
	r.mu.Unlock()
}

// Lookup returns the policy for a code, and whether it was recognized.
// Unrecognized codes get the default bucket.
func (r *Registry) Lookup(code domain.ReasonCode) (ReasonPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[code]; ok {
		return p, true
	}
	return r.fallback, false
}

// Known returns how many codes are registered.
func (r *Registry) Known() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}
