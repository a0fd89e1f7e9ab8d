package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fablehq/fable/internal/app/ring"
	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/observability"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

// ─── Ring API ───────────────────────────────────────────────────────────────
// REST surface over the ring ledger.
//
// POST /api/ring/earn                — issue a reward (mode-routed)
// POST /api/ring/spend               — deduct from the spendable balance
// GET  /api/ring/balance/{userID}    — O(1) balance read
// GET  /api/ring/summary/{userID}    — balance + pending + recent entries
// GET  /api/ring/ledger/{userID}     — entry history, ?type= and ?limit=
// GET  /api/ring/guardrail/{userID}  — counters + blocked-earn audit trail
// GET  /api/ring/mode                — current issuance mode
// POST /api/ring/mode                — switch issuance mode (admin)
// POST /api/ring/penalty             — administrative deduction (admin)
// POST /api/ring/adjust              — signed correction (admin)
// POST /api/ring/promote             — issue open pending rewards (admin)
// POST /api/ring/reconcile/{userID}  — force one legacy mirror sync (admin)
// GET  /debug/spans                  — recent trace spans

// RingAPI holds the services the ring endpoints call into.
type RingAPI struct {
	Service   *ring.Service
	Projector *ring.Projector
	Bridge    *ring.Bridge
	DB        *sqlite.DB
}

// HandleSpans returns recent trace spans, newest last.
// GET /debug/spans?limit=100
func (a *RingAPI) HandleSpans(w http.ResponseWriter, r *http.Request) {
	spans := a.Service.Tracer().Spans(queryLimit(r, 100))
	if spans == nil {
		spans = []observability.Span{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(spans),
		"spans": spans,
	})
}

type earnBody struct {
	UserID     string `json:"user_id"`
	DraftID    string `json:"draft_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Amount     int64  `json:"amount"`
	ReasonCode string `json:"reason_code"`
	Metadata   string `json:"metadata,omitempty"`
}

// HandleEarn issues a reward under the active issuance mode.
// POST /api/ring/earn
func (a *RingAPI) HandleEarn(w http.ResponseWriter, r *http.Request) {
	var body earnBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}

	res, err := a.Service.Earn(r.Context(), ring.EarnRequest{
		UserID:     body.UserID,
		DraftID:    body.DraftID,
		RequestID:  body.RequestID,
		Amount:     body.Amount,
		ReasonCode: domain.ReasonCode(body.ReasonCode),
		Metadata:   body.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type spendBody struct {
	UserID     string `json:"user_id"`
	RequestID  string `json:"request_id,omitempty"`
	Amount     int64  `json:"amount"`
	ReasonCode string `json:"reason_code"`
	Metadata   string `json:"metadata,omitempty"`
}

// HandleSpend deducts from the balance that gates access under the active mode.
// POST /api/ring/spend
func (a *RingAPI) HandleSpend(w http.ResponseWriter, r *http.Request) {
	var body spendBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}

	res, err := a.Service.Spend(r.Context(), ring.SpendRequest{
		UserID:     body.UserID,
		RequestID:  body.RequestID,
		Amount:     body.Amount,
		ReasonCode: domain.ReasonCode(body.ReasonCode),
		Metadata:   body.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleBalance returns the spendable balance.
// GET /api/ring/balance/{userID}
func (a *RingAPI) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := a.Projector.Balance(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// HandleSummary returns the account view.
// GET /api/ring/summary/{userID}
func (a *RingAPI) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sum, err := a.Projector.Summary(userID, queryLimit(r, 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleLedger returns entry history, optionally filtered by event type.
// GET /api/ring/ledger/{userID}?type=EARN&limit=50
func (a *RingAPI) HandleLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	et := domain.EventType(r.URL.Query().Get("type"))

	entries, err := a.Projector.History(userID, et, queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

// HandleGuardrail returns guardrail counters plus the blocked-earn audit.
// GET /api/ring/guardrail/{userID}
func (a *RingAPI) HandleGuardrail(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	state, err := a.DB.GuardrailState(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audit, err := a.DB.ListGuardrailAudit(userID, queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
		"audit": audit,
	})
}

// HandleGetMode returns the active issuance mode.
// GET /api/ring/mode
func (a *RingAPI) HandleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"mode": string(a.Service.Mode()),
	})
}

// HandleSetMode switches the issuance mode at runtime.
// POST /api/ring/mode
func (a *RingAPI) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if err := a.Service.SetMode(domain.IssuanceMode(body.Mode)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"mode": string(a.Service.Mode()),
	})
}

type correctionBody struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	ReasonCode string `json:"reason_code"`
	RequestID  string `json:"request_id,omitempty"` // idempotency key for retried corrections
	Metadata   string `json:"metadata,omitempty"`
}

// HandlePenalty records an administrative deduction; may overdraw.
// POST /api/ring/penalty
func (a *RingAPI) HandlePenalty(w http.ResponseWriter, r *http.Request) {
	var body correctionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	res, err := a.Service.Penalize(r.Context(), body.UserID, body.Amount,
		domain.ReasonCode(body.ReasonCode), body.RequestID, body.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleAdjust records a signed administrative correction.
// POST /api/ring/adjust
func (a *RingAPI) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	var body correctionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	res, err := a.Service.Adjust(r.Context(), body.UserID, body.Amount,
		domain.ReasonCode(body.ReasonCode), body.RequestID, body.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePromote issues open pending rewards into the ledger.
// POST /api/ring/promote
func (a *RingAPI) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if body.Limit <= 0 {
		body.Limit = 100
	}

	stats, err := a.Service.PromotePending(r.Context(), body.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleReconcile forces one legacy mirror sync.
// POST /api/ring/reconcile/{userID}
func (a *RingAPI) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := a.Bridge.SyncBalance(userID); err != nil {
		writeDomainError(w, err)
		return
	}
	st, _, err := a.DB.SyncStatus(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// queryLimit parses ?limit= with a fallback.
func queryLimit(r *http.Request, fallback int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
