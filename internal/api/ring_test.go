package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fablehq/fable/internal/app/ring"
	"github.com/fablehq/fable/internal/domain"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

func newTestServer(t *testing.T, mode domain.IssuanceMode) (*httptest.Server, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bridge := ring.NewBridge(db, nil)
	svc := ring.NewService(ring.Config{
		Mode:      mode,
		Guardrail: ring.DefaultGuardrailConfig(),
	}, db, nil, bridge, nil)

	srv := NewServer(&RingAPI{
		Service:   svc,
		Projector: ring.NewProjector(db),
		Bridge:    bridge,
		DB:        db,
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s error: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Code
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEarnAndBalance(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	resp := postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"request_id":  "k1",
		"amount":      150,
		"reason_code": "post_published",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("earn status = %d, want 200", resp.StatusCode)
	}
	var earn ring.EarnResult
	decodeBody(t, resp, &earn)
	if earn.BalanceAfter != 150 || earn.Mode != domain.ModeLive {
		t.Errorf("earn = %+v, want balance 150 live", earn)
	}

	resp, err := http.Get(ts.URL + "/api/ring/balance/u1")
	if err != nil {
		t.Fatal(err)
	}
	var bal struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, resp, &bal)
	if bal.Balance != 150 {
		t.Errorf("balance = %d, want 150", bal.Balance)
	}
}

func TestEarn_ReplaySameKey(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)
	body := map[string]interface{}{
		"user_id":     "u1",
		"request_id":  "K",
		"amount":      100,
		"reason_code": "post_published",
	}

	postJSON(t, ts.URL+"/api/ring/earn", body).Body.Close()
	resp := postJSON(t, ts.URL+"/api/ring/earn", body)

	var earn ring.EarnResult
	decodeBody(t, resp, &earn)
	if !earn.Replayed {
		t.Error("second earn with same request_id should replay")
	}
	if earn.BalanceAfter != 100 {
		t.Errorf("balance = %d, want 100 (no double credit)", earn.BalanceAfter)
	}
}

func TestSpend_InsufficientBalanceCode(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	resp := postJSON(t, ts.URL+"/api/ring/spend", map[string]interface{}{
		"user_id":     "u1",
		"amount":      50,
		"reason_code": "market_purchase",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INSUFFICIENT_BALANCE" {
		t.Errorf("code = %q, want INSUFFICIENT_BALANCE", code)
	}
}

func TestEarn_BadAmountCode(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	resp := postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"amount":      -5,
		"reason_code": "post_published",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_AMOUNT_SIGN" {
		t.Errorf("code = %q, want INVALID_AMOUNT_SIGN", code)
	}
}

func TestSummary_IncludesPending(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeShadow)

	postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"amount":      60,
		"reason_code": "post_published",
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/ring/summary/u1")
	if err != nil {
		t.Fatal(err)
	}
	var sum ring.Summary
	decodeBody(t, resp, &sum)
	if sum.Balance != 0 || sum.PendingTotal != 60 || sum.EffectiveBalance != 60 {
		t.Errorf("summary = %+v, want 0 spendable / 60 pending / 60 effective", sum)
	}
}

func TestLedger_TypeFilter(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	for i, amount := range []int64{100, 50} {
		postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
			"user_id":     "u1",
			"request_id":  fmt.Sprintf("e%d", i),
			"amount":      amount,
			"reason_code": "post_published",
		}).Body.Close()
	}
	postJSON(t, ts.URL+"/api/ring/spend", map[string]interface{}{
		"user_id":     "u1",
		"amount":      30,
		"reason_code": "market_purchase",
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/ring/ledger/u1?type=EARN")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	decodeBody(t, resp, &out)
	if len(out.Entries) != 2 {
		t.Fatalf("EARN entries = %d, want 2", len(out.Entries))
	}
	for _, e := range out.Entries {
		if e.EventType != domain.EventEarn {
			t.Errorf("entry type = %q, want EARN", e.EventType)
		}
	}
}

func TestModeEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeOff)

	resp, err := http.Get(ts.URL + "/api/ring/mode")
	if err != nil {
		t.Fatal(err)
	}
	var mode struct {
		Mode string `json:"mode"`
	}
	decodeBody(t, resp, &mode)
	if mode.Mode != "off" {
		t.Errorf("mode = %q, want off", mode.Mode)
	}

	resp = postJSON(t, ts.URL+"/api/ring/mode", map[string]string{"mode": "shadow"})
	decodeBody(t, resp, &mode)
	if mode.Mode != "shadow" {
		t.Errorf("mode = %q, want shadow", mode.Mode)
	}

	resp = postJSON(t, ts.URL+"/api/ring/mode", map[string]string{"mode": "half-on"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown mode", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPenalty_MayOverdraw(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	resp := postJSON(t, ts.URL+"/api/ring/penalty", map[string]interface{}{
		"user_id":     "u1",
		"amount":      25,
		"reason_code": "tos_violation",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res ring.SpendResult
	decodeBody(t, resp, &res)
	if res.BalanceAfter != -25 {
		t.Errorf("balance = %d, want -25", res.BalanceAfter)
	}
}

func TestPenalty_KeyedRetryAppliesOnce(t *testing.T) {
	ts, db := newTestServer(t, domain.ModeLive)
	body := map[string]interface{}{
		"user_id":     "u1",
		"amount":      25,
		"reason_code": "tos_violation",
		"request_id":  "corr-1",
	}

	postJSON(t, ts.URL+"/api/ring/penalty", body).Body.Close()
	resp := postJSON(t, ts.URL+"/api/ring/penalty", body)

	var res ring.SpendResult
	decodeBody(t, resp, &res)
	if !res.Replayed {
		t.Error("retried penalty with same request_id should replay")
	}
	if b, _ := db.Balance("u1"); b != -25 {
		t.Errorf("balance = %d, want -25 (penalty applied once)", b)
	}
}

func TestDebugSpans(t *testing.T) {
	ts, _ := newTestServer(t, domain.ModeLive)

	postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"request_id":  "k1",
		"amount":      80,
		"reason_code": "post_published",
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/debug/spans")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Count int `json:"count"`
		Spans []struct {
			Operation string `json:"operation"`
		} `json:"spans"`
	}
	decodeBody(t, resp, &out)
	if out.Count == 0 {
		t.Fatal("earn should leave trace spans behind")
	}
	ops := map[string]bool{}
	for _, sp := range out.Spans {
		ops[sp.Operation] = true
	}
	if !ops["ring.earn"] {
		t.Errorf("spans = %v, want ring.earn", ops)
	}
}

func TestPromoteEndpoint(t *testing.T) {
	ts, db := newTestServer(t, domain.ModeShadow)

	postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"request_id":  "k1",
		"amount":      45,
		"reason_code": "post_published",
	}).Body.Close()

	postJSON(t, ts.URL+"/api/ring/mode", map[string]string{"mode": "live"}).Body.Close()
	resp := postJSON(t, ts.URL+"/api/ring/promote", map[string]interface{}{})

	var stats ring.PromotionStats
	decodeBody(t, resp, &stats)
	if stats.Issued != 1 {
		t.Errorf("stats = %+v, want 1 issued", stats)
	}
	if b, _ := db.Balance("u1"); b != 45 {
		t.Errorf("balance = %d, want 45", b)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts, db := newTestServer(t, domain.ModeLive)

	postJSON(t, ts.URL+"/api/ring/earn", map[string]interface{}{
		"user_id":     "u1",
		"amount":      70,
		"reason_code": "post_published",
	}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/ring/reconcile/u1", map[string]interface{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	legacy, _ := db.LegacyBalance("u1")
	if legacy != 70 {
		t.Errorf("mirrored balance = %d, want 70", legacy)
	}
}
