package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/anchorer"
	"github.com/jmerrifield20/ledgeranchor/internal/auth"
	"github.com/jmerrifield20/ledgeranchor/internal/handler"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
	"github.com/jmerrifield20/ledgeranchor/internal/tsa"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubRecorder struct {
	ready bool
	err   error
}

func (s *stubRecorder) CanRecordAnchor(context.Context) bool { return s.ready }

func (s *stubRecorder) RecordAnchor(_ context.Context, a anchor.LedgerAnchor) ([]anchor.Proof, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []anchor.Proof{{Position: a.Position, Provider: "stub", Payload: []byte("not a token")}}, nil
}

// ── Setup ────────────────────────────────────────────────────────────────

type fixture struct {
	router *gin.Engine
	ledger *ledger.MemoryLedger
	store  *proofstore.MemoryStore
	tokens *auth.OperatorTokens
}

func setup(t *testing.T, rec anchor.Recorder, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.NewMemory()
	s := proofstore.NewMemory()
	tokens := auth.NewOperatorTokens(secret, time.Hour)
	driver := anchorer.New(l, rec, s, anchorer.Config{}, zap.NewNop())
	operate := auth.RequireOperator(tokens)

	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	r.GET("/metrics", handler.MetricsHandler())
	v1 := r.Group("/api/v1")
	handler.NewLedgerHandler(l, operate, zap.NewNop()).Register(v1)
	handler.NewAnchorHandler(s, l, rec, driver, operate, zap.NewNop()).Register(v1)

	return &fixture{router: r, ledger: l, store: s, tokens: tokens}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ── Ledger ───────────────────────────────────────────────────────────────

func TestLedgerOverview_empty(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")

	w := f.do(t, http.MethodGet, "/api/v1/ledger", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if n := decode(t, w)["transactions"].(float64); n != 0 {
		t.Errorf("expected 0 transactions, got %v", n)
	}
}

func TestLedgerAppendAndGet(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")

	w := f.do(t, http.MethodPost, "/api/v1/ledger/transactions", map[string]any{
		"data":    map[string]string{"op": "insert"},
		"records": []string{"acct/1"},
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/ledger/transactions/0", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if len(resp["store_hash"].(string)) != 64 {
		t.Errorf("store hash not hex-encoded: %v", resp["store_hash"])
	}

	w = f.do(t, http.MethodGet, "/api/v1/ledger/verify", nil, "")
	if decode(t, w)["valid"] != true {
		t.Errorf("expected valid ledger: %s", w.Body.String())
	}
}

func TestLedgerAppend_400(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")
	w := f.do(t, http.MethodPost, "/api/v1/ledger/transactions", map[string]any{"records": []string{"x"}}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestLedgerAppend_401(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "s3cret")

	w := f.do(t, http.MethodPost, "/api/v1/ledger/transactions", map[string]any{"data": 1}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	tok, _ := f.tokens.Issue("ops")
	w = f.do(t, http.MethodPost, "/api/v1/ledger/transactions", map[string]any{"data": 1}, tok)
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201 with operator token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLedgerGetTransaction_errors(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")

	if w := f.do(t, http.MethodGet, "/api/v1/ledger/transactions/abc", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/ledger/transactions/999", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// ── Anchors ──────────────────────────────────────────────────────────────

func TestAnchors_emptyStore(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")

	if w := f.do(t, http.MethodGet, "/api/v1/anchors/latest", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("latest: expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/anchors/3", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("get: expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/anchors/-1", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("get: expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/anchors?limit=0", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("list: expected 400, got %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/v1/anchors", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["outcome"] != string(anchorer.OutcomeEmpty) {
		t.Errorf("trigger on empty ledger: %d %s", w.Code, w.Body.String())
	}
}

func TestAnchors_triggerThenRead(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")
	_, _ = f.ledger.Append(context.Background(), []byte("a"), nil)
	_, _ = f.ledger.Append(context.Background(), []byte("b"), nil)

	w := f.do(t, http.MethodPost, "/api/v1/anchors", nil, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/anchors/latest", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	a := decode(t, w)["anchor"].(map[string]any)
	if a["position"].(float64) != 1 || a["transaction_count"].(float64) != 2 {
		t.Errorf("unexpected anchor: %v", a)
	}

	w = f.do(t, http.MethodGet, "/api/v1/anchors?limit=10", nil, "")
	if n := decode(t, w)["count"].(float64); n != 1 {
		t.Errorf("expected 1 anchor, got %v", n)
	}

	// Nothing new: second trigger does not record.
	w = f.do(t, http.MethodPost, "/api/v1/anchors", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["outcome"] != string(anchorer.OutcomeUnchanged) {
		t.Errorf("second trigger: %d %s", w.Code, w.Body.String())
	}

	// The stub proof is not a timestamp token.
	w = f.do(t, http.MethodGet, "/api/v1/anchors/1/verify", nil, "")
	resp := decode(t, w)
	if resp["ledger_match"] != true || resp["valid"] != false {
		t.Errorf("verify: %s", w.Body.String())
	}
}

func TestAnchors_triggerBackendFailure(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true, err: &anchor.RejectedError{StatusCode: 503, Status: "Service Unavailable"}}, "")
	_, _ = f.ledger.Append(context.Background(), []byte("a"), nil)

	w := f.do(t, http.MethodPost, "/api/v1/anchors", nil, "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := f.store.Latest(context.Background()); err == nil {
		t.Error("failed anchor was stored")
	}
}

func TestRecorderReady(t *testing.T) {
	if w := setup(t, &stubRecorder{ready: true}, "").do(t, http.MethodGet, "/api/v1/recorder/ready", nil, ""); w.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", w.Code)
	}
	if w := setup(t, &stubRecorder{ready: false}, "").do(t, http.MethodGet, "/api/v1/recorder/ready", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: expected 503, got %d", w.Code)
	}
}

func TestVerifyAnchor_timestampToken(t *testing.T) {
	authority, err := tsa.NewEphemeral(1024)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(tsa.NewHandler(authority, zap.NewNop()))
	defer srv.Close()

	rec, err := timestamp.New(srv.URL, "", "party-1")
	if err != nil {
		t.Fatal(err)
	}
	f := setup(t, rec, "")
	_, _ = f.ledger.Append(context.Background(), []byte("a"), nil)

	if w := f.do(t, http.MethodPost, "/api/v1/anchors", nil, ""); w.Code != http.StatusCreated {
		t.Fatalf("trigger: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodGet, "/api/v1/anchors/0/verify", nil, "")
	resp := decode(t, w)
	if resp["valid"] != true {
		t.Fatalf("expected valid anchor: %s", w.Body.String())
	}
	proofs := resp["proofs"].([]any)
	if len(proofs) != 1 || proofs[0].(map[string]any)["signer"] != "ledgeranchor development TSA" {
		t.Errorf("unexpected proof checks: %v", proofs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t, &stubRecorder{ready: true}, "")
	handler.RecordAnchorRun(anchorer.OutcomeRecorded, 2, time.Millisecond)
	handler.RecordReadinessProbe(true)

	w := f.do(t, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("ledgeranchor_anchor_runs_total")) {
		t.Error("anchor run metric not exported")
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(1, 2))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes: %v", codes)
	}
}
