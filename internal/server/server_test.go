package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/server"
	"CDPLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	p       *testutil.Protocol
	handler http.Handler
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := testutil.NewProtocol(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv, err := server.New("127.0.0.1:0", "127.0.0.1:0", server.Deps{
		Core:    p.Protocol,
		Parser:  ingestion.NewParser(p.Config.Params.Units),
		Health:  observability.NewHealthChecker(),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
		Now:     func() int64 { return testutil.T0 + 100 },
	})
	require.NoError(t, err)
	return &harness{p: p, handler: srv.Handler(), metrics: metrics}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func openVaultBody(id string) map[string]any {
	return map[string]any{
		"request_id": id,
		"caller":     "alice",
		"timestamp":  testutil.T0 + 1,
		"kind":       "native",
		"collateral": "3",
		"debt":       "4000",
		"rate_bps":   500,
	}
}

func TestPostCommandThenReadVault(t *testing.T) {
	h := newHarness(t)
	h.p.Native.Fund("alice", testutil.Coll(3))

	code, body := h.do(t, "POST", "/v1/commands/open_vault", openVaultBody("http-1"))
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["sequence"])
	assert.Len(t, body["state_hash"], 64)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "vault_changed", events[0].(map[string]any)["type"])

	code, body = h.do(t, "GET", "/v1/branches/native/vaults/1", nil)
	require.Equal(t, http.StatusOK, code, body)
	v := body["vault"].(map[string]any)
	assert.Equal(t, "alice", v["owner"])
	assert.Equal(t, "3000000000", v["collateral"])
	assert.NotNil(t, body["icr_bps"])

	code, body = h.do(t, "GET", "/v1/head", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["sequence"])

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QueryRequests.WithLabelValues("command", "200")))
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	h.p.Native.Fund("alice", testutil.Coll(6))

	code, _ := h.do(t, "POST", "/v1/commands/open_vault", openVaultBody("dup"))
	require.Equal(t, http.StatusOK, code)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate", "POST", "/v1/commands/open_vault", openVaultBody("dup"), http.StatusConflict},
		{"unknown command", "POST", "/v1/commands/trade_fill", map[string]any{"request_id": "x"}, http.StatusBadRequest},
		{"malformed amount", "POST", "/v1/commands/pool_deposit", map[string]any{"request_id": "x", "amount": "abc"}, http.StatusBadRequest},
		{"undercollateralized", "POST", "/v1/commands/open_vault", map[string]any{
			"request_id": "under", "caller": "alice", "kind": "native", "collateral": "1", "debt": "4000", "rate_bps": 500,
		}, http.StatusUnprocessableEntity},
		{"timestamp far ahead of the server", "POST", "/v1/commands/pool_deposit", map[string]any{
			"request_id": "future", "caller": "alice", "timestamp": testutil.T0 + 100*365*24*3600, "amount": "100",
		}, http.StatusBadRequest},
		{"missing vault", "GET", "/v1/branches/native/vaults/99", nil, http.StatusNotFound},
		{"bad kind", "GET", "/v1/branches/gold", nil, http.StatusBadRequest},
		{"no deposit", "GET", "/v1/pool/deposits/nobody", nil, http.StatusNotFound},
		{"quote needs amount", "GET", "/v1/redemptions/native/quote", nil, http.StatusBadRequest},
		{"no read model", "GET", "/v1/owners/alice/vaults", nil, http.StatusServiceUnavailable},
		{"unknown route", "GET", "/v1/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLiveReads(t *testing.T) {
	h := newHarness(t)
	h.p.Open(t, "alice", 3, 4_000, 0)
	h.p.Open(t, "bob", 5, 4_000, 300)
	h.p.Deposit(t, "bob", 1_000)

	code, body := h.do(t, "GET", "/v1/oracle", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["safe_mode"])

	code, body = h.do(t, "GET", "/v1/branches/native", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["recovery_mode"])

	code, body = h.do(t, "GET", "/v1/pool/deposits/bob", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1000000000000000000000", body["deposit"])

	code, body = h.do(t, "GET", "/v1/redemptions/native/quote?amount=100", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotZero(t, body["fee_bps"])

	code, body = h.do(t, "GET", "/v1/branches/native/candidates", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Empty(t, body["vault_ids"])

	code, _ = h.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestBranchOwnerReadsLiveState(t *testing.T) {
	h := newHarness(t)
	h.p.Open(t, "alice", 3, 4_000, 0)
	h.p.Open(t, "alice", 4, 2_000, 100)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/branches/native/owners/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var vaults []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vaults))
	require.Len(t, vaults, 2)
	for _, v := range vaults {
		assert.Equal(t, "alice", v["owner"])
	}

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/branches/native/owners/nobody", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
