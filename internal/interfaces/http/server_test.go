package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/app"
	"tradegate/internal/config"
)

type response struct {
	OK    bool                   `json:"ok"`
	Data  map[string]interface{} `json:"data"`
	Error *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	} `json:"error"`
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewServer(a)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec, resp
}

func acceptConsent(t *testing.T, s *Server, tier string) {
	t.Helper()
	rec, resp := doJSON(t, s, http.MethodPost, "/v1/consent/"+tier, map[string]bool{"accept": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
}

func swapBody() map[string]interface{} {
	return map[string]interface{}{
		"kind": "swap",
		"swap": map[string]interface{}{
			"chain":      "base",
			"from_token": "USDC",
			"to_token":   "WETH",
			"amount":     10,
		},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec, resp := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, "ok", resp.Data["status"])
	assert.Equal(t, "auto", resp.Data["mode"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestExecuteRequiresConsent(t *testing.T) {
	s := newTestServer(t, nil)
	rec, resp := doJSON(t, s, http.MethodPost, "/v1/execute", swapBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "consent_required", resp.Error.Code)
}

func TestConsentFlowThenExecute(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := doJSON(t, s, http.MethodGet, "/v1/consent/basic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp.Data["accepted"])

	acceptConsent(t, s, "basic")

	rec, resp = doJSON(t, s, http.MethodPost, "/v1/execute", swapBody())
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
	assert.Equal(t, false, resp.Data["needs_confirmation"])
	venue, ok := resp.Data["venue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "filled", venue["status"])
}

func TestExecuteRejectsAmbiguousBody(t *testing.T) {
	s := newTestServer(t, nil)
	acceptConsent(t, s, "basic")

	body := swapBody()
	body["transfer_native"] = map[string]interface{}{"chain": "base", "to_address": "0x1", "amount": 1}
	rec, resp := doJSON(t, s, http.MethodPost, "/v1/execute", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_request", resp.Error.Code)
}

func TestPolicyDenialStatus(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Policy.AllowChains = []string{"ethereum"}
	})
	acceptConsent(t, s, "basic")

	rec, resp := doJSON(t, s, http.MethodPost, "/v1/execute", swapBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "chain_not_allowed", resp.Error.Code)
	assert.NotNil(t, resp.Error.Data["allowed"])
}

func TestApproveEachLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Approval.Mode = "approve_each"
	})
	acceptConsent(t, s, "basic")

	rec, resp := doJSON(t, s, http.MethodPost, "/v1/execute", swapBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp.Data["needs_confirmation"])
	requestID, _ := resp.Data["request_id"].(string)
	token, _ := resp.Data["confirm_token"].(string)
	require.NotEmpty(t, requestID)
	require.NotEmpty(t, token)

	rec, resp = doJSON(t, s, http.MethodGet, "/v1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending, ok := resp.Data["pending"].([]interface{})
	require.True(t, ok)
	assert.Len(t, pending, 1)

	rec, resp = doJSON(t, s, http.MethodPost,
		fmt.Sprintf("/v1/executions/%s/confirm", requestID),
		map[string]string{"confirm_token": token})
	require.Equal(t, http.StatusOK, rec.Code)
	venue, ok := resp.Data["venue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "filled", venue["status"])

	// Replay is a conflict, not a second execution.
	rec, resp = doJSON(t, s, http.MethodPost,
		fmt.Sprintf("/v1/executions/%s/confirm", requestID),
		map[string]string{"confirm_token": token})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "execution_already_finalized", resp.Error.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Approval.Mode = "approve_each"
	})
	acceptConsent(t, s, "basic")

	_, resp := doJSON(t, s, http.MethodPost, "/v1/execute", swapBody())
	requestID, _ := resp.Data["request_id"].(string)
	require.NotEmpty(t, requestID)

	rec, resp := doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/executions/%s/cancel", requestID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", resp.Data["status"])
}

func TestOverridesEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := doJSON(t, s, http.MethodPut, "/v1/policy/overrides",
		map[string]interface{}{"overrides": map[string]float64{"MAX_TRADE_AMOUNT": 500}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "advanced_consent_required", resp.Error.Code)

	acceptConsent(t, s, "advanced")

	rec, resp = doJSON(t, s, http.MethodPut, "/v1/policy/overrides",
		map[string]interface{}{"overrides": map[string]float64{"MAX_TRADE_AMOUNT": 500}})
	require.Equal(t, http.StatusOK, rec.Code)
	overrides, ok := resp.Data["overrides"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 500.0, overrides["MAX_TRADE_AMOUNT"])
	assert.Equal(t, true, resp.Data["active"])
}

func TestProfileEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := doJSON(t, s, http.MethodPost, "/v1/policy/profile", map[string]string{"name": "balanced"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "balanced", resp.Data["profile"])

	// Aggressive needs advanced consent.
	rec, resp = doJSON(t, s, http.MethodPost, "/v1/policy/profile", map[string]string{"name": "aggressive"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "advanced_consent_required", resp.Error.Code)

	rec, resp = doJSON(t, s, http.MethodPost, "/v1/policy/profile", map[string]string{"name": "unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetModeEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodPut, "/v1/approval/mode", map[string]string{"mode": "approve_each"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := doJSON(t, s, http.MethodPut, "/v1/approval/mode", map[string]string{"mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_request", resp.Error.Code)
}

func TestTickerUnavailable(t *testing.T) {
	s := newTestServer(t, nil)
	rec, resp := doJSON(t, s, http.MethodGet, "/v1/marketdata/ticker/BTC-USD", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "marketdata_not_acceptable", resp.Error.Code)
}

func TestMarketDataStatus(t *testing.T) {
	s := newTestServer(t, nil)
	rec, resp := doJSON(t, s, http.MethodGet, "/v1/marketdata/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp.Data["fail_closed"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
