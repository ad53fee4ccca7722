package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/gasstation/internal/chain/chaintest"
	"github.com/R3E-Network/gasstation/internal/config"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/txn"
	"github.com/R3E-Network/gasstation/services/gasstation"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

const (
	adminToken = "admin-secret"
	receiver   = "0x00000000000000000000000000000000000000cc"
)

type testServer struct {
	station *gasstation.Station
	chain   *chaintest.Chain
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.NumberOfAccounts = 1
	cfg.Pool.MinimumCoinValue = 100
	cfg.Pool.DustThreshold = 10
	cfg.Lease.MaxValuePerLease = 100
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Auth.AdminToken = adminToken
	cfg.Server.CORSOrigins = []string{"https://app.example.com"}
	if mutate != nil {
		mutate(cfg)
	}

	kr, err := keys.NewKeyring(bytes.Repeat([]byte{5}, 32), cfg.Pool.NumberOfAccounts)
	require.NoError(t, err)
	st := store.NewMemory()
	c := chaintest.New(1)
	for _, addr := range kr.Addresses() {
		c.Mint(addr, 1000)
	}

	station, err := gasstation.New(cfg, gasstation.Backends{Store: st, Balances: st, Chain: c, Keys: kr}, logging.NewNop(), nil)
	require.NoError(t, err)
	_, err = station.Pool.Init(context.Background())
	require.NoError(t, err)

	return &testServer{station: station, chain: c, handler: New(station).Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (ts *testServer) token(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/token", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (ts *testServer) deposit(t *testing.T, token string, amount int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/deposit", map[string]interface{}{"token": token, "balance": amount},
		map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) allocate(t *testing.T, token string) allocateResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/allocate-coin", map[string]string{"token": token}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp allocateResponse
	decode(t, rec, &resp)
	return resp
}

func spend(resp allocateResponse, value uint64) *txn.Transaction {
	coin := resp.Coin
	tx := txn.New()
	tx.AddCoinInput(coin.ID, coin.Owner, coin.AssetID, coin.Amount)
	tx.AddCoinOutput(coin.Owner, coin.AssetID, coin.Amount-txn.Amount(value))
	tx.AddCoinOutput(receiver, coin.AssetID, txn.Amount(value-1))
	return tx
}

func (ts *testServer) balance(t *testing.T, token string) int64 {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/balance/"+token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Balance int64 `json:"balance"`
	}
	decode(t, rec, &resp)
	return resp.Balance
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestFullFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t)
	ts.deposit(t, token, 1000)

	lease := ts.allocate(t, token)
	assert.NotEmpty(t, lease.JobID)
	assert.Equal(t, uint64(1000), uint64(lease.Coin.Amount))

	tx := spend(lease, 100)
	rec := ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": tx, "jobId": lease.JobID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sig struct {
		Signature string `json:"signature"`
		TxID      string `json:"txId"`
	}
	decode(t, rec, &sig)
	assert.True(t, strings.HasPrefix(sig.Signature, "0x"))
	assert.Equal(t, int64(900), ts.balance(t, token))

	_, err := ts.chain.Submit(context.Background(), tx)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/jobs/"+lease.JobID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	assert.Equal(t, int64(900), ts.balance(t, token))

	rec = ts.do(t, http.MethodPost, "/jobs/"+lease.JobID+"/complete", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignAcceptsEncodedRequest(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t)
	ts.deposit(t, token, 1000)
	lease := ts.allocate(t, token)

	raw, err := json.Marshal(spend(lease, 10))
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": string(raw), "jobId": lease.JobID}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAllocateErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/allocate-coin", map[string]string{"token": "forged"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/allocate-coin", map[string]string{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/allocate-coin", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := ts.token(t)
	ts.allocate(t, token)
	rec = ts.do(t, http.MethodPost, "/allocate-coin", map[string]string{"token": token}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "single account is already leased")
	assert.Contains(t, rec.Body.String(), "error")
}

func TestSignErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.token(t)
	ts.deposit(t, token, 50)
	lease := ts.allocate(t, token)

	rec := ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": spend(lease, 100), "jobId": lease.JobID}, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": spend(lease, 101), "jobId": lease.JobID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "over the per-lease cap")

	rec = ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": spend(lease, 10), "jobId": "unknown"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"jobId": lease.JobID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sign", map[string]interface{}{"request": map[string]int{"type": 9}, "jobId": lease.JobID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(50), ts.balance(t, token))
}

func TestBalanceAndDeposit(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/balance/nobody", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/deposit", map[string]interface{}{"token": "t", "balance": 10}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/deposit", map[string]interface{}{"token": "t", "balance": 0},
		map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.deposit(t, "t", 10)
	ts.deposit(t, "t", 5)
	assert.Equal(t, int64(15), ts.balance(t, "t"))
}

func TestMetadata(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/metadata", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta metadataResponse
	decode(t, rec, &meta)
	assert.Equal(t, int64(100), meta.MaxValuePerLease)
	assert.Equal(t, chaintest.DefaultBaseAsset, meta.BaseAssetID)
	assert.Equal(t, int64(30), meta.LeaseTTLSeconds)
}

func TestTokenDisabledWithoutSecret(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Auth.JWTSecret = "" })
	rec := ts.do(t, http.MethodGet, "/token", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Opaque tokens are accepted.
	ts.allocate(t, "client-chosen-token")
}

func TestRateLimits(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Auth.JWTSecret = ""
		c.Pool.NumberOfAccounts = 3
		c.RateLimit.AllocationsPerHour = 2
	})

	for i := 0; i < 2; i++ {
		ts.allocate(t, "tok")
	}
	rec := ts.do(t, http.MethodPost, "/allocate-coin", map[string]string{"token": "tok"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	ts = newTestServer(t, func(c *config.Config) { c.RateLimit.RequestsPerMinute = 3 })
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/health", nil, nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodOptions, "/sign", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example.org"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/health", nil, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gas_station_http_requests_total")
}
