// Package chain provides the blockchain provider used by the gas station. The
// Client speaks JSON-RPC to a chain gateway sidecar that owns wire encoding.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/gasstation/internal/txn"
)

// Client is a JSON-RPC Provider.
type Client struct {
	mu         sync.RWMutex
	rpcURL     string
	httpClient *http.Client
	baseAsset  string
}

var _ Provider = (*Client)(nil)

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new chain client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Call makes an RPC call to the chain gateway.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(respBody)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return nil, &RPCError{Code: int(e.Get("code").Int()), Message: e.Get("message").String()}
	}
	result := parsed.Get("result")
	if !result.Exists() {
		return nil, fmt.Errorf("%s: response has no result", method)
	}
	return json.RawMessage(result.Raw), nil
}

// BaseAsset returns the base asset id; the first successful answer is cached.
func (c *Client) BaseAsset(ctx context.Context) (string, error) {
	c.mu.RLock()
	cached := c.baseAsset
	c.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	result, err := c.Call(ctx, "getbaseasset", nil)
	if err != nil {
		return "", err
	}
	asset := strings.TrimSpace(gjson.ParseBytes(result).String())
	if asset == "" {
		return "", fmt.Errorf("getbaseasset: empty asset id")
	}

	c.mu.Lock()
	c.baseAsset = asset
	c.mu.Unlock()
	return asset, nil
}

// GetCoin returns a base-asset coin of owner worth at least minValue, or nil.
func (c *Client) GetCoin(ctx context.Context, owner string, minValue int64) (*Coin, error) {
	asset, err := c.BaseAsset(ctx)
	if err != nil {
		return nil, err
	}
	result, err := c.Call(ctx, "getcoin", []interface{}{owner, asset, minValue})
	if err != nil {
		return nil, err
	}
	if gjson.ParseBytes(result).Type == gjson.Null {
		return nil, nil
	}
	var coin Coin
	if err := json.Unmarshal(result, &coin); err != nil {
		return nil, fmt.Errorf("unmarshal coin: %w", err)
	}
	return &coin, nil
}

// ListCoins returns all base-asset coins of owner.
func (c *Client) ListCoins(ctx context.Context, owner string) ([]Coin, error) {
	asset, err := c.BaseAsset(ctx)
	if err != nil {
		return nil, err
	}
	result, err := c.Call(ctx, "getcoins", []interface{}{owner, asset})
	if err != nil {
		return nil, err
	}
	var coins []Coin
	if err := json.Unmarshal(result, &coins); err != nil {
		return nil, fmt.Errorf("unmarshal coins: %w", err)
	}
	return coins, nil
}

// EstimateFee asks the gateway to estimate tx.
func (c *Client) EstimateFee(ctx context.Context, tx *txn.Transaction) (Fee, error) {
	result, err := c.Call(ctx, "estimatefee", []interface{}{tx})
	if err != nil {
		return Fee{}, err
	}
	parsed := gjson.ParseBytes(result)
	return Fee{
		MaxFee:   parsed.Get("maxFee").Uint(),
		GasLimit: parsed.Get("gasLimit").Uint(),
	}, nil
}

// TransactionID asks the gateway for the id tx will carry on chain.
func (c *Client) TransactionID(ctx context.Context, tx *txn.Transaction) (string, error) {
	result, err := c.Call(ctx, "gettransactionid", []interface{}{tx})
	if err != nil {
		return "", err
	}
	id := gjson.ParseBytes(result).String()
	if id == "" {
		return "", fmt.Errorf("gettransactionid: empty id")
	}
	return id, nil
}

// Submit sends a signed transaction.
func (c *Client) Submit(ctx context.Context, tx *txn.Transaction) (string, error) {
	result, err := c.Call(ctx, "sendtransaction", []interface{}{tx})
	if err != nil {
		return "", err
	}
	return gjson.ParseBytes(result).String(), nil
}

// GetTransaction returns the chain status of a transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (*TransactionStatus, error) {
	result, err := c.Call(ctx, "gettransaction", []interface{}{id})
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(result)
	if parsed.Type == gjson.Null {
		return nil, ErrTransactionNotFound
	}
	return &TransactionStatus{
		ID:     parsed.Get("id").String(),
		Status: parsed.Get("status").String(),
	}, nil
}
