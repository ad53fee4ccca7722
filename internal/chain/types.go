package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/gasstation/internal/txn"
)

// ErrTransactionNotFound is returned when the chain has no record of a transaction.
var ErrTransactionNotFound = errors.New("transaction not found")

// Provider is the blockchain collaborator. Implementations perform network
// calls; nothing in the station assumes they are cheap.
type Provider interface {
	// BaseAsset returns the asset id the station pays fees in.
	BaseAsset(ctx context.Context) (string, error)
	// GetCoin returns a spendable base-asset coin of owner worth at least
	// minValue, or nil when none exists.
	GetCoin(ctx context.Context, owner string, minValue int64) (*Coin, error)
	// ListCoins returns all spendable base-asset coins of owner.
	ListCoins(ctx context.Context, owner string) ([]Coin, error)
	// EstimateFee returns the fee the transaction needs.
	EstimateFee(ctx context.Context, tx *txn.Transaction) (Fee, error)
	// TransactionID returns the on-chain id tx will have once submitted.
	TransactionID(ctx context.Context, tx *txn.Transaction) (string, error)
	// Submit sends a signed transaction and returns its id.
	Submit(ctx context.Context, tx *txn.Transaction) (string, error)
	// GetTransaction looks a transaction up, returning ErrTransactionNotFound
	// when the chain does not know it.
	GetTransaction(ctx context.Context, id string) (*TransactionStatus, error)
}

// Coin is a spendable unit of value.
type Coin struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"assetId"`
	Amount       txn.Amount `json:"amount"`
	Owner        string     `json:"owner"`
	BlockCreated string     `json:"blockCreated,omitempty"`
	TxCreatedIdx string     `json:"txCreatedIdx,omitempty"`
}

// Fee is a fee estimate.
type Fee struct {
	MaxFee   uint64 `json:"maxFee"`
	GasLimit uint64 `json:"gasLimit"`
}

// Transaction statuses reported by GetTransaction.
const (
	StatusSubmitted = "submitted"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
)

// TransactionStatus is the chain's view of a submitted transaction.
type TransactionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
