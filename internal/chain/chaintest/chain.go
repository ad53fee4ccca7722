// Package chaintest provides an in-memory chain.Provider for tests.
package chaintest

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/txn"
)

// DefaultBaseAsset is the base asset id used when none is configured.
const DefaultBaseAsset = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Chain is a fake ledger of coins. Submit spends inputs and creates outputs.
type Chain struct {
	mu        sync.Mutex
	baseAsset string
	fee       uint64
	coins     map[string]chain.Coin // by coin id
	txs       map[string]string     // id -> status
	submitted []*txn.Transaction

	// SubmitErr, when set, fails every Submit.
	SubmitErr error
	// GetCoinCalls counts GetCoin invocations.
	GetCoinCalls int
}

var _ chain.Provider = (*Chain)(nil)

// New creates an empty chain charging fee per transaction.
func New(fee uint64) *Chain {
	return &Chain{
		baseAsset: DefaultBaseAsset,
		fee:       fee,
		coins:     make(map[string]chain.Coin),
		txs:       make(map[string]string),
	}
}

// Mint creates a base-asset coin for owner and returns it.
func (c *Chain) Mint(owner string, amount uint64) chain.Coin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mintLocked(owner, c.baseAsset, amount)
}

func (c *Chain) mintLocked(owner, asset string, amount uint64) chain.Coin {
	id := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "") + "0000"
	coin := chain.Coin{
		ID:      id,
		AssetID: asset,
		Amount:  txn.Amount(amount),
		Owner:   strings.ToLower(owner),
	}
	c.coins[id] = coin
	return coin
}

// Coins returns the coins owned by owner, smallest first.
func (c *Chain) Coins(owner string) []chain.Coin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coinsLocked(owner)
}

func (c *Chain) coinsLocked(owner string) []chain.Coin {
	var out []chain.Coin
	for _, coin := range c.coins {
		if txn.SameAddress(coin.Owner, owner) && txn.SameAddress(coin.AssetID, c.baseAsset) {
			out = append(out, coin)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount < out[j].Amount
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecordTransaction marks id as known with the given status.
func (c *Chain) RecordTransaction(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[strings.ToLower(id)] = status
}

// Submitted returns the transactions accepted by Submit.
func (c *Chain) Submitted() []*txn.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*txn.Transaction(nil), c.submitted...)
}

func (c *Chain) BaseAsset(context.Context) (string, error) {
	return c.baseAsset, nil
}

func (c *Chain) GetCoin(_ context.Context, owner string, minValue int64) (*chain.Coin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCoinCalls++
	for _, coin := range c.coinsLocked(owner) {
		if int64(coin.Amount) >= minValue {
			found := coin
			return &found, nil
		}
	}
	return nil, nil
}

func (c *Chain) ListCoins(_ context.Context, owner string) ([]chain.Coin, error) {
	return c.Coins(owner), nil
}

func (c *Chain) EstimateFee(context.Context, *txn.Transaction) (chain.Fee, error) {
	return chain.Fee{MaxFee: c.fee, GasLimit: 100_000}, nil
}

func (c *Chain) TransactionID(_ context.Context, tx *txn.Transaction) (string, error) {
	return TransactionID(tx)
}

// TransactionID is the id the fake assigns to tx.
func TransactionID(tx *txn.Transaction) (string, error) {
	d, err := tx.Digest()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(d), nil
}

// Submit spends the coin inputs of tx and creates its outputs. Change outputs
// receive whatever the owner put in minus the coin outputs and the fee.
func (c *Chain) Submit(_ context.Context, tx *txn.Transaction) (string, error) {
	if c.SubmitErr != nil {
		return "", c.SubmitErr
	}
	id, err := TransactionID(tx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var in, out uint64
	for _, input := range tx.Inputs {
		if input.Type != txn.InputCoin {
			continue
		}
		coin, ok := c.coins[input.ID]
		if !ok {
			return "", fmt.Errorf("coin %s is not spendable", input.ID)
		}
		if !txn.SameAddress(coin.Owner, input.Owner) {
			return "", fmt.Errorf("coin %s not owned by %s", input.ID, input.Owner)
		}
		in += uint64(coin.Amount)
	}
	for _, o := range tx.Outputs {
		if o.Type == txn.OutputCoin {
			out += uint64(o.Amount)
		}
	}
	if in < out+c.fee {
		return "", fmt.Errorf("inputs %d do not cover outputs %d and fee %d", in, out, c.fee)
	}

	for _, input := range tx.Inputs {
		if input.Type == txn.InputCoin {
			delete(c.coins, input.ID)
		}
	}
	change := in - out - c.fee
	for _, o := range tx.Outputs {
		switch o.Type {
		case txn.OutputCoin:
			c.mintLocked(o.To, o.AssetID, uint64(o.Amount))
		case txn.OutputChange:
			if change > 0 {
				c.mintLocked(o.To, o.AssetID, change)
				change = 0
			}
		}
	}
	c.txs[id] = chain.StatusSuccess
	c.submitted = append(c.submitted, tx)
	return id, nil
}

func (c *Chain) GetTransaction(_ context.Context, id string) (*chain.TransactionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.txs[strings.ToLower(id)]
	if !ok {
		return nil, chain.ErrTransactionNotFound
	}
	return &chain.TransactionStatus{ID: id, Status: status}, nil
}
