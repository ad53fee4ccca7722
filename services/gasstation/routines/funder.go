package routines

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/scheduler"
	"github.com/R3E-Network/gasstation/internal/txn"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// ErrFunderExhausted is returned when the funder cannot cover a top-up.
var ErrFunderExhausted = stderrors.New("funder balance too low")

// FunderConfig configures PoolFunder.
type FunderConfig struct {
	// Funder is the address paying for top-ups.
	Funder           string
	MinimumCoinValue int64
	FundingAmount    int64
}

// PoolFunder tops up accounts Acquire flagged as lacking a spendable coin.
type PoolFunder struct {
	accounts store.AccountStore
	chain    chain.Provider
	signer   keys.Signer
	cfg      FunderConfig
	log      *logging.Logger
}

var _ scheduler.Routine = (*PoolFunder)(nil)

func NewPoolFunder(accounts store.AccountStore, provider chain.Provider, signer keys.Signer, cfg FunderConfig, log *logging.Logger) *PoolFunder {
	if log == nil {
		log = logging.NewDefault("pool-funder")
	}
	return &PoolFunder{accounts: accounts, chain: provider, signer: signer, cfg: cfg, log: log}
}

func (f *PoolFunder) Name() string { return "pool-funder" }

func (f *PoolFunder) Run(ctx context.Context) error {
	flagged, err := f.accounts.ListNeedsFunding(ctx)
	if err != nil {
		return fmt.Errorf("list accounts needing funds: %w", err)
	}
	var errs []error
	for _, account := range flagged {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.fund(ctx, account.Address); err != nil {
			f.log.WithContext(ctx).WithError(err).WithField("address", account.Address).Warn("failed to fund account")
			errs = append(errs, err)
			if stderrors.Is(err, ErrFunderExhausted) {
				break
			}
		}
	}
	return stderrors.Join(errs...)
}

func (f *PoolFunder) fund(ctx context.Context, address string) error {
	coin, err := f.chain.GetCoin(ctx, address, f.cfg.MinimumCoinValue)
	if err != nil {
		return fmt.Errorf("query coins of %s: %w", address, err)
	}
	if coin == nil {
		txID, err := f.transfer(ctx, address)
		if err != nil {
			return err
		}
		f.log.WithContext(ctx).WithFields(map[string]interface{}{
			"address": address,
			"amount":  f.cfg.FundingAmount,
			"txn":     txID,
		}).Info("funded pool account")
	}
	if err := f.accounts.SetNeedsFunding(ctx, address, false); err != nil {
		return fmt.Errorf("clear funding flag of %s: %w", address, err)
	}
	return nil
}

// transfer sends FundingAmount from the funder to address, spending the
// funder's largest coins first.
func (f *PoolFunder) transfer(ctx context.Context, address string) (string, error) {
	baseAsset, err := f.chain.BaseAsset(ctx)
	if err != nil {
		return "", fmt.Errorf("base asset: %w", err)
	}
	coins, err := f.chain.ListCoins(ctx, f.cfg.Funder)
	if err != nil {
		return "", fmt.Errorf("list funder coins: %w", err)
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].Amount > coins[j].Amount })

	amount := txn.Amount(f.cfg.FundingAmount)
	var selected []chain.Coin
	var total txn.Amount
	for _, c := range coins {
		selected = append(selected, c)
		total += c.Amount
		if total < amount {
			continue
		}
		tx := buildTransfer(selected, f.cfg.Funder, address, baseAsset, amount)
		fee, err := f.chain.EstimateFee(ctx, tx)
		if err != nil {
			return "", fmt.Errorf("estimate fee: %w", err)
		}
		if total < amount+txn.Amount(fee.MaxFee) {
			continue
		}
		tx.SetMaxFee(txn.Amount(fee.MaxFee))
		return signAndSubmit(ctx, f.chain, f.signer, tx, f.cfg.Funder)
	}
	return "", fmt.Errorf("%w: have %d, need %d plus fee", ErrFunderExhausted, total, amount)
}

func buildTransfer(coins []chain.Coin, from, to, assetID string, amount txn.Amount) *txn.Transaction {
	tx := txn.New()
	for _, c := range coins {
		tx.AddCoinInput(c.ID, from, assetID, c.Amount)
	}
	tx.AddCoinOutput(to, assetID, amount)
	tx.AddChangeOutput(from, assetID)
	return tx
}

// signAndSubmit signs every witness of tx, which must all belong to owner,
// and submits it.
func signAndSubmit(ctx context.Context, provider chain.Provider, signer keys.Signer, tx *txn.Transaction, owner string) (string, error) {
	id, err := provider.TransactionID(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("transaction id: %w", err)
	}
	digest, err := decodeID(id)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(ctx, digest, owner)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	for i := range tx.Witnesses {
		if err := tx.SetWitness(i, sig); err != nil {
			return "", err
		}
	}
	submitted, err := provider.Submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	return submitted, nil
}
