package routines

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/scheduler"
	"github.com/R3E-Network/gasstation/internal/txn"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// DefaultMaxDustCoins bounds the inputs of one consolidation.
const DefaultMaxDustCoins = 100

type DustConfig struct {
	Collector string
	Threshold int64
	MaxCoins  int
}

// DustConsolidator sweeps coins too small to lease from unlocked pool
// accounts into the collector address.
type DustConsolidator struct {
	accounts store.AccountStore
	chain    chain.Provider
	signer   keys.Signer
	cfg      DustConfig
	log      *logging.Logger
}

var _ scheduler.Routine = (*DustConsolidator)(nil)

func NewDustConsolidator(accounts store.AccountStore, provider chain.Provider, signer keys.Signer, cfg DustConfig, log *logging.Logger) *DustConsolidator {
	if cfg.MaxCoins <= 0 {
		cfg.MaxCoins = DefaultMaxDustCoins
	}
	if log == nil {
		log = logging.NewDefault("dust-consolidator")
	}
	return &DustConsolidator{accounts: accounts, chain: provider, signer: signer, cfg: cfg, log: log}
}

func (d *DustConsolidator) Name() string { return "dust-consolidator" }

func (d *DustConsolidator) Run(ctx context.Context) error {
	if d.cfg.Collector == "" {
		d.log.WithContext(ctx).Debug("no collector address configured, skipping")
		return nil
	}
	accounts, err := d.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	var errs []error
	for _, account := range accounts {
		if account.IsLocked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.consolidate(ctx, account.Address); err != nil {
			d.log.WithContext(ctx).WithError(err).WithField("address", account.Address).Warn("dust consolidation failed")
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (d *DustConsolidator) consolidate(ctx context.Context, address string) error {
	coins, err := d.chain.ListCoins(ctx, address)
	if err != nil {
		return fmt.Errorf("list coins: %w", err)
	}
	var dust []chain.Coin
	var total txn.Amount
	for _, c := range coins {
		if int64(c.Amount) >= d.cfg.Threshold {
			continue
		}
		dust = append(dust, c)
		total += c.Amount
		if len(dust) == d.cfg.MaxCoins {
			break
		}
	}
	if len(dust) == 0 {
		return nil
	}
	baseAsset, err := d.chain.BaseAsset(ctx)
	if err != nil {
		return fmt.Errorf("base asset: %w", err)
	}

	tx := buildTransfer(dust, address, d.cfg.Collector, baseAsset, total)
	fee, err := d.chain.EstimateFee(ctx, tx)
	if err != nil {
		return fmt.Errorf("estimate fee: %w", err)
	}
	if uint64(total) <= fee.MaxFee {
		d.log.WithContext(ctx).WithFields(map[string]interface{}{
			"address": address,
			"total":   uint64(total),
			"fee":     fee.MaxFee,
		}).Debug("dust does not cover the fee")
		return nil
	}
	tx.Outputs[0].Amount = total - txn.Amount(fee.MaxFee)
	tx.SetMaxFee(txn.Amount(fee.MaxFee))

	id, err := signAndSubmit(ctx, d.chain, d.signer, tx, address)
	if err != nil {
		return err
	}
	d.log.WithContext(ctx).WithFields(map[string]interface{}{
		"address": address,
		"coins":   len(dust),
		"amount":  uint64(tx.Outputs[0].Amount),
		"txn":     id,
	}).Info("consolidated dust")
	return nil
}

func decodeID(id string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(id, "0x"))
	if err != nil {
		return nil, fmt.Errorf("transaction id %q is not hex: %w", id, err)
	}
	return b, nil
}
