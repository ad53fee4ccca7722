// Package policy decides whether a transaction may be co-signed for a job.
// Policies are pure: everything they need arrives in the transaction, the job
// and the Env.
package policy

import (
	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/txn"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// Env is the context resolved before evaluation.
type Env struct {
	BaseAsset        string
	MaxValuePerLease int64
}

// Policy accepts or rejects a transaction. A rejection is a Conflict error.
type Policy interface {
	Name() string
	Evaluate(tx *txn.Transaction, job store.Job, env Env) error
}

// Default returns the built-in policies in evaluation order.
func Default() []Policy {
	return []Policy{SingleFeeInput{}, SpendCap{}}
}

// Evaluate runs policies in order and returns the first rejection.
func Evaluate(policies []Policy, tx *txn.Transaction, job store.Job, env Env) error {
	for _, p := range policies {
		if err := p.Evaluate(tx, job, env); err != nil {
			return err
		}
	}
	return nil
}

// LeaseFlow returns the single base-asset coin input of the leased address
// and the single coin output paying back to it.
func LeaseFlow(tx *txn.Transaction, address, baseAsset string) (txn.Input, txn.Output, error) {
	inputs := tx.CoinInputs(address, baseAsset)
	if len(inputs) != 1 {
		return txn.Input{}, txn.Output{}, errors.Conflict("expected exactly one fee input from %s, found %d", address, len(inputs))
	}
	outputs := tx.CoinOutputs(address, baseAsset)
	switch len(outputs) {
	case 0:
		return txn.Input{}, txn.Output{}, errors.Conflict("transaction must return the leased coin to %s", address)
	case 1:
		return inputs[0], outputs[0], nil
	default:
		return txn.Input{}, txn.Output{}, errors.Conflict("found %d outputs to %s, expected one", len(outputs), address)
	}
}

// Consumed is how much of the leased coin the transaction keeps, never less
// than zero.
func Consumed(in txn.Input, out txn.Output) int64 {
	if out.Amount >= in.Amount {
		return 0
	}
	v, err := (in.Amount - out.Amount).Int64()
	if err != nil {
		return 0
	}
	return v
}

// SingleFeeInput requires exactly one coin input owned by the leased address
// in the base asset.
type SingleFeeInput struct{}

func (SingleFeeInput) Name() string { return "single-fee-input" }

func (SingleFeeInput) Evaluate(tx *txn.Transaction, job store.Job, env Env) error {
	n := len(tx.CoinInputs(job.Address, env.BaseAsset))
	if n != 1 {
		return errors.Conflict("expected exactly one fee input from %s, found %d", job.Address, n)
	}
	return nil
}

// SpendCap bounds what a lease may keep from the lent coin.
type SpendCap struct{}

func (SpendCap) Name() string { return "spend-cap" }

func (SpendCap) Evaluate(tx *txn.Transaction, job store.Job, env Env) error {
	in, out, err := LeaseFlow(tx, job.Address, env.BaseAsset)
	if err != nil {
		return err
	}
	if in.Amount < out.Amount {
		return nil
	}
	spent := in.Amount - out.Amount
	if env.MaxValuePerLease < 0 || uint64(spent) > uint64(env.MaxValuePerLease) {
		return errors.Conflict("transaction spends %d, more than the %d allowed per lease", uint64(spent), env.MaxValuePerLease)
	}
	return nil
}
