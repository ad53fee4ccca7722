// Package ledger keeps client balances and settles finished jobs.
package ledger

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/metrics"
	"github.com/R3E-Network/gasstation/services/gasstation/jobs"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// Accountant moves value between clients and the station.
type Accountant struct {
	balances store.LedgerStore
	jobs     *jobs.Machine
	chain    chain.Provider
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewAccountant creates an accountant. m may be nil.
func NewAccountant(balances store.LedgerStore, machine *jobs.Machine, provider chain.Provider, log *logging.Logger, m *metrics.Metrics) *Accountant {
	if log == nil {
		log = logging.NewDefault("ledger")
	}
	return &Accountant{balances: balances, jobs: machine, chain: provider, log: log, metrics: m}
}

func checkToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.BadRequest("token is required")
	}
	return nil
}

// Balance returns the balance of token.
func (a *Accountant) Balance(ctx context.Context, token string) (int64, error) {
	if err := checkToken(token); err != nil {
		return 0, err
	}
	b, err := a.balances.Balance(ctx, token)
	if stderrors.Is(err, store.ErrNotFound) {
		return 0, errors.NotFound("balance", token)
	}
	if err != nil {
		return 0, errors.Internal("failed to read balance", err)
	}
	return b, nil
}

// Debit removes amount from token, failing with InsufficientBalance rather
// than letting the balance go negative.
func (a *Accountant) Debit(ctx context.Context, token string, amount int64) (int64, error) {
	if err := checkToken(token); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errors.BadRequest("amount must not be negative")
	}
	b, err := a.balances.Debit(ctx, token, amount)
	if stderrors.Is(err, store.ErrInsufficientBalance) {
		return b, errors.InsufficientBalance(token, b, amount)
	}
	if err != nil {
		return 0, errors.Internal("failed to debit balance", err)
	}
	return b, nil
}

// Credit adds amount to token.
func (a *Accountant) Credit(ctx context.Context, token string, amount int64) (int64, error) {
	if err := checkToken(token); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errors.BadRequest("amount must not be negative")
	}
	b, err := a.balances.Credit(ctx, token, amount)
	if stderrors.Is(err, store.ErrBalanceOverflow) {
		return 0, errors.BadRequest("balance of %s would overflow", token)
	}
	if err != nil {
		return 0, errors.Internal("failed to credit balance", err)
	}
	return b, nil
}

// Deposit adds a client top-up to token.
func (a *Accountant) Deposit(ctx context.Context, token string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.BadRequest("deposit must be positive")
	}
	b, err := a.Credit(ctx, token, amount)
	if err != nil {
		return 0, err
	}
	a.log.WithContext(ctx).WithFields(map[string]interface{}{
		"amount":  amount,
		"balance": b,
	}).Info("deposit credited")
	return b, nil
}

// maxReconcileAttempts bounds how often Reconcile re-reads a job that changed
// under it. A signature is recorded at most once, so two reads settle it.
const maxReconcileAttempts = 3

// Reconcile finishes a job with status. When the job's transaction was never
// recorded or cannot be found on chain, the consumed value is credited back
// to the client. The refund is decided on the row the terminal transition is
// claimed against, so a signature recorded in between forces a re-read, and
// concurrent or repeated calls refund at most once. On a job that is already
// terminal Reconcile does nothing. It reports whether this call finished the
// job.
func (a *Accountant) Reconcile(ctx context.Context, jobID string, status store.JobStatus) (bool, error) {
	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		job, err := a.jobs.Get(ctx, jobID)
		if err != nil {
			return false, err
		}
		if job.Status.Terminal() {
			return false, nil
		}

		refund, err := a.refundDue(ctx, job)
		if err != nil {
			return false, err
		}

		moved, err := a.jobs.Transition(ctx, *job, status)
		if err != nil {
			return false, err
		}
		if !moved {
			continue
		}
		return true, a.settle(ctx, job, status, refund)
	}
	return false, errors.Conflict("job %s kept changing while reconciling", jobID)
}

func (a *Accountant) settle(ctx context.Context, job *store.Job, status store.JobStatus, refund int64) error {
	entry := a.log.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id": job.JobID,
		"status": string(status),
	})
	if refund > 0 {
		if _, err := a.Credit(ctx, job.ClientToken, refund); err != nil {
			entry.WithError(err).WithField("refund", refund).Error("job finished but refund failed")
			return err
		}
		entry = entry.WithField("refund", refund)
	}
	if a.metrics != nil {
		a.metrics.RecordReconcile(string(status), refund)
	}
	entry.Info("job reconciled")
	return nil
}

// refundDue returns the value to credit back for job.
func (a *Accountant) refundDue(ctx context.Context, job *store.Job) (int64, error) {
	if job.CoinValueConsumed <= 0 {
		return 0, nil
	}
	if !job.Signed() {
		return job.CoinValueConsumed, nil
	}
	_, err := a.chain.GetTransaction(ctx, *job.TxnHash)
	if stderrors.Is(err, chain.ErrTransactionNotFound) {
		return job.CoinValueConsumed, nil
	}
	if err != nil {
		return 0, errors.Internal("failed to look up transaction", err)
	}
	return 0, nil
}
