package routines

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/scheduler"
	"github.com/R3E-Network/gasstation/services/gasstation/jobs"
	"github.com/R3E-Network/gasstation/services/gasstation/lease"
	"github.com/R3E-Network/gasstation/services/gasstation/ledger"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// LeaseReconciler times out pending jobs whose lease expired and returns
// accounts whose lock outlived its job to the pool.
type LeaseReconciler struct {
	jobs     *jobs.Machine
	ledger   *ledger.Accountant
	leases   *lease.Manager
	accounts store.AccountStore
	log      *logging.Logger
	now      func() time.Time
}

var _ scheduler.Routine = (*LeaseReconciler)(nil)

func NewLeaseReconciler(machine *jobs.Machine, acct *ledger.Accountant, leases *lease.Manager, accounts store.AccountStore, log *logging.Logger) *LeaseReconciler {
	if log == nil {
		log = logging.NewDefault("lease-reconciler")
	}
	return &LeaseReconciler{
		jobs:     machine,
		ledger:   acct,
		leases:   leases,
		accounts: accounts,
		log:      log,
		now:      time.Now,
	}
}

func (r *LeaseReconciler) Name() string { return "lease-reconciler" }

// Run processes one pass. A failure on one job does not stop the others; all
// failures are returned joined.
func (r *LeaseReconciler) Run(ctx context.Context) error {
	now := r.now()
	var errs []error

	expired, err := r.jobs.ExpiredPending(ctx, now)
	if err != nil {
		return err
	}
	for _, job := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := r.log.WithContext(ctx).WithFields(map[string]interface{}{
			"job_id":  job.JobID,
			"address": job.Address,
		})
		finished, err := r.ledger.Reconcile(ctx, job.JobID, store.JobTimeout)
		if err != nil {
			entry.WithError(err).Warn("failed to time out job")
			errs = append(errs, err)
			continue
		}
		if !finished {
			continue
		}
		// The account may already be leased again; the fenced release
		// leaves a newer lock alone.
		if _, err := r.leases.ReleaseLease(ctx, job.Address, job.Expiry); err != nil {
			entry.WithError(err).Warn("failed to release expired lease")
			errs = append(errs, err)
		}
	}

	locked, err := r.accounts.ListExpiredLocks(ctx, now)
	if err != nil {
		errs = append(errs, err)
		return stderrors.Join(errs...)
	}
	for _, account := range locked {
		if account.LockExpiry == nil {
			continue
		}
		released, err := r.leases.ReleaseLease(ctx, account.Address, *account.LockExpiry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if released {
			r.log.WithContext(ctx).WithField("address", account.Address).Info("released expired lock")
		}
	}
	return stderrors.Join(errs...)
}
