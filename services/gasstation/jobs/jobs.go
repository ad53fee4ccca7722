// Package jobs owns the job lifecycle: pending until completed or timed out,
// and the fencing check that decides whether a job still holds its lease.
package jobs

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// CanTransition reports whether from may move to to.
func CanTransition(from, to store.JobStatus) bool {
	return from == store.JobPending && to.Terminal()
}

// ValidateFencing rejects with Conflict unless job is pending, account still
// carries job's expiry as its lock, and that expiry has not passed.
func ValidateFencing(job store.Job, account store.Account, now time.Time) error {
	if job.Status != store.JobPending {
		return errors.Conflict("job %s is %s", job.JobID, job.Status)
	}
	if !account.LockedUntil(job.Expiry) {
		return errors.Conflict("job %s no longer holds the lease on %s", job.JobID, job.Address)
	}
	if job.Expiry.Before(now) {
		return errors.Conflict("job %s expired", job.JobID)
	}
	return nil
}

// Machine applies guarded transitions on a job store.
type Machine struct {
	jobs     store.JobStore
	accounts store.AccountStore
}

// NewMachine creates a state machine over the stores.
func NewMachine(jobs store.JobStore, accounts store.AccountStore) *Machine {
	return &Machine{jobs: jobs, accounts: accounts}
}

// Get loads a job.
func (m *Machine) Get(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, errors.Internal("failed to load job", err)
	}
	return job, nil
}

// Holder loads a job and its account and runs the fencing check.
func (m *Machine) Holder(ctx context.Context, jobID string, now time.Time) (*store.Job, *store.Account, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	account, err := m.accounts.GetAccount(ctx, job.Address)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil, errors.NotFound("account", job.Address)
	}
	if err != nil {
		return nil, nil, errors.Internal("failed to load account", err)
	}
	if err := ValidateFencing(*job, *account, now); err != nil {
		return nil, nil, err
	}
	return job, account, nil
}

// Transition moves job, as read, to a terminal status. It reports false when
// another actor already finished the job or recorded a signature on it since
// it was read.
func (m *Machine) Transition(ctx context.Context, job store.Job, to store.JobStatus) (bool, error) {
	if !CanTransition(store.JobPending, to) {
		return false, errors.BadRequest("invalid target status %q", to)
	}
	moved, err := m.jobs.Transition(ctx, job, to)
	if stderrors.Is(err, store.ErrNotFound) {
		return false, errors.NotFound("job", job.JobID)
	}
	if err != nil {
		return false, errors.Internal("failed to update job", err)
	}
	return moved, nil
}

// RecordSignature stores the transaction id and consumed value on the job,
// fenced on its expiry.
func (m *Machine) RecordSignature(ctx context.Context, job store.Job, txnHash string, consumed int64) error {
	err := m.jobs.RecordSignature(ctx, job.JobID, job.Expiry, txnHash, consumed)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, store.ErrConflict):
		return errors.Conflict("job %s changed while signing", job.JobID)
	case stderrors.Is(err, store.ErrNotFound):
		return errors.NotFound("job", job.JobID)
	default:
		return errors.Internal("failed to record signature", err)
	}
}

// ExpiredPending lists pending jobs whose expiry passed before now.
func (m *Machine) ExpiredPending(ctx context.Context, now time.Time) ([]store.Job, error) {
	jobs, err := m.jobs.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, errors.Internal("failed to list expired jobs", err)
	}
	return jobs, nil
}
