// Package store persists pool accounts, jobs and client balances.
//
// Every coordination guarantee of the station rests on the atomic operations
// declared here: the conditional lock in LeaseStore, guarded job transitions
// and non-negative balance mutations. Backends must implement them as single
// atomic steps.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors translated by the services into the service taxonomy.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must not be negative")
	ErrBalanceOverflow     = errors.New("balance would overflow")
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobTimeout
}

// Timestamp normalises t to the precision the stores keep. Fencing tokens are
// compared for equality, so every expiry must pass through here.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NormalizeAddress is the form addresses are stored and looked up in.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Account is a pool account.
type Account struct {
	Address      string     `db:"address" json:"address"`
	IsLocked     bool       `db:"is_locked" json:"isLocked"`
	LockExpiry   *time.Time `db:"lock_expiry" json:"lockExpiry,omitempty"`
	NeedsFunding bool       `db:"needs_funding" json:"needsFunding"`
}

// Eligible reports whether the account may be leased at now.
func (a Account) Eligible(now time.Time) bool {
	if a.NeedsFunding {
		return false
	}
	return !a.IsLocked || (a.LockExpiry != nil && a.LockExpiry.Before(now))
}

// LockedUntil reports whether the account is locked with the given token.
func (a Account) LockedUntil(expiry time.Time) bool {
	return a.IsLocked && a.LockExpiry != nil && a.LockExpiry.Equal(expiry)
}

// Job is one lease of one account to one client.
type Job struct {
	JobID             string    `db:"job_id" json:"jobId"`
	Address           string    `db:"address" json:"address"`
	Status            JobStatus `db:"status" json:"status"`
	Expiry            time.Time `db:"expiry" json:"expiry"`
	ClientToken       string    `db:"client_token" json:"-"`
	TxnHash           *string   `db:"txn_hash" json:"txnHash,omitempty"`
	CoinValueConsumed int64     `db:"coin_value_consumed" json:"coinValueConsumed"`
}

// Signed reports whether a transaction id has been recorded on the job.
func (j Job) Signed() bool {
	return j.TxnHash != nil && *j.TxnHash != ""
}

// AccountStore persists pool accounts.
type AccountStore interface {
	// UpsertAccounts inserts the addresses that do not exist yet.
	UpsertAccounts(ctx context.Context, addresses []string) error
	GetAccount(ctx context.Context, address string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// ListEligible returns accounts that may be leased at now.
	ListEligible(ctx context.Context, now time.Time) ([]Account, error)
	ListNeedsFunding(ctx context.Context) ([]Account, error)
	// ListExpiredLocks returns locked accounts whose lock expired before now.
	ListExpiredLocks(ctx context.Context, now time.Time) ([]Account, error)
	SetNeedsFunding(ctx context.Context, address string, needsFunding bool) error
	// Unlock clears the lock unconditionally.
	Unlock(ctx context.Context, address string) error
	// UnlockIfExpiry clears the lock only while it carries expiry. It reports
	// whether the account was unlocked.
	UnlockIfExpiry(ctx context.Context, address string, expiry time.Time) (bool, error)
	UnlockAll(ctx context.Context) (int64, error)
}

// JobStore persists jobs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListExpiredPending returns pending jobs whose expiry is before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]Job, error)
	// RecordSignature stores the transaction id and consumed value on a
	// pending, unsigned job still carrying expiry. ErrConflict otherwise.
	RecordSignature(ctx context.Context, jobID string, expiry time.Time, txnHash string, consumed int64) error
	// Transition moves a pending job to a terminal status, provided its
	// recorded transaction id still matches observed. It reports false when
	// the job was no longer pending or a signature was recorded since
	// observed was read.
	Transition(ctx context.Context, observed Job, to JobStatus) (bool, error)
}

// LeaseStore performs the atomic lock-and-create step of Acquire.
type LeaseStore interface {
	// LockAndCreateJob locks observed.Address with job.Expiry as long as the
	// account still has the observed lock state, and inserts job in the same
	// atomic step. ErrConflict when the account changed in between.
	LockAndCreateJob(ctx context.Context, observed Account, job Job) error
}

// LedgerStore holds client balances. Balances never go negative.
type LedgerStore interface {
	// Balance returns ErrNotFound for unknown tokens.
	Balance(ctx context.Context, token string) (int64, error)
	// Debit subtracts amount, failing with ErrInsufficientBalance when the
	// balance would go negative. It returns the new balance.
	Debit(ctx context.Context, token string, amount int64) (int64, error)
	// Credit adds amount, creating the balance if needed.
	Credit(ctx context.Context, token string, amount int64) (int64, error)
}

// Store is a backend holding accounts, jobs and leases.
type Store interface {
	AccountStore
	JobStore
	LeaseStore
}
