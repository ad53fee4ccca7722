package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

// backend is what the shared suite needs from a store.
type backend interface {
	Store
	LedgerStore
}

func newJob(expiry time.Time) Job {
	return Job{JobID: uuid.NewString(), Expiry: expiry, ClientToken: "client-" + uuid.NewString()}
}

func runAccountSuite(t *testing.T, s backend) {
	ctx := context.Background()
	now := Timestamp(time.Now())

	require.NoError(t, s.UpsertAccounts(ctx, []string{addrA, addrB}))
	require.NoError(t, s.UpsertAccounts(ctx, []string{addrA}), "upsert is idempotent")

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	eligible, err := s.ListEligible(ctx, now)
	require.NoError(t, err)
	assert.Len(t, eligible, 2)

	require.NoError(t, s.SetNeedsFunding(ctx, addrB, true))
	eligible, _ = s.ListEligible(ctx, now)
	require.Len(t, eligible, 1)
	assert.Equal(t, addrA, eligible[0].Address)

	funding, err := s.ListNeedsFunding(ctx)
	require.NoError(t, err)
	require.Len(t, funding, 1)
	assert.Equal(t, addrB, funding[0].Address)

	_, err = s.GetAccount(ctx, "0x0000000000000000000000000000000000000999")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func runLeaseSuite(t *testing.T, s backend) {
	ctx := context.Background()
	now := Timestamp(time.Now())
	require.NoError(t, s.UpsertAccounts(ctx, []string{addrA}))
	require.NoError(t, s.Unlock(ctx, addrA))
	require.NoError(t, s.SetNeedsFunding(ctx, addrA, false))

	observed, err := s.GetAccount(ctx, addrA)
	require.NoError(t, err)

	job := newJob(now.Add(30 * time.Second))
	require.NoError(t, s.LockAndCreateJob(ctx, *observed, job))

	// A second locker holding the same stale observation loses.
	err = s.LockAndCreateJob(ctx, *observed, newJob(now.Add(30*time.Second)))
	assert.True(t, errors.Is(err, ErrConflict), "stale observation must conflict, got %v", err)

	locked, err := s.GetAccount(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, locked.LockedUntil(Timestamp(job.Expiry)))

	stored, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobPending, stored.Status)
	assert.True(t, stored.Expiry.Equal(Timestamp(job.Expiry)))
	assert.False(t, stored.Signed())
	unsigned := *stored

	// Signature recording is fenced on the expiry and happens once.
	err = s.RecordSignature(ctx, job.JobID, job.Expiry.Add(time.Second), "0x01", 10)
	assert.True(t, errors.Is(err, ErrConflict))
	require.NoError(t, s.RecordSignature(ctx, job.JobID, job.Expiry, "0x01", 10))
	err = s.RecordSignature(ctx, job.JobID, job.Expiry, "0x02", 10)
	assert.True(t, errors.Is(err, ErrConflict))

	stored, _ = s.GetJob(ctx, job.JobID)
	require.True(t, stored.Signed())
	assert.Equal(t, "0x01", *stored.TxnHash)
	assert.Equal(t, int64(10), stored.CoinValueConsumed)

	// Fenced unlock with the wrong token does nothing.
	ok, err := s.UnlockIfExpiry(ctx, addrA, job.Expiry.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UnlockIfExpiry(ctx, addrA, job.Expiry)
	require.NoError(t, err)
	assert.True(t, ok)

	// A transition decided on a row read before the signature was recorded
	// loses, and the job stays pending.
	moved, err := s.Transition(ctx, unsigned, JobTimeout)
	require.NoError(t, err)
	assert.False(t, moved)
	current, _ := s.GetJob(ctx, job.JobID)
	assert.Equal(t, JobPending, current.Status)

	// Transitions happen once.
	moved, err = s.Transition(ctx, *stored, JobCompleted)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = s.Transition(ctx, *stored, JobTimeout)
	require.NoError(t, err)
	assert.False(t, moved)
	stored, _ = s.GetJob(ctx, job.JobID)
	assert.Equal(t, JobCompleted, stored.Status)
}

func runExpirySuite(t *testing.T, s backend) {
	ctx := context.Background()
	now := Timestamp(time.Now())
	require.NoError(t, s.UpsertAccounts(ctx, []string{addrB}))
	require.NoError(t, s.SetNeedsFunding(ctx, addrB, false))
	require.NoError(t, s.Unlock(ctx, addrB))

	observed, _ := s.GetAccount(ctx, addrB)
	expired := newJob(now.Add(-time.Minute))
	require.NoError(t, s.LockAndCreateJob(ctx, *observed, expired))

	locks, err := s.ListExpiredLocks(ctx, now)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, addrB, locks[0].Address)

	pending, err := s.ListExpiredPending(ctx, now)
	require.NoError(t, err)
	var found bool
	for _, j := range pending {
		found = found || j.JobID == expired.JobID
	}
	assert.True(t, found, "expired job not listed")

	// An expired lock is eligible again and can be re-leased.
	eligible, _ := s.ListEligible(ctx, now)
	var reLeasable *Account
	for i := range eligible {
		if eligible[i].Address == addrB {
			reLeasable = &eligible[i]
		}
	}
	require.NotNil(t, reLeasable)
	require.NoError(t, s.LockAndCreateJob(ctx, *reLeasable, newJob(now.Add(time.Minute))))

	n, err := s.UnlockAll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func runLedgerSuite(t *testing.T, l LedgerStore) {
	ctx := context.Background()
	token := "token-" + uuid.NewString()

	_, err := l.Balance(ctx, token)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = l.Debit(ctx, token, 1)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	b, err := l.Credit(ctx, token, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b)

	b, err = l.Credit(ctx, token, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), b, "credit is additive")

	b, err = l.Debit(ctx, token, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), b)

	_, err = l.Debit(ctx, token, 1101)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	b, _ = l.Balance(ctx, token)
	assert.Equal(t, int64(1100), b, "rejected debit leaves balance unchanged")

	_, err = l.Credit(ctx, token, -1)
	assert.True(t, errors.Is(err, ErrInvalidAmount))
	_, err = l.Debit(ctx, token, -1)
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	// Amounts beyond float precision compare exactly.
	big := "big-" + uuid.NewString()
	_, err = l.Credit(ctx, big, 1<<53)
	require.NoError(t, err)
	_, err = l.Debit(ctx, big, 1<<53+1)
	assert.True(t, errors.Is(err, ErrInsufficientBalance), "got %v", err)
	b, err = l.Debit(ctx, big, 1<<53)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b)

	// Credits never wrap.
	full := "full-" + uuid.NewString()
	_, err = l.Credit(ctx, full, math.MaxInt64)
	require.NoError(t, err)
	_, err = l.Credit(ctx, full, 1)
	assert.True(t, errors.Is(err, ErrBalanceOverflow), "got %v", err)
	b, _ = l.Balance(ctx, full)
	assert.Equal(t, int64(math.MaxInt64), b, "rejected credit leaves balance unchanged")
}

// runConcurrentDebits checks that racing debits never overdraw.
func runConcurrentDebits(t *testing.T, l LedgerStore) {
	ctx := context.Background()
	token := "race-" + uuid.NewString()
	_, err := l.Credit(ctx, token, 100)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, token, 7); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	b, err := l.Balance(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 14, success)
	assert.Equal(t, int64(100-14*7), b)
}
