package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process backend. One mutex stands in for row atomicity.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Account
	jobs     map[string]*Job
	balances map[string]int64
}

var (
	_ Store       = (*Memory)(nil)
	_ LedgerStore = (*Memory)(nil)
)

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		jobs:     make(map[string]*Job),
		balances: make(map[string]int64),
	}
}

func copyAccount(a *Account) Account {
	cp := *a
	if a.LockExpiry != nil {
		t := *a.LockExpiry
		cp.LockExpiry = &t
	}
	return cp
}

func copyJob(j *Job) Job {
	cp := *j
	if j.TxnHash != nil {
		h := *j.TxnHash
		cp.TxnHash = &h
	}
	return cp
}

func (m *Memory) listAccounts(keep func(*Account) bool) []Account {
	out := make([]Account, 0)
	for _, a := range m.accounts {
		if keep(a) {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// --- AccountStore -----------------------------------------------------------

func (m *Memory) UpsertAccounts(_ context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addresses {
		addr = NormalizeAddress(addr)
		if _, ok := m.accounts[addr]; !ok {
			m.accounts[addr] = &Account{Address: addr}
		}
	}
	return nil
}

func (m *Memory) GetAccount(_ context.Context, address string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyAccount(a)
	return &cp, nil
}

func (m *Memory) ListAccounts(context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(*Account) bool { return true }), nil
}

func (m *Memory) ListEligible(_ context.Context, now time.Time) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(a *Account) bool { return a.Eligible(now) }), nil
}

func (m *Memory) ListNeedsFunding(context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(a *Account) bool { return a.NeedsFunding }), nil
}

func (m *Memory) ListExpiredLocks(_ context.Context, now time.Time) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(a *Account) bool {
		return a.IsLocked && a.LockExpiry != nil && a.LockExpiry.Before(now)
	}), nil
}

func (m *Memory) SetNeedsFunding(_ context.Context, address string, needsFunding bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NormalizeAddress(address)]
	if !ok {
		return ErrNotFound
	}
	a.NeedsFunding = needsFunding
	return nil
}

func (m *Memory) Unlock(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NormalizeAddress(address)]
	if !ok {
		return ErrNotFound
	}
	a.IsLocked = false
	a.LockExpiry = nil
	return nil
}

func (m *Memory) UnlockIfExpiry(_ context.Context, address string, expiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NormalizeAddress(address)]
	if !ok {
		return false, ErrNotFound
	}
	if !a.LockedUntil(Timestamp(expiry)) {
		return false, nil
	}
	a.IsLocked = false
	a.LockExpiry = nil
	return true, nil
}

func (m *Memory) UnlockAll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.accounts {
		if a.IsLocked {
			a.IsLocked = false
			a.LockExpiry = nil
			n++
		}
	}
	return n, nil
}

// --- LeaseStore -------------------------------------------------------------

func (m *Memory) LockAndCreateJob(_ context.Context, observed Account, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[NormalizeAddress(observed.Address)]
	if !ok {
		return ErrNotFound
	}
	if a.NeedsFunding || a.IsLocked != observed.IsLocked || !sameTime(a.LockExpiry, observed.LockExpiry) {
		return ErrConflict
	}
	if _, exists := m.jobs[job.JobID]; exists {
		return ErrConflict
	}

	expiry := Timestamp(job.Expiry)
	a.IsLocked = true
	a.LockExpiry = &expiry

	job.Address = a.Address
	job.Expiry = expiry
	job.Status = JobPending
	m.jobs[job.JobID] = &job
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// --- JobStore ---------------------------------------------------------------

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyJob(j)
	return &cp, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0)
	for _, j := range m.jobs {
		if j.Status == JobPending && j.Expiry.Before(now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Expiry.Before(out[k].Expiry) })
	return out, nil
}

func (m *Memory) RecordSignature(_ context.Context, jobID string, expiry time.Time, txnHash string, consumed int64) error {
	if consumed < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != JobPending || j.Signed() || !j.Expiry.Equal(Timestamp(expiry)) {
		return ErrConflict
	}
	j.TxnHash = &txnHash
	j.CoinValueConsumed = consumed
	return nil
}

func (m *Memory) Transition(_ context.Context, observed Job, to JobStatus) (bool, error) {
	if !to.Terminal() {
		return false, ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[observed.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != JobPending || !sameHash(j.TxnHash, observed.TxnHash) {
		return false, nil
	}
	j.Status = to
	return true, nil
}

// --- LedgerStore ------------------------------------------------------------

func (m *Memory) Balance(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[token]
	if !ok {
		return 0, ErrNotFound
	}
	return b, nil
}

func (m *Memory) Debit(_ context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[token]
	if b < amount {
		return b, ErrInsufficientBalance
	}
	if _, ok := m.balances[token]; ok {
		m.balances[token] = b - amount
	}
	return b - amount, nil
}

func (m *Memory) Credit(_ context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[token]
	if b > math.MaxInt64-amount {
		return b, ErrBalanceOverflow
	}
	m.balances[token] = b + amount
	return b + amount, nil
}
