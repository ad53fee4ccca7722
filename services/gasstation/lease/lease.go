// Package lease lends pool accounts to clients, one client per account at a
// time.
package lease

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/metrics"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// DefaultTTL is how long a lease lasts when none is configured.
const DefaultTTL = 30 * time.Second

// Lease is a granted lease. Expiry doubles as the fencing token.
type Lease struct {
	Address string     `json:"address"`
	JobID   string     `json:"jobId"`
	Expiry  time.Time  `json:"expiry"`
	Coin    chain.Coin `json:"coin"`
}

// Config tunes the manager.
type Config struct {
	TTL              time.Duration
	MinimumCoinValue int64
	// MaxAttempts bounds the number of accounts tried per Acquire.
	MaxAttempts int
}

// Manager grants and releases leases.
type Manager struct {
	accounts store.AccountStore
	leases   store.LeaseStore
	chain    chain.Provider
	cfg      Config
	log      *logging.Logger
	metrics  *metrics.Metrics

	now  func() time.Time
	pick func(n int) int
}

// NewManager creates a lease manager. m may be nil.
func NewManager(st store.Store, provider chain.Provider, cfg Config, log *logging.Logger, m *metrics.Metrics) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = logging.NewDefault("lease")
	}
	return &Manager{
		accounts: st,
		leases:   st,
		chain:    provider,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
		pick:     rand.IntN,
	}
}

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.RecordLease(result)
	}
}

// Acquire leases an eligible account holding a spendable coin to clientToken
// and creates the pending job for it. It fails with Unavailable when no
// account can be leased within the attempt bound.
func (m *Manager) Acquire(ctx context.Context, clientToken string) (*Lease, error) {
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		now := m.now()
		eligible, err := m.accounts.ListEligible(ctx, now)
		if err != nil {
			m.record("error")
			return nil, errors.Internal("failed to list accounts", err)
		}
		if len(eligible) == 0 {
			m.record("unavailable")
			return nil, errors.Unavailable("no unlocked account found")
		}

		account := eligible[m.pick(len(eligible))]
		entry := m.log.WithContext(ctx).WithField("address", account.Address)

		coin, err := m.chain.GetCoin(ctx, account.Address, m.cfg.MinimumCoinValue)
		if err != nil {
			m.record("error")
			return nil, errors.Internal("failed to query coins", err)
		}
		if coin == nil {
			entry.Info("account has no spendable coin, flagging for funding")
			if err := m.accounts.SetNeedsFunding(ctx, account.Address, true); err != nil {
				m.record("error")
				return nil, errors.Internal("failed to flag account", err)
			}
			continue
		}

		job := store.Job{
			JobID:       uuid.NewString(),
			Address:     account.Address,
			Expiry:      store.Timestamp(now.Add(m.cfg.TTL)),
			ClientToken: clientToken,
		}
		err = m.leases.LockAndCreateJob(ctx, account, job)
		if stderrors.Is(err, store.ErrConflict) || stderrors.Is(err, store.ErrNotFound) {
			entry.Debug("lost lease race, retrying")
			continue
		}
		if err != nil {
			m.record("error")
			return nil, errors.Internal("failed to lock account", err)
		}

		m.record("acquired")
		entry.WithField("job_id", job.JobID).Info("lease acquired")
		return &Lease{Address: account.Address, JobID: job.JobID, Expiry: job.Expiry, Coin: *coin}, nil
	}

	m.record("unavailable")
	return nil, errors.Unavailable("no account available after %d attempts", m.cfg.MaxAttempts)
}

// Release unlocks address unconditionally. Operators use it; request paths
// use ReleaseLease.
func (m *Manager) Release(ctx context.Context, address string) error {
	err := m.accounts.Unlock(ctx, address)
	if stderrors.Is(err, store.ErrNotFound) {
		return errors.NotFound("account", address)
	}
	if err != nil {
		return errors.Internal("failed to unlock account", err)
	}
	return nil
}

// ReleaseLease unlocks address only while it is still locked with expiry.
// It reports whether the lock was released.
func (m *Manager) ReleaseLease(ctx context.Context, address string, expiry time.Time) (bool, error) {
	released, err := m.accounts.UnlockIfExpiry(ctx, address, expiry)
	if stderrors.Is(err, store.ErrNotFound) {
		return false, errors.NotFound("account", address)
	}
	if err != nil {
		return false, errors.Internal("failed to release lease", err)
	}
	return released, nil
}
