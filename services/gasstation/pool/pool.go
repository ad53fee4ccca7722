// Package pool manages the set of accounts the station lends out.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// AddressSource yields the pool addresses, in derivation order.
type AddressSource interface {
	Addresses() []string
}

// Summary counts pool accounts by state.
type Summary struct {
	Total        int `json:"total"`
	Locked       int `json:"locked"`
	Expired      int `json:"expired"`
	NeedsFunding int `json:"needsFunding"`
	Eligible     int `json:"eligible"`
}

type Pool struct {
	accounts store.AccountStore
	source   AddressSource
	log      *logging.Logger
}

func New(accounts store.AccountStore, source AddressSource, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewDefault("pool")
	}
	return &Pool{accounts: accounts, source: source, log: log}
}

// Init registers every derived address. Existing accounts keep their state,
// so Init is safe to run on every start.
func (p *Pool) Init(ctx context.Context) ([]string, error) {
	addresses := p.source.Addresses()
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no pool addresses derived")
	}
	if err := p.accounts.UpsertAccounts(ctx, addresses); err != nil {
		return nil, fmt.Errorf("register pool accounts: %w", err)
	}
	p.log.WithContext(ctx).WithField("accounts", len(addresses)).Info("pool accounts registered")
	return addresses, nil
}

func (p *Pool) List(ctx context.Context) ([]store.Account, error) {
	accounts, err := p.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UnlockAll clears every lock. It is a maintenance operation: leases in
// flight lose their fencing token and their jobs are timed out by the
// reconciler.
func (p *Pool) UnlockAll(ctx context.Context) (int64, error) {
	n, err := p.accounts.UnlockAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("unlock accounts: %w", err)
	}
	p.log.WithContext(ctx).WithField("unlocked", n).Warn("unlocked all pool accounts")
	return n, nil
}

// Summarize counts the pool at now.
func (p *Pool) Summarize(ctx context.Context, now time.Time) (Summary, error) {
	accounts, err := p.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	return summarize(accounts, now), nil
}

func summarize(accounts []store.Account, now time.Time) Summary {
	s := Summary{Total: len(accounts)}
	for _, a := range accounts {
		if a.IsLocked {
			s.Locked++
			if a.LockExpiry != nil && a.LockExpiry.Before(now) {
				s.Expired++
			}
		}
		if a.NeedsFunding {
			s.NeedsFunding++
		}
		if a.Eligible(now) {
			s.Eligible++
		}
	}
	return s
}
