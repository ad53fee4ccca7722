// Package gasstation assembles the station: it lends pool accounts to
// clients, co-signs their transactions as fee payer, and charges what the
// transactions consume to prepaid balances.
package gasstation

import (
	"fmt"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/config"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/metrics"
	"github.com/R3E-Network/gasstation/internal/middleware"
	"github.com/R3E-Network/gasstation/internal/scheduler"
	"github.com/R3E-Network/gasstation/services/gasstation/cosigner"
	"github.com/R3E-Network/gasstation/services/gasstation/jobs"
	"github.com/R3E-Network/gasstation/services/gasstation/lease"
	"github.com/R3E-Network/gasstation/services/gasstation/ledger"
	"github.com/R3E-Network/gasstation/services/gasstation/pool"
	"github.com/R3E-Network/gasstation/services/gasstation/routines"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// Backends are the external systems the station runs against.
type Backends struct {
	Store    store.Store
	Balances store.LedgerStore
	Chain    chain.Provider
	Keys     *keys.Keyring
}

func (b Backends) validate() error {
	switch {
	case b.Store == nil:
		return fmt.Errorf("account and job store is required")
	case b.Balances == nil:
		return fmt.Errorf("ledger store is required")
	case b.Chain == nil:
		return fmt.Errorf("chain provider is required")
	case b.Keys == nil:
		return fmt.Errorf("keyring is required")
	}
	return nil
}

// Station holds the wired components.
type Station struct {
	Config    *config.Config
	Log       *logging.Logger
	Metrics   *metrics.Metrics
	Store     store.Store
	Chain     chain.Provider
	Keys      *keys.Keyring
	Jobs      *jobs.Machine
	Ledger    *ledger.Accountant
	Leases    *lease.Manager
	CoSigner  *cosigner.Service
	Pool      *pool.Pool
	Tokens    *middleware.TokenAuthority
	Scheduler *scheduler.Scheduler
}

// New wires the station components over b.
func New(cfg *config.Config, b Backends, log *logging.Logger, m *metrics.Metrics) (*Station, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewDefault("gasstation")
	}
	if m == nil {
		m = metrics.New()
	}

	machine := jobs.NewMachine(b.Store, b.Store)
	acct := ledger.NewAccountant(b.Balances, machine, b.Chain, log.Component("ledger"), m)
	leases := lease.NewManager(b.Store, b.Chain, lease.Config{
		TTL:              cfg.Lease.TTL,
		MinimumCoinValue: cfg.Pool.MinimumCoinValue,
		MaxAttempts:      cfg.AcquireAttempts(),
	}, log.Component("lease"), m)

	return &Station{
		Config:  cfg,
		Log:     log,
		Metrics: m,
		Store:   b.Store,
		Chain:   b.Chain,
		Keys:    b.Keys,
		Jobs:    machine,
		Ledger:  acct,
		Leases:  leases,
		CoSigner: cosigner.New(cosigner.Dependencies{
			Jobs:        machine,
			Ledger:      acct,
			Leases:      leases,
			Chain:       b.Chain,
			Signer:      b.Keys,
			MaxPerLease: cfg.Lease.MaxValuePerLease,
			Logger:      log.Component("cosigner"),
			Metrics:     m,
		}),
		Pool:      pool.New(b.Store, b.Keys, log.Component("pool")),
		Tokens:    middleware.NewTokenAuthority(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Scheduler: scheduler.New(log.Component("scheduler"), m),
	}, nil
}

// RegisterRoutines schedules the background routines at their configured
// intervals. Call it once before starting the scheduler.
func (s *Station) RegisterRoutines() error {
	cfg := s.Config
	reconciler := routines.NewLeaseReconciler(s.Jobs, s.Ledger, s.Leases, s.Store, s.Log.Component("lease-reconciler"))
	funder := routines.NewPoolFunder(s.Store, s.Chain, s.Keys, routines.FunderConfig{
		Funder:           s.Keys.FunderAddress(),
		MinimumCoinValue: cfg.Pool.MinimumCoinValue,
		FundingAmount:    cfg.Pool.FundingAmount,
	}, s.Log.Component("pool-funder"))
	dust := routines.NewDustConsolidator(s.Store, s.Chain, s.Keys, routines.DustConfig{
		Collector: cfg.Pool.CollectorAddress,
		Threshold: cfg.Pool.DustThreshold,
		MaxCoins:  cfg.Pool.MaxDustCoinsPerTx,
	}, s.Log.Component("dust-consolidator"))

	if err := s.Scheduler.Register(reconciler, cfg.Routines.LeaseReconcileInterval); err != nil {
		return err
	}
	if err := s.Scheduler.Register(funder, cfg.Routines.FundingInterval); err != nil {
		return err
	}
	return s.Scheduler.Register(dust, cfg.Routines.DustInterval)
}
