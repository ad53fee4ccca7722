package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/config"
	"github.com/R3E-Network/gasstation/internal/database"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/metrics"
	"github.com/R3E-Network/gasstation/services/gasstation"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// openStation connects the configured backends and wires the station. The
// returned function releases the connections.
func (a *app) openStation(ctx context.Context) (*gasstation.Station, func(), error) {
	cfg := a.cfg
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.WithError(err).Warn("failed to close backend")
			}
		}
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	kr, err := keys.NewKeyring(masterKey, cfg.Pool.NumberOfAccounts)
	if err != nil {
		return nil, nil, fmt.Errorf("derive pool keys: %w", err)
	}

	provider, err := chain.NewClient(chain.Config{RPCURL: cfg.Chain.RPCURL, Timeout: cfg.Chain.Timeout})
	if err != nil {
		return nil, nil, fmt.Errorf("create chain client: %w", err)
	}

	b := gasstation.Backends{Chain: provider, Keys: kr}
	switch cfg.Database.LedgerBackend {
	case config.LedgerMemory:
		a.log.Warn("using in-memory stores; state is lost on exit")
		mem := store.NewMemory()
		b.Store, b.Balances = mem, mem
	default:
		db, err := a.openDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db.Close)
		pg := store.NewPostgres(db)
		b.Store, b.Balances = pg, pg

		if cfg.Database.LedgerBackend == config.LedgerRedis {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			closers = append(closers, client.Close)
			if err := client.Ping(ctx).Err(); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("connect to redis: %w", err)
			}
			b.Balances = store.NewRedisLedger(client)
		}
	}

	st, err := gasstation.New(cfg, b, a.log, metrics.New())
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return st, closeAll, nil
}

func (a *app) openDB(ctx context.Context) (*sqlx.DB, error) {
	if a.cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required for the %s backend", a.cfg.Database.LedgerBackend)
	}
	return database.Open(ctx, a.cfg.Database)
}
