// Package config loads gas station configuration: built-in defaults, then an
// optional YAML file, then environment variables (a .env file is honoured).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/gasstation/internal/logging"
)

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// Config is the complete gas station configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Chain     ChainConfig     `yaml:"chain"`
	Pool      PoolConfig      `yaml:"pool"`
	Lease     LeaseConfig     `yaml:"lease"`
	Routines  RoutinesConfig  `yaml:"routines"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   logging.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	// LedgerBackend selects where client balances live.
	LedgerBackend string `yaml:"ledger_backend" env:"LEDGER_BACKEND"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	Timeout time.Duration `yaml:"timeout" env:"CHAIN_RPC_TIMEOUT"`
}

type PoolConfig struct {
	// MasterKey is the hex encoded root secret every pool key derives from.
	MasterKey         string `yaml:"master_key" env:"MASTER_KEY"`
	NumberOfAccounts  int    `yaml:"number_of_accounts" env:"NUMBER_OF_ACCOUNTS"`
	MinimumCoinValue  int64  `yaml:"minimum_coin_value" env:"MINIMUM_COIN_VALUE"`
	FundingAmount     int64  `yaml:"funding_amount" env:"FUNDING_AMOUNT"`
	DustThreshold     int64  `yaml:"dust_threshold" env:"DUST_THRESHOLD"`
	CollectorAddress  string `yaml:"collector_address" env:"COLLECTOR_ADDRESS"`
	MaxDustCoinsPerTx int    `yaml:"max_dust_coins_per_tx" env:"MAX_DUST_COINS_PER_TX"`
}

type LeaseConfig struct {
	TTL              time.Duration `yaml:"ttl" env:"LEASE_TTL"`
	MaxValuePerLease int64         `yaml:"max_value_per_lease" env:"MAX_VALUE_PER_LEASE"`
	// MaxAcquireAttempts bounds Acquire retries; zero means the pool size.
	MaxAcquireAttempts int `yaml:"max_acquire_attempts" env:"MAX_ACQUIRE_ATTEMPTS"`
}

type RoutinesConfig struct {
	LeaseReconcileInterval time.Duration `yaml:"lease_reconcile_interval" env:"LEASE_RECONCILE_INTERVAL"`
	FundingInterval        time.Duration `yaml:"funding_interval" env:"FUNDING_INTERVAL"`
	DustInterval           time.Duration `yaml:"dust_interval" env:"DUST_INTERVAL"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// AdminToken guards /deposit; empty disables the check.
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

type RateLimitConfig struct {
	RequestsPerMinute  int `yaml:"requests_per_minute" env:"RATE_LIMIT_PER_MINUTE"`
	AllocationsPerHour int `yaml:"allocations_per_hour" env:"ALLOCATE_LIMIT_PER_HOUR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			LedgerBackend:   LedgerPostgres,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Chain: ChainConfig{Timeout: 30 * time.Second},
		Pool: PoolConfig{
			NumberOfAccounts:  10,
			MinimumCoinValue:  1_000_000,
			FundingAmount:     10_000_000,
			DustThreshold:     100_000,
			MaxDustCoinsPerTx: 100,
		},
		Lease: LeaseConfig{
			TTL:              30 * time.Second,
			MaxValuePerLease: 1_000_000,
		},
		Routines: RoutinesConfig{
			LeaseReconcileInterval: 5 * time.Second,
			FundingInterval:        10 * time.Second,
			DustInterval:           time.Hour,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:  100,
			AllocationsPerHour: 1000,
		},
		Logging: logging.Config{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects values the station cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server port %d out of range", c.Server.Port)
	}
	switch c.Database.LedgerBackend {
	case LedgerPostgres, LedgerRedis, LedgerMemory:
	default:
		add("unknown ledger backend %q", c.Database.LedgerBackend)
	}
	if c.Pool.NumberOfAccounts <= 0 {
		add("number of accounts must be positive")
	}
	if c.Pool.MinimumCoinValue <= 0 {
		add("minimum coin value must be positive")
	}
	if c.Pool.FundingAmount < c.Pool.MinimumCoinValue {
		add("funding amount must be at least the minimum coin value")
	}
	if c.Pool.DustThreshold < 0 {
		add("dust threshold must not be negative")
	}
	if c.Pool.DustThreshold > c.Pool.MinimumCoinValue {
		add("dust threshold must not exceed the minimum coin value")
	}
	if c.Pool.MaxDustCoinsPerTx <= 0 {
		add("max dust coins per transaction must be positive")
	}
	if c.Pool.MasterKey != "" {
		if _, err := c.MasterKeyBytes(); err != nil {
			add("%v", err)
		}
	}
	if c.Lease.TTL <= 0 {
		add("lease ttl must be positive")
	}
	if c.Lease.MaxValuePerLease <= 0 {
		add("max value per lease must be positive")
	}
	if c.Lease.MaxAcquireAttempts < 0 {
		add("max acquire attempts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"lease reconcile": c.Routines.LeaseReconcileInterval,
		"funding":         c.Routines.FundingInterval,
		"dust":            c.Routines.DustInterval,
	} {
		if d <= 0 {
			add("%s interval must be positive", name)
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.AllocationsPerHour < 0 {
		add("rate limits must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MasterKeyBytes decodes the hex master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.Pool.MasterKey), "0x")
	if raw == "" {
		return nil, fmt.Errorf("master key is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AcquireAttempts returns the bound on lease acquisition retries.
func (c *Config) AcquireAttempts() int {
	if c.Lease.MaxAcquireAttempts > 0 {
		return c.Lease.MaxAcquireAttempts
	}
	if c.Pool.NumberOfAccounts > 0 {
		return c.Pool.NumberOfAccounts
	}
	return 1
}
