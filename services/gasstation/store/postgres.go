package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// numericOutOfRange is the SQLSTATE raised when BIGINT arithmetic overflows.
const numericOutOfRange = "22003"

// Postgres implements the stores on PostgreSQL. Atomic steps are single
// conditional statements or one transaction.
type Postgres struct {
	db *sqlx.DB
}

var (
	_ Store       = (*Postgres)(nil)
	_ LedgerStore = (*Postgres)(nil)
)

// NewPostgres creates a store on db.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

const accountColumns = `address, is_locked, lock_expiry, needs_funding`

const jobColumns = `job_id, address, status, expiry, client_token, txn_hash, coin_value_consumed`

func normalizeAccount(a *Account) {
	if a.LockExpiry != nil {
		t := Timestamp(*a.LockExpiry)
		a.LockExpiry = &t
	}
}

func normalizeJob(j *Job) {
	j.Expiry = Timestamp(j.Expiry)
}

func (s *Postgres) selectAccounts(ctx context.Context, query string, args ...interface{}) ([]Account, error) {
	out := make([]Account, 0)
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	for i := range out {
		normalizeAccount(&out[i])
	}
	return out, nil
}

// --- AccountStore -----------------------------------------------------------

func (s *Postgres) UpsertAccounts(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = NormalizeAddress(a)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (address)
		SELECT unnest($1::text[])
		ON CONFLICT (address) DO NOTHING
	`, pq.Array(normalized))
	if err != nil {
		return fmt.Errorf("upsert accounts: %w", err)
	}
	return nil
}

func (s *Postgres) GetAccount(ctx context.Context, address string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE address = $1`, NormalizeAddress(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	normalizeAccount(&a)
	return &a, nil
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.selectAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY address`)
}

func (s *Postgres) ListEligible(ctx context.Context, now time.Time) ([]Account, error) {
	return s.selectAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE needs_funding = FALSE AND (is_locked = FALSE OR lock_expiry < $1)
		ORDER BY address
	`, Timestamp(now))
}

func (s *Postgres) ListNeedsFunding(ctx context.Context) ([]Account, error) {
	return s.selectAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE needs_funding = TRUE ORDER BY address`)
}

func (s *Postgres) ListExpiredLocks(ctx context.Context, now time.Time) ([]Account, error) {
	return s.selectAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE is_locked = TRUE AND lock_expiry < $1
		ORDER BY address
	`, Timestamp(now))
}

func (s *Postgres) SetNeedsFunding(ctx context.Context, address string, needsFunding bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET needs_funding = $2, updated_at = NOW() WHERE address = $1
	`, NormalizeAddress(address), needsFunding)
	if err != nil {
		return fmt.Errorf("set needs funding: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) Unlock(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_locked = FALSE, lock_expiry = NULL, updated_at = NOW() WHERE address = $1
	`, NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) UnlockIfExpiry(ctx context.Context, address string, expiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_locked = FALSE, lock_expiry = NULL, updated_at = NOW()
		WHERE address = $1 AND is_locked = TRUE AND lock_expiry = $2
	`, NormalizeAddress(address), Timestamp(expiry))
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Postgres) UnlockAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_locked = FALSE, lock_expiry = NULL, updated_at = NOW() WHERE is_locked = TRUE
	`)
	if err != nil {
		return 0, fmt.Errorf("unlock all: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- LeaseStore -------------------------------------------------------------

func (s *Postgres) LockAndCreateJob(ctx context.Context, observed Account, job Job) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var observedExpiry interface{}
	if observed.LockExpiry != nil {
		observedExpiry = Timestamp(*observed.LockExpiry)
	}
	expiry := Timestamp(job.Expiry)
	address := NormalizeAddress(observed.Address)

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET is_locked = TRUE, lock_expiry = $2, updated_at = NOW()
		WHERE address = $1
		  AND needs_funding = FALSE
		  AND is_locked = $3
		  AND lock_expiry IS NOT DISTINCT FROM $4::timestamptz
	`, address, expiry, observed.IsLocked, observedExpiry)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, address, status, expiry, client_token, coin_value_consumed)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, job.JobID, address, JobPending, expiry, job.ClientToken); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	return nil
}

// --- JobStore ---------------------------------------------------------------

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		var pqErr *pq.Error
		// invalid_text_representation: the id is not a UUID, so no such job.
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	normalizeJob(&j)
	return &j, nil
}

func (s *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]Job, error) {
	out := make([]Job, 0)
	if err := s.db.SelectContext(ctx, &out, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND expiry < $1
		ORDER BY expiry
	`, Timestamp(now)); err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	for i := range out {
		normalizeJob(&out[i])
	}
	return out, nil
}

func (s *Postgres) RecordSignature(ctx context.Context, jobID string, expiry time.Time, txnHash string, consumed int64) error {
	if consumed < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET txn_hash = $3, coin_value_consumed = $4, updated_at = NOW()
		WHERE job_id = $1 AND status = 'pending' AND expiry = $2 AND txn_hash IS NULL
	`, jobID, Timestamp(expiry), txnHash, consumed)
	if err != nil {
		return fmt.Errorf("record signature: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) Transition(ctx context.Context, observed Job, to JobStatus) (bool, error) {
	if !to.Terminal() {
		return false, ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE job_id = $1 AND status = 'pending' AND txn_hash IS NOT DISTINCT FROM $3
	`, observed.JobID, to, observed.TxnHash)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Postgres) Balance(ctx context.Context, token string) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `SELECT balance FROM balances WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *Postgres) Debit(ctx context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.db.GetContext(ctx, &balance, `
		UPDATE balances SET balance = balance - $2, updated_at = NOW()
		WHERE token = $1 AND balance >= $2
		RETURNING balance
	`, token, amount)
	if errors.Is(err, sql.ErrNoRows) {
		current, berr := s.Balance(ctx, token)
		if berr != nil && !errors.Is(berr, ErrNotFound) {
			return 0, berr
		}
		if amount == 0 {
			return current, nil
		}
		return current, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return balance, nil
}

func (s *Postgres) Credit(ctx context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	if err := s.db.GetContext(ctx, &balance, `
		INSERT INTO balances (token, balance) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance
	`, token, amount); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == numericOutOfRange {
			return 0, ErrBalanceOverflow
		}
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}
