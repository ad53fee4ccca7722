package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/gasstation/internal/database/migrations"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestPostgresLockAndCreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	expiry := Timestamp(time.Now().Add(30 * time.Second))
	job := Job{JobID: "8a7e3f4e-7e0c-4c62-9d55-3f6c0d1e2a10", Expiry: expiry, ClientToken: "tok"}

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE accounts SET is_locked = TRUE")).
		WithArgs(addrA, expiry, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO jobs")).
		WithArgs(job.JobID, addrA, JobPending, expiry, "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.LockAndCreateJob(context.Background(), Account{Address: addrA}, job); err != nil {
		t.Fatalf("LockAndCreateJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockAndCreateJobLostRace(t *testing.T) {
	s, mock := newMockStore(t)
	observedExpiry := Timestamp(time.Now().Add(-time.Second))
	expiry := Timestamp(time.Now().Add(30 * time.Second))

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE accounts SET is_locked = TRUE")).
		WithArgs(addrA, expiry, true, observedExpiry).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	observed := Account{Address: addrA, IsLocked: true, LockExpiry: &observedExpiry}
	err := s.LockAndCreateJob(context.Background(), observed, Job{JobID: "j", Expiry: expiry})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresListEligible(t *testing.T) {
	s, mock := newMockStore(t)
	now := Timestamp(time.Now())
	stale := now.Add(-time.Minute)

	rows := sqlmock.NewRows([]string{"address", "is_locked", "lock_expiry", "needs_funding"}).
		AddRow(addrA, false, nil, false).
		AddRow(addrB, true, stale, false)
	mock.ExpectQuery(q("WHERE needs_funding = FALSE AND (is_locked = FALSE OR lock_expiry < $1)")).
		WithArgs(now).
		WillReturnRows(rows)

	accounts, err := s.ListEligible(context.Background(), now)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[0].LockExpiry != nil {
		t.Error("unlocked account has an expiry")
	}
	if accounts[1].LockExpiry == nil || !accounts[1].LockExpiry.Equal(stale) {
		t.Errorf("expiry = %v, want %v", accounts[1].LockExpiry, stale)
	}
}

func TestPostgresDebit(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		amount  int64
		want    int64
		wantErr error
	}{
		{
			name:   "sufficient",
			amount: 40,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(q("UPDATE balances SET balance = balance - $2")).
					WithArgs("tok", int64(40)).
					WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(60))
			},
			want: 60,
		},
		{
			name:   "insufficient",
			amount: 500,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(q("UPDATE balances SET balance = balance - $2")).
					WithArgs("tok", int64(500)).
					WillReturnRows(sqlmock.NewRows([]string{"balance"}))
				m.ExpectQuery(q("SELECT balance FROM balances WHERE token = $1")).
					WithArgs("tok").
					WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
			},
			want:    100,
			wantErr: ErrInsufficientBalance,
		},
		{
			name:   "unknown token",
			amount: 1,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(q("UPDATE balances SET balance = balance - $2")).
					WithArgs("tok", int64(1)).
					WillReturnRows(sqlmock.NewRows([]string{"balance"}))
				m.ExpectQuery(q("SELECT balance FROM balances WHERE token = $1")).
					WithArgs("tok").
					WillReturnRows(sqlmock.NewRows([]string{"balance"}))
			},
			want:    0,
			wantErr: ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setup(mock)

			got, err := s.Debit(context.Background(), "tok", tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("balance = %d, want %d", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestPostgresCreditUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("ON CONFLICT (token) DO UPDATE SET balance = balances.balance + EXCLUDED.balance")).
		WithArgs("tok", int64(250)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1250))

	got, err := s.Credit(context.Background(), "tok", 250)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got != 1250 {
		t.Errorf("balance = %d, want 1250", got)
	}
}

func TestPostgresTransitionGuard(t *testing.T) {
	s, mock := newMockStore(t)
	observed := Job{JobID: "j1"}
	mock.ExpectExec(q("WHERE job_id = $1 AND status = 'pending' AND txn_hash IS NOT DISTINCT FROM $3")).
		WithArgs("j1", JobTimeout, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := s.Transition(context.Background(), observed, JobTimeout)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if moved {
		t.Error("transition of a changed job reported success")
	}

	if _, err := s.Transition(context.Background(), observed, JobPending); !errors.Is(err, ErrConflict) {
		t.Errorf("transition to pending: got %v, want ErrConflict", err)
	}
}

func TestPostgresCreditOverflow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("INSERT INTO balances")).
		WithArgs("tok", int64(1)).
		WillReturnError(&pq.Error{Code: "22003", Message: "bigint out of range"})

	if _, err := s.Credit(context.Background(), "tok", 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("got %v, want ErrBalanceOverflow", err)
	}
}

func TestPostgresRecordSignatureConflict(t *testing.T) {
	s, mock := newMockStore(t)
	expiry := Timestamp(time.Now())
	mock.ExpectExec(q("AND txn_hash IS NULL")).
		WithArgs("j1", expiry, "0xabc", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RecordSignature(context.Background(), "j1", expiry, "0xabc", 5)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestPostgresGetJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("FROM jobs WHERE job_id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := migrations.Up(db.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reset := func() {
		if _, err := db.Exec(`TRUNCATE jobs, balances, accounts`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}

	s := NewPostgres(db)
	reset()
	runAccountSuite(t, s)
	reset()
	runLeaseSuite(t, s)
	reset()
	runExpirySuite(t, s)
	runLedgerSuite(t, s)
	runConcurrentDebits(t, s)
}
