package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

const addr = "0x00000000000000000000000000000000000000aa"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.JobStatus
		want     bool
	}{
		{store.JobPending, store.JobCompleted, true},
		{store.JobPending, store.JobTimeout, true},
		{store.JobPending, store.JobPending, false},
		{store.JobCompleted, store.JobTimeout, false},
		{store.JobTimeout, store.JobCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateFencing(t *testing.T) {
	now := store.Timestamp(time.Now())
	expiry := now.Add(10 * time.Second)
	other := now.Add(20 * time.Second)
	past := now.Add(-time.Second)

	job := store.Job{JobID: "j", Address: addr, Status: store.JobPending, Expiry: expiry}
	locked := store.Account{Address: addr, IsLocked: true, LockExpiry: &expiry}

	tests := []struct {
		name    string
		job     store.Job
		account store.Account
		ok      bool
	}{
		{"current holder", job, locked, true},
		{"re-leased to someone else", job, store.Account{Address: addr, IsLocked: true, LockExpiry: &other}, false},
		{"account unlocked", job, store.Account{Address: addr}, false},
		{"job not pending", store.Job{JobID: "j", Address: addr, Status: store.JobTimeout, Expiry: expiry}, locked, false},
		{"expired", store.Job{JobID: "j", Address: addr, Status: store.JobPending, Expiry: past},
			store.Account{Address: addr, IsLocked: true, LockExpiry: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFencing(tt.job, tt.account, now)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, errors.CodeConflict) {
				t.Fatalf("got %v, want conflict", err)
			}
		})
	}
}

func TestMachine(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.UpsertAccounts(ctx, []string{addr})
	observed, _ := st.GetAccount(ctx, addr)
	expiry := store.Timestamp(time.Now().Add(time.Minute))
	if err := st.LockAndCreateJob(ctx, *observed, store.Job{JobID: "j1", Expiry: expiry, ClientToken: "c"}); err != nil {
		t.Fatal(err)
	}
	m := NewMachine(st, st)

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("Get unknown: got %v", err)
	}

	job, account, err := m.Holder(ctx, "j1", time.Now())
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if job.Address != account.Address {
		t.Errorf("holder mismatch: %s vs %s", job.Address, account.Address)
	}

	if err := m.RecordSignature(ctx, *job, "0xaa", 5); err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if err := m.RecordSignature(ctx, *job, "0xbb", 5); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("second RecordSignature: got %v", err)
	}

	if _, err := m.Transition(ctx, *job, store.JobPending); !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("transition to pending: got %v", err)
	}
	moved, err := m.Transition(ctx, *job, store.JobCompleted)
	if err != nil || moved {
		t.Fatalf("transition from the unsigned read: moved=%v err=%v", moved, err)
	}
	signed, err := m.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	moved, err = m.Transition(ctx, *signed, store.JobCompleted)
	if err != nil || !moved {
		t.Fatalf("Transition: moved=%v err=%v", moved, err)
	}
	moved, _ = m.Transition(ctx, *signed, store.JobTimeout)
	if moved {
		t.Error("terminal job transitioned again")
	}

	if _, _, err := m.Holder(ctx, "j1", time.Now()); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("Holder on completed job: got %v", err)
	}
}
