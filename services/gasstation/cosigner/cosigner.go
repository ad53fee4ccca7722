// Package cosigner signs client transactions as the fee payer of a leased
// account and closes jobs the client reports as done.
package cosigner

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/keys"
	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/metrics"
	"github.com/R3E-Network/gasstation/internal/txn"
	"github.com/R3E-Network/gasstation/services/gasstation/jobs"
	"github.com/R3E-Network/gasstation/services/gasstation/lease"
	"github.com/R3E-Network/gasstation/services/gasstation/ledger"
	"github.com/R3E-Network/gasstation/services/gasstation/policy"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

// Signature is the result of a successful Sign.
type Signature struct {
	Signature string `json:"signature"`
	TxID      string `json:"txId"`
	JobID     string `json:"jobId"`
	Consumed  int64  `json:"coinValueConsumed"`
}

// Dependencies are the collaborators of the co-signer.
type Dependencies struct {
	Jobs        *jobs.Machine
	Ledger      *ledger.Accountant
	Leases      *lease.Manager
	Chain       chain.Provider
	Signer      keys.Signer
	Policies    []policy.Policy
	MaxPerLease int64
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
}

// Service co-signs transactions and completes jobs.
type Service struct {
	deps Dependencies
	log  *logging.Logger
	now  func() time.Time
}

// New creates the co-signer. Nil policies select policy.Default().
func New(deps Dependencies) *Service {
	if deps.Policies == nil {
		deps.Policies = policy.Default()
	}
	log := deps.Logger
	if log == nil {
		log = logging.NewDefault("cosigner")
	}
	return &Service{deps: deps, log: log, now: time.Now}
}

func (s *Service) record(result string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSign(result)
	}
}

// Sign validates rawTx against the job's lease, charges the client for the
// value the transaction keeps, records the transaction id on the job and
// returns the fee payer's signature. Signing the same transaction again for
// the same job returns the signature without charging twice.
func (s *Service) Sign(ctx context.Context, jobID string, rawTx []byte) (*Signature, error) {
	tx, err := txn.Parse(rawTx)
	if err != nil {
		s.record("bad_request")
		return nil, errors.BadRequest("invalid transaction: %v", err)
	}

	job, _, err := s.deps.Jobs.Holder(ctx, jobID, s.now())
	if err != nil {
		s.record("rejected")
		return nil, err
	}
	entry := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id":  job.JobID,
		"address": job.Address,
	})

	baseAsset, err := s.deps.Chain.BaseAsset(ctx)
	if err != nil {
		s.record("error")
		return nil, errors.Internal("failed to resolve base asset", err)
	}
	env := policy.Env{BaseAsset: baseAsset, MaxValuePerLease: s.deps.MaxPerLease}
	if err := policy.Evaluate(s.deps.Policies, tx, *job, env); err != nil {
		s.record("rejected")
		entry.WithError(err).Info("transaction rejected by policy")
		return nil, err
	}

	in, out, err := policy.LeaseFlow(tx, job.Address, baseAsset)
	if err != nil {
		s.record("rejected")
		return nil, err
	}
	consumed := policy.Consumed(in, out)

	txID, err := s.deps.Chain.TransactionID(ctx, tx)
	if err != nil {
		s.record("error")
		return nil, errors.Internal("failed to compute transaction id", err)
	}

	if job.Signed() {
		if !txn.SameAddress(*job.TxnHash, txID) {
			s.record("rejected")
			return nil, errors.Conflict("job %s already signed transaction %s", job.JobID, *job.TxnHash)
		}
		s.record("replayed")
		return s.sign(ctx, job, txID, job.CoinValueConsumed)
	}

	if _, err := s.deps.Ledger.Debit(ctx, job.ClientToken, consumed); err != nil {
		s.record("insufficient_balance")
		return nil, err
	}

	if err := s.deps.Jobs.RecordSignature(ctx, *job, txID, consumed); err != nil {
		if _, cerr := s.deps.Ledger.Credit(ctx, job.ClientToken, consumed); cerr != nil {
			entry.WithError(cerr).WithField("amount", consumed).Error("failed to return debit after signature conflict")
		}
		s.record("rejected")
		return nil, err
	}

	sig, err := s.sign(ctx, job, txID, consumed)
	if err != nil {
		return nil, err
	}
	s.record("signed")
	entry.WithFields(map[string]interface{}{
		"txn_hash": txID,
		"consumed": consumed,
	}).Info("transaction signed")
	return sig, nil
}

func (s *Service) sign(ctx context.Context, job *store.Job, txID string, consumed int64) (*Signature, error) {
	idBytes, err := hex.DecodeString(strings.TrimPrefix(txID, "0x"))
	if err != nil {
		s.record("error")
		return nil, errors.Internal("transaction id is not hex", err)
	}
	raw, err := s.deps.Signer.Sign(ctx, idBytes, job.Address)
	if err != nil {
		s.record("error")
		return nil, errors.Internal("failed to sign transaction", err)
	}
	return &Signature{
		Signature: "0x" + hex.EncodeToString(raw),
		TxID:      txID,
		JobID:     job.JobID,
		Consumed:  consumed,
	}, nil
}

// Complete closes a job on the client's request. The job must still hold its
// lease. Its ledger effects are settled by Reconcile and the account is
// released, fenced on the job's expiry.
func (s *Service) Complete(ctx context.Context, jobID string) error {
	job, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errors.Conflict("job %s already %s", job.JobID, job.Status)
	}
	if _, _, err := s.deps.Jobs.Holder(ctx, jobID, s.now()); err != nil {
		return err
	}

	finished, err := s.deps.Ledger.Reconcile(ctx, jobID, store.JobCompleted)
	if err != nil {
		return err
	}
	if !finished {
		return errors.Conflict("job %s already finished", jobID)
	}

	released, err := s.deps.Leases.ReleaseLease(ctx, job.Address, job.Expiry)
	if err != nil {
		return err
	}
	if !released {
		s.log.WithContext(ctx).WithField("job_id", jobID).Warn("lease changed before release")
	}
	return nil
}
