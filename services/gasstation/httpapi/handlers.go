package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/gasstation/internal/chain"
	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/httputil"
	"github.com/R3E-Network/gasstation/internal/scheduler"
)

type allocateRequest struct {
	Token string `json:"token"`
}

type allocateResponse struct {
	Coin  chain.Coin `json:"coin"`
	JobID string     `json:"jobId"`
}

type signRequest struct {
	Request json.RawMessage `json:"request"`
	JobID   string          `json:"jobId"`
}

type depositRequest struct {
	Token   string `json:"token"`
	Balance int64  `json:"balance"`
}

type metadataResponse struct {
	MaxValuePerLease int64                        `json:"maxValuePerLease"`
	BaseAssetID      string                       `json:"baseAssetId"`
	LeaseTTLSeconds  int64                        `json:"leaseTtlSeconds"`
	Routines         map[string]scheduler.RunInfo `json:"routines,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.station.Tokens.Enabled() {
		httputil.WriteError(w, errors.Unavailable("token issuing is disabled"))
		return
	}
	token, err := s.station.Tokens.Issue()
	if err != nil {
		httputil.WriteError(w, errors.Internal("failed to issue token", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.station.Tokens.Validate(req.Token); err != nil {
		httputil.WriteError(w, err)
		return
	}

	lease, err := s.station.Leases.Acquire(r.Context(), req.Token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, allocateResponse{Coin: lease.Coin, JobID: lease.JobID})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		httputil.WriteError(w, errors.BadRequest("jobId is required"))
		return
	}
	raw, err := transactionBytes(req.Request)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sig, err := s.station.CoSigner.Sign(r.Context(), req.JobID, raw)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

// transactionBytes accepts the transaction as a JSON object or as a string
// holding one.
func transactionBytes(request json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(request))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.BadRequest("request is required")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(request, &encoded); err != nil {
			return nil, errors.BadRequest("invalid request: %v", err)
		}
		return []byte(encoded), nil
	}
	return request, nil
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	if err := s.station.CoSigner.Complete(r.Context(), jobID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	baseAsset, err := s.station.Chain.BaseAsset(r.Context())
	if err != nil {
		httputil.WriteError(w, errors.Internal("failed to resolve base asset", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, metadataResponse{
		MaxValuePerLease: s.station.Config.Lease.MaxValuePerLease,
		BaseAssetID:      baseAsset,
		LeaseTTLSeconds:  int64(s.station.Leases.TTL().Seconds()),
		Routines:         s.station.Scheduler.LastRuns(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.station.Ledger.Balance(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if _, err := s.station.Ledger.Deposit(r.Context(), req.Token, req.Balance); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"status": true})
}
