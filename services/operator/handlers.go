package operator

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/beacon_operator/internal/httputil"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/prioritizer"
)

const maxEstimateBody = 16 << 10

// =============================================================================
// Route Registration
// =============================================================================

func (s *Service) registerRoutes() {
	router := s.Router()
	router.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	router.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	router.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodPost)
	router.HandleFunc("/beacon/latest", s.handleBeaconLatest).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// =============================================================================
// Response Types
// =============================================================================

// RequestView is the API form of a ledger request.
type RequestView struct {
	ID                uint64         `json:"id"`
	Requester         common.Address `json:"requester"`
	State             ledger.State   `json:"state"`
	Deadline          int64          `json:"deadline"`
	Round             uint64         `json:"round"`
	CallbackGasBudget uint64         `json:"callback_gas_budget"`
	FeePaid           string         `json:"fee_paid"`
	FeePerGas         string         `json:"fee_per_gas"`
	BeaconKeyID       uint64         `json:"beacon_key_id"`
	Randomness        hexutil.Bytes  `json:"randomness,omitempty"`
	CallbackSucceeded bool           `json:"callback_succeeded"`
	ActualGasUsed     uint64         `json:"actual_gas_used,omitempty"`
	FulfillmentTxHash *common.Hash   `json:"fulfillment_tx_hash,omitempty"`
	LocalTxHash       *common.Hash   `json:"local_tx_hash,omitempty"`
	InFlight          bool           `json:"in_flight"`
}

// QueueResponse is the ranked view of every outstanding request.
type QueueResponse struct {
	Entries     []QueueEntry   `json:"entries"`
	Depth       map[string]int `json:"depth"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// QueueEntry is one ranked request.
type QueueEntry struct {
	RequestID                uint64               `json:"request_id"`
	Priority                 prioritizer.Priority `json:"priority"`
	QueuePosition            int                  `json:"queue_position"`
	FeePerGas                string               `json:"fee_per_gas"`
	Deadline                 int64                `json:"deadline"`
	Round                    uint64               `json:"round"`
	EstimatedFulfillmentTime time.Time            `json:"estimated_fulfillment_time"`
	InFlight                 bool                 `json:"in_flight"`
}

// EstimateRequest describes a request a user is about to submit.
type EstimateRequest struct {
	FeePaid           string `json:"fee_paid"`
	CallbackGasBudget uint64 `json:"callback_gas_budget"`
	Deadline          int64  `json:"deadline"`
}

// EstimateResponse is where that request would land.
type EstimateResponse struct {
	Priority                 prioritizer.Priority `json:"priority"`
	QueuePosition            int                  `json:"queue_position"`
	FeePerGas                string               `json:"fee_per_gas"`
	Round                    uint64               `json:"round"`
	EstimatedFulfillmentTime time.Time            `json:"estimated_fulfillment_time"`
}

// BeaconResponse is the latest pulse plus the monitor's view of it.
type BeaconResponse struct {
	Network    string        `json:"network"`
	Round      uint64        `json:"round"`
	Randomness hexutil.Bytes `json:"randomness"`
	Signature  string        `json:"signature"`
	Staleness  int64         `json:"staleness"`
	Health     string        `json:"health"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	entries := s.prio.Rank(s.ledger.ListOutstanding(), now)
	busy := s.inflightSet()

	resp := QueueResponse{
		Entries:     make([]QueueEntry, 0, len(entries)),
		Depth:       prioritizer.Depth(entries),
		GeneratedAt: now.UTC(),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, QueueEntry{
			RequestID:                e.RequestID,
			Priority:                 e.Priority,
			QueuePosition:            e.QueuePosition,
			FeePerGas:                e.FeePerGas.String(),
			Deadline:                 e.Deadline,
			Round:                    e.Round,
			EstimatedFulfillmentTime: e.EstimatedFulfillmentTime.UTC(),
			InFlight:                 busy[e.RequestID],
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, ok := s.ledger.Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "request not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.view(req, s.inflightSet()))
}

func (s *Service) handleListRequests(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("requester")
	if !common.IsHexAddress(addr) {
		httputil.WriteError(w, http.StatusBadRequest, "requester must be a hex address")
		return
	}
	busy := s.inflightSet()
	reqs := s.ledger.ListByRequester(common.HexToAddress(addr))
	views := make([]RequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, s.view(req, busy))
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

func (s *Service) handleEstimate(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxEstimateBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httputil.WriteError(w, status, err.Error())
		return
	}
	var in EstimateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	fee, ok := new(big.Int).SetString(in.FeePaid, 10)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "fee_paid must be a decimal integer")
		return
	}

	now := s.now()
	if limits, ok := s.Limits(); ok {
		if limits.MaxCallbackGasBudget > 0 && in.CallbackGasBudget > limits.MaxCallbackGasBudget {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "callback_gas_budget exceeds contract limit")
			return
		}
		if limits.MaxDeadlineDelta > 0 && in.Deadline > now.Add(limits.MaxDeadlineDelta).Unix() {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "deadline exceeds contract limit")
			return
		}
	}

	existing := s.prio.Rank(s.ledger.ListOutstanding(), now)
	est, err := s.prio.EstimateForHypothetical(prioritizer.Hypothetical{
		FeePaid:           fee,
		CallbackGasBudget: in.CallbackGasBudget,
		Deadline:          in.Deadline,
	}, existing, now)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, EstimateResponse{
		Priority:                 est.Priority,
		QueuePosition:            est.QueuePosition,
		FeePerGas:                est.FeePerGas.String(),
		Round:                    est.Round,
		EstimatedFulfillmentTime: est.EstimatedFulfillmentTime.UTC(),
	})
}

func (s *Service) handleBeaconLatest(w http.ResponseWriter, r *http.Request) {
	pulse, err := s.beacon.FetchLatest(r.Context(), s.cfg.Network)
	if err != nil {
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	staleness := s.cfg.Clock.Staleness(pulse.Round, s.now().Unix())
	httputil.WriteJSON(w, http.StatusOK, BeaconResponse{
		Network:    pulse.Network,
		Round:      pulse.Round,
		Randomness: pulse.Randomness,
		Signature:  pulse.SignatureHex(),
		Staleness:  staleness,
		Health:     s.cfg.Thresholds.Classify(staleness).String(),
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) inflightSet() map[uint64]bool {
	ids := s.InFlight()
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (s *Service) view(r *ledger.Request, busy map[uint64]bool) RequestView {
	v := RequestView{
		ID:                r.ID,
		Requester:         r.Requester,
		State:             r.State,
		Deadline:          r.Deadline,
		Round:             r.Round,
		CallbackGasBudget: r.CallbackGasBudget,
		FeePaid:           "0",
		FeePerGas:         r.FeePerGas().String(),
		BeaconKeyID:       r.BeaconKeyID,
		Randomness:        r.Randomness,
		CallbackSucceeded: r.CallbackSucceeded,
		ActualGasUsed:     r.ActualGasUsed,
		InFlight:          busy[r.ID],
	}
	if r.FeePaid != nil {
		v.FeePaid = r.FeePaid.String()
	}
	if r.FulfillmentTxHash != (common.Hash{}) {
		h := r.FulfillmentTxHash
		v.FulfillmentTxHash = &h
	}
	if out, ok := s.ledger.LocalOutcomeFor(r.ID); ok {
		h := out.TxHash
		v.LocalTxHash = &h
	}
	return v
}
