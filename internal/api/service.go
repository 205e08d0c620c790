// Package api provides the HTTP handlers for submitting loss events,
// triggering processing passes and querying venue state, allocations and
// the execution ledger.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/allocator"
	"github.com/fryprotocol/wreckage-engine/internal/correlation"
	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// Service exposes an Engine over HTTP.
type Service struct {
	engine *engine.Engine
	wsHub  *WSHub // optional; mounted at /ws when set
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket streaming is not needed.
func NewService(e *engine.Engine, hub *WSHub) *Service {
	return &Service{engine: e, wsHub: hub}
}

// Mount registers the /api/v1 routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.wsHub != nil {
			// WebSocket stream of committed outcomes.
			r.Get("/ws", s.wsHub.HandleWS)
		}

		// Loss event intake.
		r.Post("/events", s.SubmitEvent)
		r.Get("/events/pending", s.ListPending)
		r.Delete("/events/{eventID}", s.WithdrawEvent)

		// Processing.
		r.Post("/process", s.Process)

		// Queries.
		r.Get("/venues", s.ListVenues)
		r.Get("/allocation", s.GetAllocation)
		r.Get("/executions", s.ListExecutions)
		r.Get("/rewards", s.GetRewards)
	})
}

// --- Request/Response types ---

// SubmitEventRequest is the JSON body for POST /events.
type SubmitEventRequest struct {
	ID           string          `json:"id,omitempty"` // generated when empty
	Venue        string          `json:"venue"`
	Asset        string          `json:"asset"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	ExposureSign int             `json:"exposure_sign"` // +1 or -1
	CreatedAt    *time.Time      `json:"created_at,omitempty"`
}

// Event converts the request into a loss event.
func (req SubmitEventRequest) Event() model.LossEvent {
	ev := model.LossEvent{
		ID:           req.ID,
		Venue:        req.Venue,
		Asset:        req.Asset,
		AmountUSD:    req.AmountUSD,
		ExposureSign: req.ExposureSign,
	}
	if req.CreatedAt != nil {
		ev.CreatedAt = req.CreatedAt.UTC()
	}
	return ev
}

// ProcessResponse is the JSON body returned from POST /process.
type ProcessResponse struct {
	Outcomes     []model.Outcome `json:"outcomes"`
	Matched      int             `json:"matched"`
	Routed       int             `json:"routed"`
	Rejected     int             `json:"rejected"`
	RewardMinted decimal.Decimal `json:"reward_minted"`
	// Error is set when the outcomes were committed but persisting them
	// failed.
	Error string `json:"error,omitempty"`
}

// AllocationResponse is the JSON body returned from GET /allocation.
type AllocationResponse struct {
	TotalCapital decimal.Decimal         `json:"total_capital"`
	Allocation   model.CapitalAllocation `json:"allocation"`
}

// RewardsResponse is the JSON body returned from GET /rewards.
type RewardsResponse struct {
	RewardTotal decimal.Decimal `json:"reward_total"`
}

// --- HTTP Handlers ---

// SubmitEvent handles POST /api/v1/events
func (s *Service) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, err := s.engine.Submit(r.Context(), req.Event())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("loss event submitted",
		"event_id", ev.ID,
		"venue", ev.Venue,
		"asset", ev.Asset,
		"amount_usd", ev.AmountUSD.String(),
	)

	writeJSON(w, http.StatusCreated, ev)
}

// WithdrawEvent handles DELETE /api/v1/events/{eventID}
func (s *Service) WithdrawEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	if err := s.engine.Withdraw(r.Context(), eventID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPending handles GET /api/v1/events/pending
func (s *Service) ListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pending())
}

// Process handles POST /api/v1/process
// Runs one processing pass over the pending set.
func (s *Service) Process(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.engine.ProcessPending(r.Context())
	if err != nil && len(outcomes) == 0 {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	resp := ProcessResponse{
		Outcomes:     outcomes,
		RewardMinted: decimal.Zero,
	}
	if err != nil {
		// Outcomes are committed; report them together with the error.
		slog.Error("processing pass finished with error", "err", err, "outcomes", len(outcomes))
		resp.Error = err.Error()
	}
	if resp.Outcomes == nil {
		resp.Outcomes = []model.Outcome{}
	}
	for _, o := range outcomes {
		switch o.Kind {
		case model.OutcomeMatched:
			resp.Matched++
		case model.OutcomeRouted:
			resp.Routed++
		case model.OutcomeRejected:
			resp.Rejected++
		}
		resp.RewardMinted = resp.RewardMinted.Add(o.Reward())
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListVenues handles GET /api/v1/venues
// Returns every pool, optionally filtered by ?asset=.
func (s *Service) ListVenues(w http.ResponseWriter, r *http.Request) {
	pools := s.engine.VenueState()
	if pools == nil {
		pools = []model.VenuePool{}
	}

	if asset := r.URL.Query().Get("asset"); asset != "" {
		filtered := []model.VenuePool{}
		for _, p := range pools {
			if p.Asset == asset {
				filtered = append(filtered, p)
			}
		}
		pools = filtered
	}

	writeJSON(w, http.StatusOK, pools)
}

// GetAllocation handles GET /api/v1/allocation?capital=<usd>
func (s *Service) GetAllocation(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("capital")
	if raw == "" {
		writeError(w, "capital query parameter is required", http.StatusBadRequest)
		return
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, "capital must be a decimal number", http.StatusBadRequest)
		return
	}

	alloc, err := s.engine.Allocate(total)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, AllocationResponse{TotalCapital: total, Allocation: alloc})
}

// ListExecutions handles GET /api/v1/executions
// Returns the execution ledger, optionally filtered by ?event_id=.
func (s *Service) ListExecutions(w http.ResponseWriter, r *http.Request) {
	var (
		records []model.ExecutionRecord
		err     error
	)
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		records, err = s.engine.ExecutionsForEvent(r.Context(), eventID)
	} else {
		records, err = s.engine.Executions(r.Context())
	}
	if err != nil {
		writeError(w, "failed to load executions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

// GetRewards handles GET /api/v1/rewards
func (s *Service) GetRewards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RewardsResponse{RewardTotal: s.engine.RewardTotal()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, allocator.ErrNegativeCapital):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEventInFlight),
		errors.Is(err, correlation.ErrPoolLimitExceeded),
		errors.Is(err, correlation.ErrVenueLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
