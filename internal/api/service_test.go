package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/api"
	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/model"
	"github.com/fryprotocol/wreckage-engine/internal/registry"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
	"github.com/fryprotocol/wreckage-engine/internal/router"
	"github.com/fryprotocol/wreckage-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service over an engine with four pools and a
// chi router.
func newTestEnv(t *testing.T, hub *api.WSHub, options ...engine.Option) (*engine.Engine, chi.Router) {
	t.Helper()
	reg, err := registry.New(decimal.Zero, []model.VenuePool{
		{Venue: "venueA", Asset: "BTC", DepthUSD: d(500000), SpreadBps: d(2), Utilization: d(0.9)},
		{Venue: "venueB", Asset: "BTC", DepthUSD: d(500000), SpreadBps: d(2), Utilization: d(0.1)},
		{Venue: "venueX", Asset: "ETH", DepthUSD: d(100000), SpreadBps: d(3)},
		{Venue: "venueY", Asset: "ETH", DepthUSD: d(80000), SpreadBps: d(4)},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	calc, err := reward.NewCalculator(reward.DefaultRates())
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	opts := router.DefaultOptions()
	opts.MaxHops = 2

	if hub != nil {
		options = append(options, engine.WithPublisher(hub))
	}
	e, err := engine.New(reg, calc, opts, options...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	r := chi.NewRouter()
	api.NewService(e, hub).Mount(r)
	return e, r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, r http.Handler, req api.SubmitEventRequest) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, r, "POST", "/api/v1/events", req)
}

// --- Intake ---

func TestSubmitEvent_Created(t *testing.T) {
	_, r := newTestEnv(t, nil)

	w := submit(t, r, api.SubmitEventRequest{
		ID: "e1", Venue: "venueA", Asset: "BTC", AmountUSD: d(50000), ExposureSign: -1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var ev model.LossEvent
	json.Unmarshal(w.Body.Bytes(), &ev)
	if ev.ID != "e1" {
		t.Errorf("expected id e1, got %q", ev.ID)
	}
	if ev.CreatedAt.IsZero() {
		t.Error("expected created_at to be stamped")
	}

	w = do(t, r, "GET", "/api/v1/events/pending", nil)
	var pending []model.LossEvent
	json.Unmarshal(w.Body.Bytes(), &pending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}
}

func TestSubmitEvent_Invalid(t *testing.T) {
	_, r := newTestEnv(t, nil)

	cases := []api.SubmitEventRequest{
		{Venue: "venueA", Asset: "BTC", AmountUSD: d(0), ExposureSign: 1},
		{Venue: "venueA", Asset: "DOGE", AmountUSD: d(10), ExposureSign: 1},
		{Venue: "", Asset: "BTC", AmountUSD: d(10), ExposureSign: 1},
		{Venue: "venueA", Asset: "BTC", AmountUSD: d(10), ExposureSign: 0},
	}
	for _, c := range cases {
		w := submit(t, r, c)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", c, w.Code)
		}
	}

	req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestWithdrawEvent(t *testing.T) {
	_, r := newTestEnv(t, nil)
	submit(t, r, api.SubmitEventRequest{ID: "w1", Venue: "venueA", Asset: "BTC", AmountUSD: d(10), ExposureSign: 1})

	if w := do(t, r, "DELETE", "/api/v1/events/w1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, r, "DELETE", "/api/v1/events/w1", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second withdraw, got %d", w.Code)
	}
}

// --- Processing ---

func TestProcess_MatchAndRoute(t *testing.T) {
	_, r := newTestEnv(t, nil)
	submit(t, r, api.SubmitEventRequest{ID: "a", Venue: "venueA", Asset: "BTC", AmountUSD: d(50000), ExposureSign: -1})
	submit(t, r, api.SubmitEventRequest{ID: "b", Venue: "venueB", Asset: "BTC", AmountUSD: d(50000), ExposureSign: 1})
	submit(t, r, api.SubmitEventRequest{ID: "c", Venue: "venueC", Asset: "ETH", AmountUSD: d(120000), ExposureSign: 1})

	w := do(t, r, "POST", "/api/v1/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.ProcessResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Matched != 1 || resp.Routed != 1 || resp.Rejected != 0 {
		t.Fatalf("expected 1 matched, 1 routed, got %+v", resp)
	}
	if !resp.RewardMinted.IsPositive() {
		t.Errorf("expected positive reward, got %s", resp.RewardMinted)
	}
	if resp.Error != "" {
		t.Errorf("expected no error, got %q", resp.Error)
	}
	if len(resp.Outcomes) != 2 || resp.Outcomes[1].Route == nil || len(resp.Outcomes[1].Route.Hops) != 2 {
		t.Errorf("expected a two-hop route, got %+v", resp.Outcomes)
	}

	// Ledger and reward total reflect the pass.
	w = do(t, r, "GET", "/api/v1/executions", nil)
	var records []model.ExecutionRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(records))
	}

	w = do(t, r, "GET", "/api/v1/executions?event_id=b", nil)
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 1 || records[0].Kind != model.OutcomeMatched {
		t.Errorf("expected the matched row for b, got %+v", records)
	}

	w = do(t, r, "GET", "/api/v1/rewards", nil)
	var rewards api.RewardsResponse
	json.Unmarshal(w.Body.Bytes(), &rewards)
	if !rewards.RewardTotal.Equal(resp.RewardMinted) {
		t.Errorf("reward total %s != minted %s", rewards.RewardTotal, resp.RewardMinted)
	}
}

func TestProcess_RoutedWithoutRestore(t *testing.T) {
	_, r := newTestEnv(t, nil)
	submit(t, r, api.SubmitEventRequest{ID: "c", Venue: "venueC", Asset: "ETH", AmountUSD: d(120000), ExposureSign: 1})

	w := do(t, r, "POST", "/api/v1/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.ProcessResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Routed != 1 {
		t.Fatalf("expected 1 routed, got %+v", resp)
	}
	if resp.Error != "" {
		t.Errorf("expected no error, got %q", resp.Error)
	}
}

// failingStore accepts pool writes but rejects ledger inserts.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) InsertExecution(context.Context, *model.ExecutionRecord) error {
	return errors.New("disk full")
}

func TestProcess_ReportsPersistFailure(t *testing.T) {
	_, r := newTestEnv(t, nil, engine.WithStore(failingStore{store.NewMemoryStore()}))
	submit(t, r, api.SubmitEventRequest{ID: "c", Venue: "venueC", Asset: "ETH", AmountUSD: d(120000), ExposureSign: 1})

	w := do(t, r, "POST", "/api/v1/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.ProcessResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Routed != 1 {
		t.Errorf("expected the committed route, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "disk full") {
		t.Errorf("expected persist error in body, got %q", resp.Error)
	}
}

func TestProcess_Empty(t *testing.T) {
	_, r := newTestEnv(t, nil)

	w := do(t, r, "POST", "/api/v1/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"outcomes":[]`) {
		t.Errorf("expected empty outcome list, got %s", w.Body.String())
	}
}

// --- Queries ---

func TestListVenues(t *testing.T) {
	_, r := newTestEnv(t, nil)

	w := do(t, r, "GET", "/api/v1/venues", nil)
	var pools []model.VenuePool
	json.Unmarshal(w.Body.Bytes(), &pools)
	if len(pools) != 4 {
		t.Fatalf("expected 4 pools, got %d", len(pools))
	}

	w = do(t, r, "GET", "/api/v1/venues?asset=ETH", nil)
	json.Unmarshal(w.Body.Bytes(), &pools)
	if len(pools) != 2 {
		t.Errorf("expected 2 ETH pools, got %d", len(pools))
	}
}

func TestGetAllocation(t *testing.T) {
	_, r := newTestEnv(t, nil)

	w := do(t, r, "GET", "/api/v1/allocation?capital=1000000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.AllocationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// venueB (10% utilized) should get more than venueA (90% utilized).
	if !resp.Allocation["venueB"].GreaterThan(resp.Allocation["venueA"]) {
		t.Errorf("expected venueB > venueA, got %v", resp.Allocation)
	}
	total := decimal.Zero
	for _, v := range resp.Allocation {
		total = total.Add(v)
	}
	if !total.Equal(d(1000000)) {
		t.Errorf("allocation should sum to capital, got %s", total)
	}

	for _, bad := range []string{"", "?capital=abc", "?capital=-5"} {
		if w := do(t, r, "GET", "/api/v1/allocation"+bad, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", bad, w.Code)
		}
	}
}

// --- WebSocket ---

func TestWebSocket_StreamsOutcomes(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	_, r := newTestEnv(t, hub)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	submit(t, r, api.SubmitEventRequest{ID: "a", Venue: "venueA", Asset: "BTC", AmountUSD: d(1000), ExposureSign: -1})
	submit(t, r, api.SubmitEventRequest{ID: "b", Venue: "venueB", Asset: "BTC", AmountUSD: d(1000), ExposureSign: 1})
	do(t, r, "POST", "/api/v1/process", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "matched" || msg.EventID != "a" || msg.Counterparty != "b" {
		t.Errorf("unexpected message %+v", msg)
	}
}
