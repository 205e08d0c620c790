// Package engine ties the wreckage core together: it owns the pending set
// of loss events, runs the peer matcher and the router over it, records
// every outcome in the execution ledger and forwards outcomes to
// publishers.
//
// All monetary values use shopspring/decimal, never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fryprotocol/wreckage-engine/internal/allocator"
	"github.com/fryprotocol/wreckage-engine/internal/correlation"
	"github.com/fryprotocol/wreckage-engine/internal/matcher"
	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/model"
	"github.com/fryprotocol/wreckage-engine/internal/registry"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
	"github.com/fryprotocol/wreckage-engine/internal/router"
	"github.com/fryprotocol/wreckage-engine/internal/store"
)

var (
	// ErrInvalidEvent is returned by Submit for malformed events. The
	// event never enters the pending set.
	ErrInvalidEvent = errors.New("engine: invalid loss event")

	// ErrDuplicateEvent is returned by Submit when the id is already pending
	// or was consumed. It wraps ErrInvalidEvent.
	ErrDuplicateEvent = fmt.Errorf("%w: duplicate id", ErrInvalidEvent)

	// ErrEventNotFound is returned by Withdraw for unknown or already
	// settled events.
	ErrEventNotFound = errors.New("engine: event not found")

	// ErrEventInFlight is returned by Withdraw while the event is part of a
	// running processing pass.
	ErrEventInFlight = errors.New("engine: event is being processed")

	// ErrShortfall describes the unfilled remainder of an accepted route.
	ErrShortfall = errors.New("engine: route shortfall")

	// ErrPersist wraps store failures after outcomes were committed.
	ErrPersist = errors.New("engine: persist outcomes")
)

// Rejection reasons reported in outcomes and ledger rows.
const (
	ReasonNoLiquidity           = "no_liquidity"
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonShortfall             = "shortfall"
	ReasonError                 = "error"
)

var recordNamespace = uuid.MustParse("e1c7a4d2-6b3f-4f0e-8a59-2d7c1b9e0f34")

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Defaults to a MemoryStore.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.store = st }
}

// WithPublisher sets the sink for committed outcomes.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithClock overrides the time source used to stamp events and outcomes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLimiter enables pending exposure limits at Submit.
func WithLimiter(l *correlation.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithWorkers bounds how many assets are routed in parallel.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine processes loss events. Submit and Withdraw may be called from any
// goroutine; processing passes are serialized.
type Engine struct {
	reg     *registry.Registry
	calc    *reward.Calculator
	router  *router.Router
	store   store.Store
	pub     Publisher
	limiter *correlation.Limiter
	now     func() time.Time
	log     *slog.Logger
	workers int
	seq     atomic.Uint64 // rejection sequence, see RecordID

	process sync.Mutex // serializes ProcessPending

	mu          sync.Mutex
	pending     []model.LossEvent // insertion order
	ids         map[string]struct{}
	inflight    map[string]struct{}
	consumed    map[string]struct{}
	rewardTotal decimal.Decimal
}

// New creates an engine over reg. The router's utilization ceiling is the
// registry's.
func New(reg *registry.Registry, calc *reward.Calculator, opts router.Options, options ...Option) (*Engine, error) {
	rt, err := router.New(reg, calc, opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		reg:         reg,
		calc:        calc,
		router:      rt,
		store:       store.NewMemoryStore(),
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
		workers:     runtime.GOMAXPROCS(0),
		ids:         make(map[string]struct{}),
		inflight:    make(map[string]struct{}),
		consumed:    make(map[string]struct{}),
		rewardTotal: decimal.Zero,
	}
	for _, o := range options {
		o(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e, nil
}

// Restore reconciles the registry with the store. When the store holds no
// pools it is seeded from the registry; otherwise persisted utilization is
// loaded into the registry (static parameters stay as configured). The
// ledger is replayed to rebuild the consumed set and the reward total.
func (e *Engine) Restore(ctx context.Context) error {
	persisted, err := e.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("engine: load pools: %w", err)
	}

	configured := make(map[model.PoolKey]model.VenuePool)
	for _, p := range e.reg.Snapshot() {
		configured[p.Key()] = p
	}

	saved := make(map[model.PoolKey]bool, len(persisted))
	for _, p := range persisted {
		saved[p.Key()] = true
		pool := p
		if cfg, ok := configured[p.Key()]; ok {
			pool = cfg
			pool.Utilization = p.Utilization
		}
		pool.Utilization = decimal.Min(pool.Utilization, e.reg.MaxUtilization())
		if err := e.reg.Upsert(pool); err != nil {
			return fmt.Errorf("engine: restore pool %s: %w", p.Key(), err)
		}
	}
	for k, p := range configured {
		if saved[k] {
			continue
		}
		p := p
		if err := e.store.SavePool(ctx, &p); err != nil {
			return fmt.Errorf("engine: seed pool %s: %w", k, err)
		}
	}

	records, err := e.store.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("engine: load executions: %w", err)
	}

	e.seq.Store(uint64(len(records)))

	e.mu.Lock()
	for _, r := range records {
		switch r.Kind {
		case model.OutcomeMatched:
			e.consumed[r.EventID] = struct{}{}
			e.consumed[r.CounterpartyEventID] = struct{}{}
		case model.OutcomeRouted:
			e.consumed[r.EventID] = struct{}{}
		default:
			continue
		}
		e.rewardTotal = e.rewardTotal.Add(r.RewardMinted)
	}
	e.mu.Unlock()

	for _, p := range e.reg.Snapshot() {
		metrics.PoolUtilization.WithLabelValues(p.Venue, p.Asset).Set(p.Utilization.InexactFloat64())
	}

	e.log.Info("engine restored",
		"pools", len(e.reg.Snapshot()),
		"executions", len(records),
		"reward_total", e.RewardTotal().String(),
	)
	return nil
}

// Submit validates event and appends it to the pending set. A missing ID
// is generated and a missing CreatedAt is stamped with the engine clock.
func (e *Engine) Submit(_ context.Context, event model.LossEvent) (model.LossEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.now()
	}
	if err := e.validate(event); err != nil {
		return model.LossEvent{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.known(event.ID) {
		return model.LossEvent{}, fmt.Errorf("%w %s", ErrDuplicateEvent, event.ID)
	}
	if e.limiter.Enabled() {
		if err := e.limiter.Check(event, correlation.Exposures(e.pending)); err != nil {
			return model.LossEvent{}, err
		}
	}

	e.pending = append(e.pending, event)
	e.ids[event.ID] = struct{}{}

	metrics.EventsSubmitted.WithLabelValues(event.Asset).Inc()
	metrics.PendingEvents.Set(float64(len(e.pending)))

	e.log.Debug("loss event accepted",
		"event_id", event.ID,
		"venue", event.Venue,
		"asset", event.Asset,
		"amount_usd", event.AmountUSD.String(),
		"exposure_sign", event.ExposureSign,
	)
	return event, nil
}

func (e *Engine) known(id string) bool {
	if _, ok := e.ids[id]; ok {
		return true
	}
	if _, ok := e.consumed[id]; ok {
		return true
	}
	return false
}

func (e *Engine) validate(ev model.LossEvent) error {
	switch {
	case !ev.AmountUSD.IsPositive():
		return fmt.Errorf("%w: amount_usd must be positive, got %s", ErrInvalidEvent, ev.AmountUSD)
	case ev.Venue == "":
		return fmt.Errorf("%w: venue is required", ErrInvalidEvent)
	case ev.Asset == "":
		return fmt.Errorf("%w: asset is required", ErrInvalidEvent)
	case !e.reg.HasAsset(ev.Asset):
		return fmt.Errorf("%w: unknown asset %s", ErrInvalidEvent, ev.Asset)
	case ev.ExposureSign != 1 && ev.ExposureSign != -1:
		return fmt.Errorf("%w: exposure_sign must be -1 or +1, got %d", ErrInvalidEvent, ev.ExposureSign)
	}
	return nil
}

// Withdraw removes a pending event that has not been matched or routed.
func (e *Engine) Withdraw(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inflight[id]; ok {
		return fmt.Errorf("%w: %s", ErrEventInFlight, id)
	}
	if _, ok := e.ids[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	for i, ev := range e.pending {
		if ev.ID == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	delete(e.ids, id)
	metrics.PendingEvents.Set(float64(len(e.pending)))

	e.log.Info("loss event withdrawn", "event_id", id)
	return nil
}

// Pending returns a copy of the pending set in arrival order.
func (e *Engine) Pending() []model.LossEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.LossEvent, len(e.pending))
	copy(out, e.pending)
	return out
}

// routed is the result of routing one unmatched event.
type routed struct {
	outcomes []model.Outcome
	touched  []model.PoolKey
}

// ProcessPending runs one pass over the events pending when it starts.
// Offsetting events are matched first; the rest are routed, each asset's
// events sequentially in arrival order, distinct assets in parallel.
//
// Outcomes list matched pairs first, then one routed or rejected outcome
// per remaining event in arrival order (a routed event with a shortfall
// adds a shortfall rejection after its route). Rejected events leave the
// pending set and may be resubmitted.
//
// If ctx is cancelled mid-pass, events not yet routed stay pending and the
// committed outcomes are returned together with ctx.Err(). A store failure
// after commit is returned wrapped in ErrPersist alongside the outcomes.
func (e *Engine) ProcessPending(ctx context.Context) ([]model.Outcome, error) {
	e.process.Lock()
	defer e.process.Unlock()

	start := time.Now()
	defer func() { metrics.ProcessLatency.Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	batch := make([]model.LossEvent, len(e.pending))
	copy(batch, e.pending)
	for _, ev := range batch {
		e.inflight[ev.ID] = struct{}{}
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	now := e.now()
	pairs, unmatched := matcher.TryMatch(batch, e.calc)

	outcomes := make([]model.Outcome, 0, len(batch))
	for i := range pairs {
		pairs[i].SettledAt = now
		outcomes = append(outcomes, model.Outcome{Kind: model.OutcomeMatched, Pair: &pairs[i]})
	}

	var touched []model.PoolKey
	seen := make(map[model.PoolKey]bool)
	for _, res := range e.routeAll(ctx, unmatched, now) {
		if res == nil {
			continue
		}
		outcomes = append(outcomes, res.outcomes...)
		for _, k := range res.touched {
			if !seen[k] {
				seen[k] = true
				touched = append(touched, k)
			}
		}
	}

	// Numbered in outcome order so ledger ids do not depend on scheduling.
	for _, o := range outcomes {
		if o.Kind == model.OutcomeRejected {
			o.Rejection.Seq = e.seq.Add(1)
		}
	}

	e.settle(batch, outcomes)

	// Committed outcomes are final; persist them even if ctx was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	persistErr := e.persist(persistCtx, outcomes, touched)
	if persistErr != nil {
		e.log.Error("persisting outcomes failed", "err", persistErr)
	}

	e.observe(outcomes)

	if e.pub != nil && len(outcomes) > 0 {
		if err := e.pub.Publish(persistCtx, outcomes); err != nil {
			metrics.PublishFailures.WithLabelValues("engine").Inc()
			e.log.Warn("publishing outcomes failed", "err", err, "outcomes", len(outcomes))
		}
	}

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, persistErr
}

// Run executes a processing pass every interval until ctx is done. Ticks
// with nothing pending are skipped.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			n := len(e.pending)
			e.mu.Unlock()
			if n == 0 {
				continue
			}
			outcomes, err := e.ProcessPending(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Error("scheduled processing pass failed", "err", err, "outcomes", len(outcomes))
			}
		}
	}
}

// routeAll routes unmatched grouped by asset. The result slice is aligned
// with unmatched; entries left nil were not attempted because ctx ended.
func (e *Engine) routeAll(ctx context.Context, unmatched []model.LossEvent, now time.Time) []*routed {
	results := make([]*routed, len(unmatched))
	if len(unmatched) == 0 {
		return results
	}

	groups := make(map[string][]int)
	var order []string
	for i, ev := range unmatched {
		if _, ok := groups[ev.Asset]; !ok {
			order = append(order, ev.Asset)
		}
		groups[ev.Asset] = append(groups[ev.Asset], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, asset := range order {
		idxs := groups[asset]
		g.Go(func() error {
			for _, i := range idxs {
				if gctx.Err() != nil {
					return nil
				}
				results[i] = e.routeOne(unmatched[i], now)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) routeOne(ev model.LossEvent, now time.Time) *routed {
	route, updated, err := e.router.Route(ev)
	if err != nil {
		return &routed{outcomes: []model.Outcome{reject(ev, reasonFor(err), err, now)}}
	}

	route.ExecutedAt = now
	res := &routed{outcomes: []model.Outcome{{Kind: model.OutcomeRouted, Route: route}}}
	for _, p := range updated {
		res.touched = append(res.touched, p.Key())
	}

	if route.ShortfallUSD.IsPositive() {
		short := ev
		short.AmountUSD = route.ShortfallUSD
		err := fmt.Errorf("%w: %s of %s unfilled on %s", ErrShortfall,
			route.ShortfallUSD.StringFixed(2), ev.AmountUSD.StringFixed(2), ev.ID)
		res.outcomes = append(res.outcomes, reject(short, ReasonShortfall, err, now))
	}
	return res
}

func reject(ev model.LossEvent, reason string, err error, now time.Time) model.Outcome {
	return model.Outcome{
		Kind: model.OutcomeRejected,
		Rejection: &model.Rejection{
			Event:      ev,
			Reason:     reason,
			Detail:     err.Error(),
			Err:        err,
			RejectedAt: now,
		},
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, router.ErrNoLiquidityAvailable):
		return ReasonNoLiquidity
	case errors.Is(err, router.ErrInsufficientLiquidity):
		return ReasonInsufficientLiquidity
	}
	return ReasonError
}

// settle removes every event that produced an outcome from the pending
// set, marks matched and routed events consumed and accrues reward.
func (e *Engine) settle(batch []model.LossEvent, outcomes []model.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(map[string]struct{}, len(batch))
	for _, o := range outcomes {
		switch o.Kind {
		case model.OutcomeMatched:
			done[o.Pair.First.ID] = struct{}{}
			done[o.Pair.Second.ID] = struct{}{}
			e.consumed[o.Pair.First.ID] = struct{}{}
			e.consumed[o.Pair.Second.ID] = struct{}{}
		case model.OutcomeRouted:
			done[o.Route.Event.ID] = struct{}{}
			e.consumed[o.Route.Event.ID] = struct{}{}
		case model.OutcomeRejected:
			done[o.Rejection.Event.ID] = struct{}{}
		}
		e.rewardTotal = e.rewardTotal.Add(o.Reward())
	}

	kept := e.pending[:0]
	for _, ev := range e.pending {
		if _, ok := done[ev.ID]; ok {
			delete(e.ids, ev.ID)
			continue
		}
		kept = append(kept, ev)
	}
	e.pending = kept

	for _, ev := range batch {
		delete(e.inflight, ev.ID)
	}
	metrics.PendingEvents.Set(float64(len(e.pending)))
}

// RecordID derives the ledger row id of an outcome. Matched and routed
// rows are keyed by their pair or route id; rejections also by time and
// sequence number, since a resubmitted event may be rejected again.
func RecordID(o model.Outcome) string {
	var name string
	switch o.Kind {
	case model.OutcomeMatched:
		name = "matched|" + o.Pair.ID
	case model.OutcomeRouted:
		name = "routed|" + o.Route.ID
	default:
		rj := o.Rejection
		name = "rejected|" + rj.Event.ID + "|" + rj.Reason + "|" + strconv.FormatInt(rj.RejectedAt.UnixNano(), 10) +
			"|" + strconv.FormatUint(rj.Seq, 10)
	}
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

func (e *Engine) persist(ctx context.Context, outcomes []model.Outcome, touched []model.PoolKey) error {
	var errs []error
	for _, o := range outcomes {
		rec := o.Record(RecordID(o))
		if err := e.store.InsertExecution(ctx, &rec); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
		}
	}
	for _, k := range touched {
		p, ok := e.reg.Get(k)
		if !ok {
			continue
		}
		err := e.store.UpdatePoolUtilization(ctx, k.Venue, k.Asset, p.Utilization)
		if errors.Is(err, store.ErrPoolNotFound) {
			// Store was never seeded by Restore.
			err = e.store.SavePool(ctx, &p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", k, err))
		}
		metrics.PoolUtilization.WithLabelValues(k.Venue, k.Asset).Set(p.Utilization.InexactFloat64())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPersist, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) observe(outcomes []model.Outcome) {
	for _, o := range outcomes {
		switch o.Kind {
		case model.OutcomeMatched:
			p := o.Pair
			metrics.MatchesTotal.WithLabelValues(p.First.Asset).Inc()
			metrics.RewardMinted.WithLabelValues(string(o.Kind)).Add(p.RewardMinted.InexactFloat64())
			e.log.Info("loss events matched",
				"pair_id", p.ID,
				"first", p.First.ID,
				"second", p.Second.ID,
				"asset", p.First.Asset,
				"notional_usd", p.NotionalUSD.String(),
				"hedge_quality", p.HedgeQuality.String(),
				"reward", p.RewardMinted.String(),
			)
		case model.OutcomeRouted:
			r := o.Route
			metrics.RoutesTotal.WithLabelValues(r.Event.Asset, strconv.Itoa(len(r.Hops))).Inc()
			metrics.RewardMinted.WithLabelValues(string(o.Kind)).Add(r.RewardMinted.InexactFloat64())
			e.log.Info("loss event routed",
				"route_id", r.ID,
				"event_id", r.Event.ID,
				"asset", r.Event.Asset,
				"hops", len(r.Hops),
				"filled_usd", r.FilledUSD.String(),
				"cost_bps", r.TotalCostBps.String(),
				"reward", r.RewardMinted.String(),
			)
		case model.OutcomeRejected:
			rj := o.Rejection
			metrics.RejectionsTotal.WithLabelValues(rj.Reason).Inc()
			e.log.Info("loss event rejected",
				"event_id", rj.Event.ID,
				"asset", rj.Event.Asset,
				"amount_usd", rj.Event.AmountUSD.String(),
				"reason", rj.Reason,
				"err", rj.Err,
			)
		}
	}
}

// VenueState returns a snapshot of every pool ordered by venue then asset.
func (e *Engine) VenueState() []model.VenuePool {
	return e.reg.Snapshot()
}

// Allocate recommends how to spread total capital across venues given the
// current pool state. It does not mutate anything.
func (e *Engine) Allocate(total decimal.Decimal) (model.CapitalAllocation, error) {
	return allocator.Allocate(total, e.reg.Snapshot())
}

// RewardTotal is the reward minted by every committed outcome.
func (e *Engine) RewardTotal() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rewardTotal
}

// Executions returns the execution ledger in insertion order.
func (e *Engine) Executions(ctx context.Context) ([]model.ExecutionRecord, error) {
	return e.store.ListExecutions(ctx)
}

// ExecutionsForEvent returns the ledger rows naming eventID.
func (e *Engine) ExecutionsForEvent(ctx context.Context, eventID string) ([]model.ExecutionRecord, error) {
	return e.store.GetExecutionsByEvent(ctx, eventID)
}

// Options returns the routing bounds in force.
func (e *Engine) Options() router.Options {
	return e.router.Options()
}
