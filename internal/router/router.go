// Package router finds and executes the cheapest way to absorb an unmatched
// loss event through venue liquidity pools.
//
// Each pool charges a quadratic-in-fill-ratio slippage cost:
//
//	costBps(pool, x) = spreadBps + (x / depthUSD)² * 100
//
// so one pool absorbing a large share of an event gets expensive quickly,
// which is what makes splitting across several venues (hops) worthwhile.
//
// Planning is pure: Plan reads a snapshot of pools and returns a Route
// without touching any state. Router.Execute commits a planned route to the
// registry atomically.
package router

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
	"github.com/fryprotocol/wreckage-engine/internal/registry"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
)

var (
	// ErrNoLiquidityAvailable is returned when no pool for the event's
	// asset has any liquidity left.
	ErrNoLiquidityAvailable = errors.New("router: no liquidity available")

	// ErrInsufficientLiquidity is returned when candidate pools cannot
	// jointly fill the required share of the event within the hop budget.
	ErrInsufficientLiquidity = errors.New("router: insufficient liquidity")

	// ErrUtilizationCapExceeded marks fills that were clamped at a pool's
	// utilization ceiling. It is wrapped into ErrInsufficientLiquidity when
	// clamping drops coverage below the threshold.
	ErrUtilizationCapExceeded = registry.ErrUtilizationCapExceeded

	// ErrInvalidOptions is returned for a non-positive hop budget or a
	// tolerance outside [0, 1).
	ErrInvalidOptions = errors.New("router: invalid options")

	// CostScale is the number of decimal places costs are rounded to.
	CostScale int32 = 8

	// impassableBps is the cost charged for filling a pool with no depth.
	impassableBps = decimal.New(1, 9)

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

var routeNamespace = uuid.MustParse("9c4f2f56-1e7b-4b8a-a3d2-0f6e5d4c3b21")

// Rewarder mints rewards for settled notional.
type Rewarder interface {
	Reward(kind reward.Kind, notional, quality decimal.Decimal, hops int, costBps decimal.Decimal) decimal.Decimal
}

// Options bound the search.
type Options struct {
	// MaxHops is the most pools a single route may touch.
	MaxHops int

	// MatchTolerance is the share of an event that may be left unfilled;
	// routes covering less than 1 - MatchTolerance are rejected.
	MatchTolerance decimal.Decimal

	// MaxUtilization is the ceiling no fill may push a pool past.
	MaxUtilization decimal.Decimal
}

// DefaultOptions returns a three-hop budget, 5% tolerance and a 95%
// utilization ceiling.
func DefaultOptions() Options {
	return Options{
		MaxHops:        3,
		MatchTolerance: decimal.NewFromFloat(0.05),
		MaxUtilization: registry.DefaultMaxUtilization,
	}
}

// Validate checks option bounds.
func (o Options) Validate() error {
	if o.MaxHops < 1 {
		return fmt.Errorf("%w: max hops %d", ErrInvalidOptions, o.MaxHops)
	}
	if o.MatchTolerance.IsNegative() || o.MatchTolerance.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: match tolerance %s", ErrInvalidOptions, o.MatchTolerance)
	}
	if !o.MaxUtilization.IsPositive() || o.MaxUtilization.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: max utilization %s", ErrInvalidOptions, o.MaxUtilization)
	}
	return nil
}

// CostBps returns the cost in basis points of filling x against pool.
// A pool with no depth is impassable for any positive fill.
func CostBps(pool model.VenuePool, x decimal.Decimal) decimal.Decimal {
	if !pool.DepthUSD.IsPositive() {
		if x.IsPositive() {
			return impassableBps
		}
		return pool.SpreadBps
	}
	ratio := x.Div(pool.DepthUSD)
	return pool.SpreadBps.Add(ratio.Mul(ratio).Mul(hundred)).Round(CostScale)
}

// RouteID derives a stable identifier for the route settling event.
func RouteID(event model.LossEvent) string {
	return uuid.NewSHA1(routeNamespace, []byte("route|"+event.ID)).String()
}

// Plan computes the best route for event over pools without mutating
// anything. Pools for other assets are ignored.
//
// A single-hop candidate is the cheapest pool able to absorb the whole
// event. When MaxHops > 1, a multi-hop candidate greedily fills pools in
// order of their cost at an even split. Fills are clamped to each pool's
// headroom under MaxUtilization. The candidate with the higher efficiency
// score wins; on a tie the one with fewer hops does.
func Plan(event model.LossEvent, pools []model.VenuePool, opts Options, rw Rewarder) (*model.Route, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var cands []model.VenuePool
	for _, p := range pools {
		if p.Asset == event.Asset && p.AvailableLiquidity().IsPositive() {
			cands = append(cands, p)
		}
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: asset %s", ErrNoLiquidityAvailable, event.Asset)
	}

	minFill := event.AmountUSD.Mul(one.Sub(opts.MatchTolerance))
	var single *model.Route
	hops, clamped := singleHop(event, cands, opts)
	if hops != nil {
		if r := finalize(event, hops, rw); r.FilledUSD.GreaterThanOrEqual(minFill) {
			single = r
		}
	}

	var multi *model.Route
	if opts.MaxHops > 1 {
		mhops, capped := multiHop(event, cands, opts)
		clamped = clamped || capped
		if len(mhops) > 0 {
			if r := finalize(event, mhops, rw); r.FilledUSD.GreaterThanOrEqual(minFill) {
				multi = r
			}
		}
	}

	switch {
	case single == nil && multi == nil:
		if clamped {
			return nil, fmt.Errorf("%w: %s %s on %s (%w)", ErrInsufficientLiquidity,
				event.AmountUSD.StringFixed(2), event.Asset, event.ID, ErrUtilizationCapExceeded)
		}
		return nil, fmt.Errorf("%w: %s %s on %s", ErrInsufficientLiquidity,
			event.AmountUSD.StringFixed(2), event.Asset, event.ID)
	case multi == nil:
		return single, nil
	case single == nil:
		return multi, nil
	}

	if multi.EfficiencyScore.GreaterThan(single.EfficiencyScore) {
		return multi, nil
	}
	if multi.EfficiencyScore.Equal(single.EfficiencyScore) && len(multi.Hops) < len(single.Hops) {
		return multi, nil
	}
	return single, nil
}

// singleHop picks the cheapest pool whose available liquidity covers the
// whole event, then clamps the fill to that pool's headroom.
func singleHop(event model.LossEvent, cands []model.VenuePool, opts Options) ([]model.Hop, bool) {
	amount := event.AmountUSD
	var best *model.VenuePool
	var bestCost decimal.Decimal

	for i := range cands {
		p := &cands[i]
		if p.AvailableLiquidity().LessThan(amount) {
			continue
		}
		c := CostBps(*p, amount)
		if best == nil || c.LessThan(bestCost) {
			best, bestCost = p, c
		}
	}
	if best == nil {
		return nil, false
	}

	fill, capped := clampFill(*best, amount, opts.MaxUtilization)
	if !fill.IsPositive() {
		return nil, capped
	}
	return []model.Hop{newHop(*best, fill)}, capped
}

// multiHop fills the cheapest pools first, ranked by their cost at an even
// split of the event across MaxHops, until the event is exhausted or the
// hop budget is spent.
func multiHop(event model.LossEvent, cands []model.VenuePool, opts Options) ([]model.Hop, bool) {
	even := event.AmountUSD.Div(decimal.NewFromInt(int64(opts.MaxHops)))

	ranked := make([]model.VenuePool, len(cands))
	copy(ranked, cands)
	costs := make(map[model.PoolKey]decimal.Decimal, len(ranked))
	for _, p := range ranked {
		costs[p.Key()] = CostBps(p, even)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return costs[ranked[i].Key()].LessThan(costs[ranked[j].Key()])
	})

	remaining := event.AmountUSD
	capped := false
	var hops []model.Hop
	for _, p := range ranked {
		if len(hops) == opts.MaxHops || !remaining.IsPositive() {
			break
		}
		want := decimal.Min(remaining, p.AvailableLiquidity())
		fill, c := clampFill(p, want, opts.MaxUtilization)
		capped = capped || c
		if !fill.IsPositive() {
			continue
		}
		hops = append(hops, newHop(p, fill))
		remaining = remaining.Sub(fill)
	}
	return hops, capped
}

// clampFill limits want to the pool's headroom under maxUtil and reports
// whether clamping happened.
func clampFill(p model.VenuePool, want, maxUtil decimal.Decimal) (decimal.Decimal, bool) {
	headroom := p.Headroom(maxUtil)
	if want.GreaterThan(headroom) {
		return headroom, true
	}
	return want, false
}

func newHop(p model.VenuePool, fill decimal.Decimal) model.Hop {
	return model.Hop{
		Venue:           p.Venue,
		Asset:           p.Asset,
		AmountFilled:    fill,
		CostBps:         CostBps(p, fill),
		PoolDepthAtFill: p.DepthUSD,
	}
}

// finalize fills in the aggregate fields of a route: filled notional,
// shortfall, amount-weighted cost, reward and efficiency score. Reward is
// minted on the filled notional only.
func finalize(event model.LossEvent, hops []model.Hop, rw Rewarder) *model.Route {
	filled := decimal.Zero
	weighted := decimal.Zero
	for _, h := range hops {
		filled = filled.Add(h.AmountFilled)
		weighted = weighted.Add(h.AmountFilled.Mul(h.CostBps))
	}

	total := decimal.Zero
	if filled.IsPositive() {
		total = weighted.Div(filled).Round(CostScale)
	}

	minted := rw.Reward(reward.KindRoute, filled, decimal.Zero, len(hops), total)
	efficiency := minted.Div(one.Add(total.Div(hundred))).Round(CostScale)

	return &model.Route{
		ID:              RouteID(event),
		Event:           event,
		Hops:            hops,
		FilledUSD:       filled,
		ShortfallUSD:    event.AmountUSD.Sub(filled),
		TotalCostBps:    total,
		RewardMinted:    minted,
		EfficiencyScore: efficiency,
	}
}

// Router plans against and commits to a live registry.
type Router struct {
	reg  *registry.Registry
	rw   Rewarder
	opts Options
}

// New creates a router. The registry's ceiling overrides
// opts.MaxUtilization so planning and execution agree.
func New(reg *registry.Registry, rw Rewarder, opts Options) (*Router, error) {
	opts.MaxUtilization = reg.MaxUtilization()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Router{reg: reg, rw: rw, opts: opts}, nil
}

// Options returns the router's search bounds.
func (r *Router) Options() Options {
	return r.opts
}

// Plan computes a route for event against the registry's current state.
func (r *Router) Plan(event model.LossEvent) (*model.Route, error) {
	return Plan(event, r.reg.PoolsFor(event.Asset), r.opts, r.rw)
}

// Execute applies every hop of route to the registry atomically and
// returns the updated pools.
func (r *Router) Execute(route *model.Route) ([]model.VenuePool, error) {
	return r.reg.Apply(route.Hops)
}

// Route plans and executes in one step. If the pools moved between planning
// and execution (another writer raised utilization), it re-plans once
// against fresh state before giving up.
func (r *Router) Route(event model.LossEvent) (*model.Route, []model.VenuePool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		route, err := r.Plan(event)
		if err != nil {
			return nil, nil, err
		}
		updated, err := r.Execute(route)
		if err == nil {
			return route, updated, nil
		}
		if !errors.Is(err, ErrUtilizationCapExceeded) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrInsufficientLiquidity, lastErr)
}
