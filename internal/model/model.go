// Package model defines the core domain types shared across the wreckage engine.
// All monetary values and ratios use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LossEvent is one unit of financial loss reported by a venue. It is
// immutable once accepted and is consumed exactly once: matched, routed,
// or reported back as rejected.
type LossEvent struct {
	ID           string          `json:"id"`
	Venue        string          `json:"venue"`
	Asset        string          `json:"asset"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	ExposureSign int             `json:"exposure_sign"` // +1 or -1
	CreatedAt    time.Time       `json:"created_at"`
}

// SignedExposure returns ExposureSign * AmountUSD.
func (e LossEvent) SignedExposure() decimal.Decimal {
	return e.AmountUSD.Mul(decimal.NewFromInt(int64(e.ExposureSign)))
}

// PoolKey identifies a VenuePool in the registry arena.
type PoolKey struct {
	Venue string `json:"venue"`
	Asset string `json:"asset"`
}

func (k PoolKey) String() string { return k.Venue + "/" + k.Asset }

// Less orders keys by venue then asset. Used wherever a stable pool order
// is needed (lock acquisition, snapshots, tie breaks).
func (k PoolKey) Less(o PoolKey) bool {
	if k.Venue != o.Venue {
		return k.Venue < o.Venue
	}
	return k.Asset < o.Asset
}

// VenuePool is the liquidity one venue offers for one asset.
type VenuePool struct {
	Venue       string          `json:"venue" db:"venue"`
	Asset       string          `json:"asset" db:"asset"`
	DepthUSD    decimal.Decimal `json:"depth_usd" db:"depth_usd"`
	SpreadBps   decimal.Decimal `json:"spread_bps" db:"spread_bps"`
	Utilization decimal.Decimal `json:"utilization" db:"utilization"` // 0 ≤ u ≤ max utilization
	FundingRate decimal.Decimal `json:"funding_rate" db:"funding_rate"`
}

// Key returns the registry key of the pool.
func (p VenuePool) Key() PoolKey { return PoolKey{Venue: p.Venue, Asset: p.Asset} }

// AvailableLiquidity is depth * (1 - utilization).
func (p VenuePool) AvailableLiquidity() decimal.Decimal {
	return p.DepthUSD.Mul(decimal.NewFromInt(1).Sub(p.Utilization))
}

// Headroom is the notional that can still be filled before utilization
// reaches maxUtil. Never negative.
func (p VenuePool) Headroom(maxUtil decimal.Decimal) decimal.Decimal {
	h := p.DepthUSD.Mul(maxUtil.Sub(p.Utilization))
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// MatchedPair is two offsetting loss events settled against each other
// without touching pool liquidity.
type MatchedPair struct {
	ID           string          `json:"id"`
	First        LossEvent       `json:"first"`
	Second       LossEvent       `json:"second"`
	NotionalUSD  decimal.Decimal `json:"notional_usd"`  // min of the two amounts
	HedgeQuality decimal.Decimal `json:"hedge_quality"` // 1 = perfect offset
	ResidualUSD  decimal.Decimal `json:"residual_usd"`  // |a - b|, unhedged remainder
	RewardMinted decimal.Decimal `json:"reward_minted"`
	SettledAt    time.Time       `json:"settled_at"`
}

// Hop is one pool fill within a route.
type Hop struct {
	Venue           string          `json:"venue"`
	Asset           string          `json:"asset"`
	AmountFilled    decimal.Decimal `json:"amount_filled"`
	CostBps         decimal.Decimal `json:"cost_bps"`
	PoolDepthAtFill decimal.Decimal `json:"pool_depth_at_fill"`
}

// Key returns the registry key of the pool the hop fills against.
func (h Hop) Key() PoolKey { return PoolKey{Venue: h.Venue, Asset: h.Asset} }

// Route is the execution plan (and, once committed, the execution record)
// for one unmatched loss event.
type Route struct {
	ID              string          `json:"id"`
	Event           LossEvent       `json:"event"`
	Hops            []Hop           `json:"hops"`
	FilledUSD       decimal.Decimal `json:"filled_usd"`    // Σ hop.AmountFilled
	ShortfallUSD    decimal.Decimal `json:"shortfall_usd"` // event amount - filled
	TotalCostBps    decimal.Decimal `json:"total_cost_bps"`
	RewardMinted    decimal.Decimal `json:"reward_minted"`
	EfficiencyScore decimal.Decimal `json:"efficiency_score"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// Rejection reports a loss event that could not be settled. The event is
// not consumed; the caller may resubmit it later.
type Rejection struct {
	Event      LossEvent `json:"event"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	Err        error     `json:"-"`
	RejectedAt time.Time `json:"rejected_at"`
	Seq        uint64    `json:"seq"`
}

// OutcomeKind tags the variant carried by an Outcome.
type OutcomeKind string

const (
	OutcomeMatched  OutcomeKind = "matched"
	OutcomeRouted   OutcomeKind = "routed"
	OutcomeRejected OutcomeKind = "rejected"
)

// Outcome is the result of processing one pending event (or, for matches,
// one pair of events). Exactly one of Pair, Route, Rejection is set.
type Outcome struct {
	Kind      OutcomeKind  `json:"kind"`
	Pair      *MatchedPair `json:"pair,omitempty"`
	Route     *Route       `json:"route,omitempty"`
	Rejection *Rejection   `json:"rejection,omitempty"`
}

// Reward returns the reward minted by the outcome (zero for rejections).
func (o Outcome) Reward() decimal.Decimal {
	switch o.Kind {
	case OutcomeMatched:
		return o.Pair.RewardMinted
	case OutcomeRouted:
		return o.Route.RewardMinted
	}
	return decimal.Zero
}

// CapitalAllocation maps venue → recommended capital. Advisory only.
type CapitalAllocation map[string]decimal.Decimal

// ExecutionRecord is an immutable, flattened ledger row describing one
// outcome. Once created, these are never modified or deleted.
type ExecutionRecord struct {
	ID                  string          `json:"id" db:"id"`
	Kind                OutcomeKind     `json:"kind" db:"kind"`
	EventID             string          `json:"event_id" db:"event_id"`
	CounterpartyEventID string          `json:"counterparty_event_id,omitempty" db:"counterparty_event_id"`
	Venue               string          `json:"venue" db:"venue"`
	Asset               string          `json:"asset" db:"asset"`
	NotionalUSD         decimal.Decimal `json:"notional_usd" db:"notional_usd"`
	CostBps             decimal.Decimal `json:"cost_bps" db:"cost_bps"`
	Hops                int             `json:"hops" db:"hops"`
	RewardMinted        decimal.Decimal `json:"reward_minted" db:"reward_minted"`
	Reason              string          `json:"reason,omitempty" db:"reason"`
	Timestamp           time.Time       `json:"timestamp" db:"timestamp"`
}

// Record flattens an outcome into a ledger row with the given id.
func (o Outcome) Record(id string) ExecutionRecord {
	switch o.Kind {
	case OutcomeMatched:
		p := o.Pair
		return ExecutionRecord{
			ID:                  id,
			Kind:                o.Kind,
			EventID:             p.First.ID,
			CounterpartyEventID: p.Second.ID,
			Venue:               p.First.Venue,
			Asset:               p.First.Asset,
			NotionalUSD:         p.NotionalUSD,
			CostBps:             decimal.Zero,
			Hops:                0,
			RewardMinted:        p.RewardMinted,
			Timestamp:           p.SettledAt,
		}
	case OutcomeRouted:
		r := o.Route
		return ExecutionRecord{
			ID:           id,
			Kind:         o.Kind,
			EventID:      r.Event.ID,
			Venue:        r.Event.Venue,
			Asset:        r.Event.Asset,
			NotionalUSD:  r.FilledUSD,
			CostBps:      r.TotalCostBps,
			Hops:         len(r.Hops),
			RewardMinted: r.RewardMinted,
			Timestamp:    r.ExecutedAt,
		}
	default:
		rj := o.Rejection
		return ExecutionRecord{
			ID:           id,
			Kind:         OutcomeRejected,
			EventID:      rj.Event.ID,
			Venue:        rj.Event.Venue,
			Asset:        rj.Event.Asset,
			NotionalUSD:  rj.Event.AmountUSD,
			CostBps:      decimal.Zero,
			RewardMinted: decimal.Zero,
			Reason:       rj.Reason,
			Timestamp:    rj.RejectedAt,
		}
	}
}
