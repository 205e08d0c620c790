// Package reward computes the reward minted for a settled loss event.
//
// The formula is deterministic: it depends only on the notional, the hedge
// quality of a peer match, the number of hops of a route and the route's
// blended cost. Identical inputs always mint identical rewards, so outcomes
// can be audited and replayed.
//
//	reward = notional * baseRate
//	       + notional * peerBonusRate * hedgeQuality          (peer matches only)
//	       + notional * hopBonusRate * (hops - 1)
//	       + notional * efficiencyBonusRate * (1 - costBps/maxCostBps)   clamped ≥ 0
package reward

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Kind is the settlement mechanism that produced the reward.
type Kind string

const (
	KindPeer  Kind = "peer"
	KindRoute Kind = "route"
)

var (
	// ErrNegativeRate is returned when any configured rate is negative.
	ErrNegativeRate = errors.New("reward: rates must be non-negative")

	// ErrInvalidMaxCost is returned when maxCostBps <= 0.
	ErrInvalidMaxCost = errors.New("reward: max cost bps must be positive")

	// Scale is the number of decimal places rewards are rounded to.
	Scale int32 = 8
)

// Rates holds the reward configuration. None of these are derived from a
// random process.
type Rates struct {
	BaseRate            decimal.Decimal `yaml:"base_rate" json:"base_rate"`
	PeerBonusRate       decimal.Decimal `yaml:"peer_bonus_rate" json:"peer_bonus_rate"`
	HopBonusRate        decimal.Decimal `yaml:"hop_bonus_rate" json:"hop_bonus_rate"`
	EfficiencyBonusRate decimal.Decimal `yaml:"efficiency_bonus_rate" json:"efficiency_bonus_rate"`
	MaxCostBps          decimal.Decimal `yaml:"max_cost_bps" json:"max_cost_bps"`
}

// DefaultRates returns the rates used when no configuration is supplied.
func DefaultRates() Rates {
	return Rates{
		BaseRate:            decimal.NewFromInt(1),
		PeerBonusRate:       decimal.NewFromFloat(0.5),
		HopBonusRate:        decimal.NewFromFloat(0.1),
		EfficiencyBonusRate: decimal.NewFromFloat(0.25),
		MaxCostBps:          decimal.NewFromInt(200),
	}
}

// Calculator mints rewards. It is stateless and safe for concurrent use.
type Calculator struct {
	rates Rates
}

// NewCalculator validates rates and returns a calculator.
func NewCalculator(r Rates) (*Calculator, error) {
	for _, v := range []decimal.Decimal{r.BaseRate, r.PeerBonusRate, r.HopBonusRate, r.EfficiencyBonusRate} {
		if v.IsNegative() {
			return nil, ErrNegativeRate
		}
	}
	if r.MaxCostBps.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidMaxCost
	}
	return &Calculator{rates: r}, nil
}

// Rates returns the calculator's configuration.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// Reward returns the reward for settling notional via kind.
//
// quality is the hedge quality of a peer match and is ignored for routes.
// hops below 1 are treated as 1. costBps is the blended cost paid (zero for
// peer matches, which therefore earn the full efficiency bonus).
func (c *Calculator) Reward(kind Kind, notional, quality decimal.Decimal, hops int, costBps decimal.Decimal) decimal.Decimal {
	if notional.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if hops < 1 {
		hops = 1
	}

	total := notional.Mul(c.rates.BaseRate)

	if kind == KindPeer {
		total = total.Add(notional.Mul(c.rates.PeerBonusRate).Mul(clampUnit(quality)))
	}

	total = total.Add(notional.Mul(c.rates.HopBonusRate).Mul(decimal.NewFromInt(int64(hops - 1))))
	total = total.Add(c.efficiencyBonus(notional, costBps))

	return total.Round(Scale)
}

// efficiencyBonus is notional * rate * (1 - costBps/maxCostBps), clamped
// to [0, notional * rate].
func (c *Calculator) efficiencyBonus(notional, costBps decimal.Decimal) decimal.Decimal {
	ceiling := notional.Mul(c.rates.EfficiencyBonusRate)
	factor := decimal.NewFromInt(1).Sub(costBps.Div(c.rates.MaxCostBps))
	bonus := ceiling.Mul(factor)
	if bonus.IsNegative() {
		return decimal.Zero
	}
	if bonus.GreaterThan(ceiling) {
		return ceiling
	}
	return bonus
}

func clampUnit(q decimal.Decimal) decimal.Decimal {
	if q.IsNegative() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if q.GreaterThan(one) {
		return one
	}
	return q
}
