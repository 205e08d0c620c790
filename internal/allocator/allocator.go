// Package allocator recommends how to distribute a capital budget across
// venues. It is advisory: nothing here mutates pools or gates routing.
//
// Each venue is scored on its aggregate pools:
//
//	score(v) = totalDepth(v) * (1 - avgUtilization(v)) / (1 + avgAbsFundingRate(v) * 100)
//
// and receives capital in proportion to its score. Deep, underutilized,
// cheap-to-fund venues get more.
package allocator

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

var (
	// ErrNegativeCapital is returned when the budget is negative.
	ErrNegativeCapital = errors.New("allocator: total capital must be non-negative")

	// Scale is the number of decimal places allocations are rounded to.
	Scale int32 = 8
)

// VenueScore is the scoring breakdown for one venue.
type VenueScore struct {
	Venue             string          `json:"venue"`
	TotalDepth        decimal.Decimal `json:"total_depth"`
	AvgUtilization    decimal.Decimal `json:"avg_utilization"`
	AvgAbsFundingRate decimal.Decimal `json:"avg_abs_funding_rate"`
	Score             decimal.Decimal `json:"score"`
}

// Scores aggregates pools per venue and returns scores ordered by venue.
func Scores(pools []model.VenuePool) []VenueScore {
	type agg struct {
		depth, util, funding decimal.Decimal
		n                    int64
	}
	byVenue := make(map[string]*agg)
	for _, p := range pools {
		a, ok := byVenue[p.Venue]
		if !ok {
			a = &agg{}
			byVenue[p.Venue] = a
		}
		a.depth = a.depth.Add(p.DepthUSD)
		a.util = a.util.Add(p.Utilization)
		a.funding = a.funding.Add(p.FundingRate.Abs())
		a.n++
	}

	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	out := make([]VenueScore, 0, len(venues))
	for _, v := range venues {
		a := byVenue[v]
		n := decimal.NewFromInt(a.n)
		avgUtil := a.util.Div(n)
		avgFunding := a.funding.Div(n)

		score := a.depth.Mul(one.Sub(avgUtil)).Div(one.Add(avgFunding.Mul(hundred)))
		if score.IsNegative() {
			score = decimal.Zero
		}
		out = append(out, VenueScore{
			Venue:             v,
			TotalDepth:        a.depth,
			AvgUtilization:    avgUtil,
			AvgAbsFundingRate: avgFunding,
			Score:             score,
		})
	}
	return out
}

// Allocate splits total across the venues present in pools, proportional
// to their scores. The result always sums to exactly total: the rounding
// remainder goes to the last venue in name order. If every score is zero
// the budget is split evenly. No pools yields an empty allocation.
func Allocate(total decimal.Decimal, pools []model.VenuePool) (model.CapitalAllocation, error) {
	if total.IsNegative() {
		return nil, ErrNegativeCapital
	}

	scores := Scores(pools)
	out := make(model.CapitalAllocation, len(scores))
	if len(scores) == 0 {
		return out, nil
	}

	sum := decimal.Zero
	for _, s := range scores {
		sum = sum.Add(s.Score)
	}

	weight := func(s VenueScore) decimal.Decimal {
		if sum.IsZero() {
			return decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(scores))))
		}
		return s.Score.Div(sum)
	}

	assigned := decimal.Zero
	last := len(scores) - 1
	for i, s := range scores {
		if i == last {
			out[s.Venue] = total.Sub(assigned)
			break
		}
		amt := total.Mul(weight(s)).Round(Scale)
		out[s.Venue] = amt
		assigned = assigned.Add(amt)
	}
	return out, nil
}
