// Package matcher pairs pending loss events whose exposures offset each
// other across venues, so they can be cash-settled without consuming any
// pool liquidity.
//
// Matching is a greedy O(n²) scan in insertion order: the first valid
// partner found for an event is accepted. There is no global optimum
// search, which keeps results reproducible for a given submission order.
package matcher

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
)

// QualityScale is the number of decimal places hedge quality is rounded to.
var QualityScale int32 = 8

// pairNamespace seeds deterministic pair IDs.
var pairNamespace = uuid.MustParse("5b0e7f0c-3a2d-4f43-9d0a-6c1f2b8e9a11")

// Rewarder mints rewards for settled notional.
type Rewarder interface {
	Reward(kind reward.Kind, notional, quality decimal.Decimal, hops int, costBps decimal.Decimal) decimal.Decimal
}

// Offsetting reports whether a and b can be peer-settled: same asset,
// different venue, strictly opposite exposure signs.
func Offsetting(a, b model.LossEvent) bool {
	if a.Asset != b.Asset || a.Venue == b.Venue {
		return false
	}
	if a.ExposureSign == 0 || b.ExposureSign == 0 {
		return false
	}
	return (a.ExposureSign > 0) != (b.ExposureSign > 0)
}

// HedgeQuality measures how closely the notional-weighted exposures of a
// and b cancel:
//
//	1 - |sa*a + sb*b| / max(|sa*a|, |sb*b|)
//
// 1 means a perfect offset, 0 means none.
func HedgeQuality(a, b model.LossEvent) decimal.Decimal {
	ea, eb := a.SignedExposure(), b.SignedExposure()
	denom := decimal.Max(ea.Abs(), eb.Abs())
	if denom.IsZero() {
		return decimal.Zero
	}
	q := decimal.NewFromInt(1).Sub(ea.Add(eb).Abs().Div(denom))
	if q.IsNegative() {
		return decimal.Zero
	}
	return q.Round(QualityScale)
}

// PairID derives a stable identifier for the pair (a, b).
func PairID(a, b model.LossEvent) string {
	return uuid.NewSHA1(pairNamespace, []byte(a.ID+"|"+b.ID)).String()
}

// TryMatch scans pending in order and returns the matched pairs and the
// events left for the router, in their original order. Each event appears
// in at most one pair. SettledAt is left for the caller to stamp.
func TryMatch(pending []model.LossEvent, rw Rewarder) ([]model.MatchedPair, []model.LossEvent) {
	consumed := make([]bool, len(pending))
	var pairs []model.MatchedPair

	for i := range pending {
		if consumed[i] {
			continue
		}
		for j := i + 1; j < len(pending); j++ {
			if consumed[j] || !Offsetting(pending[i], pending[j]) {
				continue
			}
			a, b := pending[i], pending[j]
			notional := decimal.Min(a.AmountUSD, b.AmountUSD)
			quality := HedgeQuality(a, b)

			pairs = append(pairs, model.MatchedPair{
				ID:           PairID(a, b),
				First:        a,
				Second:       b,
				NotionalUSD:  notional,
				HedgeQuality: quality,
				ResidualUSD:  a.AmountUSD.Sub(b.AmountUSD).Abs(),
				RewardMinted: rw.Reward(reward.KindPeer, notional, quality, 1, decimal.Zero),
			})
			consumed[i], consumed[j] = true, true
			break
		}
	}

	unmatched := make([]model.LossEvent, 0, len(pending)-2*len(pairs))
	for i, e := range pending {
		if !consumed[i] {
			unmatched = append(unmatched, e)
		}
	}
	return pairs, unmatched
}
