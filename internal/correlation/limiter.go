// Package correlation implements admission limits on pending loss exposure.
//
// Pending events from the same venue tend to be correlated: a venue that
// reports one large loss on BTC is likely reporting losses on its other
// assets too. The limiter caps the net signed exposure waiting in a single
// (venue, asset) pool and the aggregate absolute exposure across all of a
// venue's pools, so one failing venue cannot flood the pending set.
package correlation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

var (
	// ErrPoolLimitExceeded is returned when an event would push the net
	// pending exposure of its (venue, asset) pool beyond the per-pool max.
	ErrPoolLimitExceeded = errors.New("correlation: per-pool pending exposure limit exceeded")

	// ErrVenueLimitExceeded is returned when an event would push the
	// aggregate pending exposure across one venue's pools beyond the
	// per-venue max.
	ErrVenueLimitExceeded = errors.New("correlation: correlated venue exposure limit exceeded")
)

// Limiter enforces pending exposure limits. A zero limit disables that
// check.
type Limiter struct {
	// MaxPerPool is the maximum absolute net pending exposure in any one
	// (venue, asset) pool.
	MaxPerPool decimal.Decimal

	// MaxPerVenue is the maximum sum of absolute net pool exposures across
	// every asset of one venue.
	MaxPerVenue decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pool and per-venue caps.
// Negative caps are treated as zero (disabled).
func NewLimiter(maxPerPool, maxPerVenue decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerPool:  decimal.Max(maxPerPool, decimal.Zero),
		MaxPerVenue: decimal.Max(maxPerVenue, decimal.Zero),
	}
}

// Enabled reports whether any cap is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerPool.IsPositive() || l.MaxPerVenue.IsPositive())
}

// Exposures nets the signed exposure of events per pool.
func Exposures(events []model.LossEvent) map[model.PoolKey]decimal.Decimal {
	out := make(map[model.PoolKey]decimal.Decimal)
	for _, e := range events {
		k := model.PoolKey{Venue: e.Venue, Asset: e.Asset}
		out[k] = out[k].Add(e.SignedExposure())
	}
	return out
}

// Check validates whether admitting event keeps the pending exposures
// within limits. existing maps pool → net signed pending exposure.
func (l *Limiter) Check(event model.LossEvent, existing map[model.PoolKey]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-pool limit.
	target := model.PoolKey{Venue: event.Venue, Asset: event.Asset}
	newNet := existing[target].Add(event.SignedExposure())

	if l.MaxPerPool.IsPositive() && newNet.Abs().GreaterThan(l.MaxPerPool) {
		return fmt.Errorf("%w: %s at %s", ErrPoolLimitExceeded, target, newNet.StringFixed(2))
	}

	// 2. Correlated exposure: sum |net| across pools of the same venue.
	if !l.MaxPerVenue.IsPositive() {
		return nil
	}
	total := newNet.Abs()
	for k, net := range existing {
		if k == target || k.Venue != event.Venue {
			continue
		}
		total = total.Add(net.Abs())
	}

	if total.GreaterThan(l.MaxPerVenue) {
		return fmt.Errorf("%w: %s at %s", ErrVenueLimitExceeded, event.Venue, total.StringFixed(2))
	}
	return nil
}
