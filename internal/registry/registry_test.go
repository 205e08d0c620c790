package registry

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pool(venue, asset string, depth, spread, util float64) model.VenuePool {
	return model.VenuePool{
		Venue:       venue,
		Asset:       asset,
		DepthUSD:    d(depth),
		SpreadBps:   d(spread),
		Utilization: d(util),
	}
}

func TestNew_DefaultsMaxUtilization(t *testing.T) {
	r, err := New(decimal.Zero, nil)
	require.NoError(t, err)
	assert.True(t, r.MaxUtilization().Equal(d(0.95)))
}

func TestNew_RejectsInvalidPools(t *testing.T) {
	cases := map[string]model.VenuePool{
		"negative depth":  pool("a", "BTC", -1, 1, 0),
		"negative spread": pool("a", "BTC", 100, -1, 0),
		"over cap":        pool("a", "BTC", 100, 1, 0.99),
		"negative util":   pool("a", "BTC", 100, 1, -0.1),
		"no venue":        pool("", "BTC", 100, 1, 0),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(decimal.Zero, []model.VenuePool{p})
			assert.ErrorIs(t, err, ErrInvalidPool)
		})
	}
}

func TestNew_RejectsBadCeiling(t *testing.T) {
	_, err := New(d(1), nil)
	assert.ErrorIs(t, err, ErrInvalidMaxUtilization)
}

func TestSnapshot_SortedAndCopied(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{
		pool("venueY", "ETH", 80000, 4, 0),
		pool("venueX", "ETH", 100000, 3, 0),
		pool("venueA", "BTC", 50000, 2, 0),
	})
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "venueA", snap[0].Venue)
	assert.Equal(t, "venueX", snap[1].Venue)
	assert.Equal(t, "venueY", snap[2].Venue)

	snap[0].Utilization = d(0.5)
	p, ok := r.Get(model.PoolKey{Venue: "venueA", Asset: "BTC"})
	require.True(t, ok)
	assert.True(t, p.Utilization.IsZero(), "snapshot must not alias registry state")

	eth := r.PoolsFor("ETH")
	require.Len(t, eth, 2)
	assert.True(t, r.HasAsset("BTC"))
	assert.False(t, r.HasAsset("SOL"))
}

func TestUpsert_ReplacesParameters(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{pool("a", "BTC", 100, 1, 0)})
	require.NoError(t, err)

	require.NoError(t, r.Upsert(pool("a", "BTC", 500, 2, 0.1)))
	p, _ := r.Get(model.PoolKey{Venue: "a", Asset: "BTC"})
	assert.True(t, p.DepthUSD.Equal(d(500)))
	assert.Len(t, r.Snapshot(), 1)
}

func TestApply_RaisesUtilization(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{
		pool("x", "ETH", 100000, 3, 0),
		pool("y", "ETH", 80000, 4, 0.5),
	})
	require.NoError(t, err)

	updated, err := r.Apply([]model.Hop{
		{Venue: "x", Asset: "ETH", AmountFilled: d(50000)},
		{Venue: "y", Asset: "ETH", AmountFilled: d(8000)},
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.True(t, updated[0].Utilization.Equal(d(0.5)), "got %s", updated[0].Utilization)
	assert.True(t, updated[1].Utilization.Equal(d(0.6)), "got %s", updated[1].Utilization)
}

func TestApply_AllOrNothing(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{
		pool("x", "ETH", 100000, 3, 0),
		pool("y", "ETH", 80000, 4, 0.9),
	})
	require.NoError(t, err)

	// Second hop exceeds y's ceiling: 0.9 + 8000/80000 = 1.0 > 0.95.
	_, err = r.Apply([]model.Hop{
		{Venue: "x", Asset: "ETH", AmountFilled: d(50000)},
		{Venue: "y", Asset: "ETH", AmountFilled: d(8000)},
	})
	require.ErrorIs(t, err, ErrUtilizationCapExceeded)

	x, _ := r.Get(model.PoolKey{Venue: "x", Asset: "ETH"})
	y, _ := r.Get(model.PoolKey{Venue: "y", Asset: "ETH"})
	assert.True(t, x.Utilization.IsZero(), "x must be untouched")
	assert.True(t, y.Utilization.Equal(d(0.9)), "y must be untouched")
}

func TestApply_UnknownPool(t *testing.T) {
	r, err := New(decimal.Zero, nil)
	require.NoError(t, err)
	_, err = r.Apply([]model.Hop{{Venue: "ghost", Asset: "BTC", AmountFilled: d(1)}})
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestApply_ExactlyAtCeiling(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{pool("x", "ETH", 30000, 3, 0)})
	require.NoError(t, err)

	updated, err := r.Apply([]model.Hop{{Venue: "x", Asset: "ETH", AmountFilled: d(28500)}})
	require.NoError(t, err)
	assert.True(t, updated[0].Utilization.Equal(d(0.95)))
}

func TestApply_ConcurrentNeverOverfills(t *testing.T) {
	r, err := New(decimal.Zero, []model.VenuePool{
		pool("x", "ETH", 100000, 3, 0),
		pool("y", "ETH", 100000, 3, 0),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hops := []model.Hop{
				{Venue: "x", Asset: "ETH", AmountFilled: d(2500)},
				{Venue: "y", Asset: "ETH", AmountFilled: d(2500)},
			}
			if i%2 == 1 {
				hops[0], hops[1] = hops[1], hops[0]
			}
			_, _ = r.Apply(hops)
		}(i)
	}
	wg.Wait()

	for _, p := range r.Snapshot() {
		assert.True(t, p.Utilization.LessThanOrEqual(r.MaxUtilization()), "%s at %s", p.Key(), p.Utilization)
		// 38 fills of 2.5% reach exactly 95%.
		assert.True(t, p.Utilization.Equal(d(0.95)), "%s at %s", p.Key(), p.Utilization)
	}
}
