package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// exerciseStore runs the same contract against every backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	pools := []model.VenuePool{
		{Venue: "venueB", Asset: "BTC", DepthUSD: d(500000), SpreadBps: d(2), Utilization: d(0.1), FundingRate: d(0.0001)},
		{Venue: "venueA", Asset: "ETH", DepthUSD: d(100000), SpreadBps: d(3), Utilization: d(0.2), FundingRate: d(0)},
		{Venue: "venueA", Asset: "BTC", DepthUSD: d(200000), SpreadBps: d(1.5), Utilization: d(0), FundingRate: d(0)},
	}
	for i := range pools {
		require.NoError(t, s.SavePool(ctx, &pools[i]))
	}

	listed, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "venueA", listed[0].Venue)
	assert.Equal(t, "BTC", listed[0].Asset)
	assert.Equal(t, "ETH", listed[1].Asset)
	assert.Equal(t, "venueB", listed[2].Venue)
	assert.True(t, listed[0].SpreadBps.Equal(d(1.5)))

	require.NoError(t, s.UpdatePoolUtilization(ctx, "venueA", "BTC", d(0.45)))
	listed, err = s.ListPools(ctx)
	require.NoError(t, err)
	assert.True(t, listed[0].Utilization.Equal(d(0.45)), "got %s", listed[0].Utilization)

	err = s.UpdatePoolUtilization(ctx, "nowhere", "BTC", d(0.1))
	assert.ErrorIs(t, err, ErrPoolNotFound)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []model.ExecutionRecord{
		{ID: "r1", Kind: model.OutcomeMatched, EventID: "e1", CounterpartyEventID: "e2", Asset: "BTC",
			NotionalUSD: d(50000), CostBps: decimal.Zero, Hops: 0, RewardMinted: d(1.45), Timestamp: ts},
		{ID: "r2", Kind: model.OutcomeRouted, EventID: "e3", Venue: "venueA", Asset: "BTC",
			NotionalUSD: d(120000), CostBps: d(76.69075521), Hops: 2, RewardMinted: d(1.1), Timestamp: ts},
	}
	for i := range records {
		require.NoError(t, s.InsertExecution(ctx, &records[i]))
	}

	all, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].ID)
	assert.Equal(t, model.OutcomeRouted, all[1].Kind)
	assert.True(t, all[1].CostBps.Equal(d(76.69075521)))
	assert.True(t, all[1].Timestamp.Equal(ts))

	byCounterparty, err := s.GetExecutionsByEvent(ctx, "e2")
	require.NoError(t, err)
	require.Len(t, byCounterparty, 1)
	assert.Equal(t, "r1", byCounterparty[0].ID)

	none, err := s.GetExecutionsByEvent(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wreckage.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "wreckage.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	p := model.VenuePool{Venue: "v", Asset: "SOL", DepthUSD: d(1000), SpreadBps: d(4), Utilization: d(0.5), FundingRate: d(0)}
	require.NoError(t, s.SavePool(ctx, &p))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.True(t, pools[0].Utilization.Equal(d(0.5)))
	assert.Equal(t, path, s.Path())
}

func TestSQLiteStore_CorruptDecimalIsAnError(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "wreckage.db"))
	require.NoError(t, err)
	defer s.Close()

	p := model.VenuePool{Venue: "v", Asset: "SOL", DepthUSD: d(1000), SpreadBps: d(4), Utilization: d(0.5), FundingRate: d(0)}
	require.NoError(t, s.SavePool(ctx, &p))
	rec := model.ExecutionRecord{ID: "r1", Kind: model.OutcomeRouted, EventID: "e1", Venue: "v", Asset: "SOL",
		NotionalUSD: d(10), CostBps: d(4), Hops: 1, RewardMinted: d(1), Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.InsertExecution(ctx, &rec))

	_, err = s.db.ExecContext(ctx, `UPDATE venue_pools SET utilization = 'n/a'`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE execution_records SET reward_minted = ''`)
	require.NoError(t, err)

	_, err = s.ListPools(ctx)
	assert.ErrorIs(t, err, ErrCorruptColumn)
	_, err = s.ListExecutions(ctx)
	assert.ErrorIs(t, err, ErrCorruptColumn)
}
