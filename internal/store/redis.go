package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

const (
	poolsKey      = "wreckage:pools"
	executionsKey = "wreckage:executions"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePool(ctx context.Context, p *model.VenuePool) error {
	if err := s.primary.SavePool(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolsKey)
	return nil
}

func (s *CachedStore) UpdatePoolUtilization(ctx context.Context, venue, asset string, utilization decimal.Decimal) error {
	if err := s.primary.UpdatePoolUtilization(ctx, venue, asset, utilization); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolsKey)
	return nil
}

func (s *CachedStore) InsertExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	if err := s.primary.InsertExecution(ctx, rec); err != nil {
		return err
	}
	keys := []string{executionsKey, eventKey(rec.EventID)}
	if rec.CounterpartyEventID != "" {
		keys = append(keys, eventKey(rec.CounterpartyEventID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.VenuePool, error) {
	var pools []model.VenuePool
	if s.readCache(ctx, poolsKey, &pools) {
		return pools, nil
	}

	pools, err := s.primary.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, poolsKey, pools)
	return pools, nil
}

func (s *CachedStore) ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error) {
	var records []model.ExecutionRecord
	if s.readCache(ctx, executionsKey, &records) {
		return records, nil
	}

	records, err := s.primary.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, executionsKey, records)
	return records, nil
}

func (s *CachedStore) GetExecutionsByEvent(ctx context.Context, eventID string) ([]model.ExecutionRecord, error) {
	var records []model.ExecutionRecord
	if s.readCache(ctx, eventKey(eventID), &records) {
		return records, nil
	}

	records, err := s.primary.GetExecutionsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, eventKey(eventID), records)
	return records, nil
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return sonnet.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v interface{}) {
	if data, err := sonnet.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func eventKey(id string) string { return fmt.Sprintf("wreckage:executions:event:%s", id) }
