package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	pools      map[model.PoolKey]model.VenuePool
	executions []model.ExecutionRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools: make(map[model.PoolKey]model.VenuePool),
	}
}

func (s *MemoryStore) SavePool(_ context.Context, p *model.VenuePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[p.Key()] = *p
	return nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.VenuePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.VenuePool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Key().Less(pools[j].Key()) })
	return pools, nil
}

func (s *MemoryStore) UpdatePoolUtilization(_ context.Context, venue, asset string, utilization decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.PoolKey{Venue: venue, Asset: asset}
	p, ok := s.pools[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, key)
	}
	p.Utilization = utilization
	s.pools[key] = p
	return nil
}

func (s *MemoryStore) InsertExecution(_ context.Context, rec *model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions = append(s.executions, *rec)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context) ([]model.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ExecutionRecord, len(s.executions))
	copy(out, s.executions)
	return out, nil
}

func (s *MemoryStore) GetExecutionsByEvent(_ context.Context, eventID string) ([]model.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExecutionRecord
	for _, e := range s.executions {
		if e.EventID == eventID || e.CounterpartyEventID == eventID {
			result = append(result, e)
		}
	}
	return result, nil
}
