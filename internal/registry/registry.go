// Package registry owns the venue pool arena: every (venue, asset) pool the
// engine can route through, each guarded by its own lock.
//
// Reads return copies. The only mutation after registration is Apply, which
// raises utilization on a set of pools atomically: either every hop of a
// route is applied or none is.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

var (
	// ErrInvalidPool is returned when a pool has negative depth or spread,
	// or a utilization outside [0, maxUtilization].
	ErrInvalidPool = errors.New("registry: invalid pool parameters")

	// ErrUnknownPool is returned when a hop references a pool that was
	// never registered.
	ErrUnknownPool = errors.New("registry: unknown pool")

	// ErrUtilizationCapExceeded is returned by Apply when a fill would push
	// a pool past the utilization ceiling.
	ErrUtilizationCapExceeded = errors.New("registry: utilization cap exceeded")

	// ErrInvalidMaxUtilization is returned when the ceiling is outside (0, 1).
	ErrInvalidMaxUtilization = errors.New("registry: max utilization must be in (0, 1)")

	// capEpsilon absorbs decimal division rounding when a fill lands
	// exactly on the ceiling.
	capEpsilon = decimal.New(1, -12)
)

// DefaultMaxUtilization leaves headroom so a pool never fully saturates.
var DefaultMaxUtilization = decimal.NewFromFloat(0.95)

type record struct {
	mu   sync.Mutex
	pool model.VenuePool
}

// Registry is the venue pool arena.
type Registry struct {
	maxUtil decimal.Decimal

	// mu guards the index (records, keys, assets), not pool state.
	mu      sync.RWMutex
	records map[model.PoolKey]*record
	keys    []model.PoolKey
	assets  map[string]int
}

// New creates a registry holding pools. maxUtil zero selects the default.
func New(maxUtil decimal.Decimal, pools []model.VenuePool) (*Registry, error) {
	if maxUtil.IsZero() {
		maxUtil = DefaultMaxUtilization
	}
	if maxUtil.LessThanOrEqual(decimal.Zero) || maxUtil.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidMaxUtilization
	}

	r := &Registry{
		maxUtil: maxUtil,
		records: make(map[model.PoolKey]*record),
		assets:  make(map[string]int),
	}
	for _, p := range pools {
		if err := r.Upsert(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MaxUtilization returns the utilization ceiling enforced by Apply.
func (r *Registry) MaxUtilization() decimal.Decimal {
	return r.maxUtil
}

// Upsert registers a pool, or replaces the parameters of an existing one.
func (r *Registry) Upsert(p model.VenuePool) error {
	if err := r.validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.Key()
	if rec, ok := r.records[key]; ok {
		rec.mu.Lock()
		rec.pool = p
		rec.mu.Unlock()
		return nil
	}

	r.records[key] = &record{pool: p}
	idx := sort.Search(len(r.keys), func(i int) bool { return !r.keys[i].Less(key) })
	r.keys = append(r.keys, model.PoolKey{})
	copy(r.keys[idx+1:], r.keys[idx:])
	r.keys[idx] = key
	r.assets[p.Asset]++
	return nil
}

func (r *Registry) validate(p model.VenuePool) error {
	switch {
	case p.Venue == "" || p.Asset == "":
		return fmt.Errorf("%w: venue and asset are required", ErrInvalidPool)
	case p.DepthUSD.IsNegative():
		return fmt.Errorf("%w: %s depth %s", ErrInvalidPool, p.Key(), p.DepthUSD)
	case p.SpreadBps.IsNegative():
		return fmt.Errorf("%w: %s spread %s", ErrInvalidPool, p.Key(), p.SpreadBps)
	case p.Utilization.IsNegative() || p.Utilization.GreaterThan(r.maxUtil):
		return fmt.Errorf("%w: %s utilization %s", ErrInvalidPool, p.Key(), p.Utilization)
	}
	return nil
}

// HasAsset reports whether any pool is registered for asset.
func (r *Registry) HasAsset(asset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assets[asset] > 0
}

// Get returns a copy of one pool.
func (r *Registry) Get(key model.PoolKey) (model.VenuePool, bool) {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		return model.VenuePool{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.pool, true
}

// Snapshot returns copies of every pool ordered by (venue, asset).
func (r *Registry) Snapshot() []model.VenuePool {
	return r.collect(func(model.PoolKey) bool { return true })
}

// PoolsFor returns copies of the pools quoting asset, ordered by venue.
func (r *Registry) PoolsFor(asset string) []model.VenuePool {
	return r.collect(func(k model.PoolKey) bool { return k.Asset == asset })
}

func (r *Registry) collect(keep func(model.PoolKey) bool) []model.VenuePool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.VenuePool, 0, len(r.keys))
	for _, k := range r.keys {
		if !keep(k) {
			continue
		}
		rec := r.records[k]
		rec.mu.Lock()
		out = append(out, rec.pool)
		rec.mu.Unlock()
	}
	return out
}

// Apply raises utilization of every pool touched by hops by
// amountFilled / depth. Pools are locked in key order so concurrent Apply
// calls on overlapping pools cannot deadlock. Every hop is validated before
// any pool is mutated; on error nothing changes.
//
// Returns the updated pools in key order.
func (r *Registry) Apply(hops []model.Hop) ([]model.VenuePool, error) {
	fills := make(map[model.PoolKey]decimal.Decimal, len(hops))
	for _, h := range hops {
		fills[h.Key()] = fills[h.Key()].Add(h.AmountFilled)
	}
	keys := make([]model.PoolKey, 0, len(fills))
	for k := range fills {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	r.mu.RLock()
	recs := make([]*record, 0, len(keys))
	for _, k := range keys {
		rec, ok := r.records[k]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, k)
		}
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
	}
	defer func() {
		for _, rec := range recs {
			rec.mu.Unlock()
		}
	}()

	next := make([]decimal.Decimal, len(recs))
	for i, rec := range recs {
		fill := fills[keys[i]]
		if fill.IsNegative() {
			return nil, fmt.Errorf("%w: negative fill on %s", ErrInvalidPool, keys[i])
		}
		if fill.IsZero() {
			next[i] = rec.pool.Utilization
			continue
		}
		if !rec.pool.DepthUSD.IsPositive() {
			return nil, fmt.Errorf("%w: %s has no depth", ErrUtilizationCapExceeded, keys[i])
		}
		u := rec.pool.Utilization.Add(fill.Div(rec.pool.DepthUSD))
		if u.GreaterThan(r.maxUtil) {
			if u.Sub(r.maxUtil).GreaterThan(capEpsilon) {
				return nil, fmt.Errorf("%w: %s would reach %s", ErrUtilizationCapExceeded, keys[i], u.StringFixed(6))
			}
			u = r.maxUtil
		}
		next[i] = u
	}

	out := make([]model.VenuePool, len(recs))
	for i, rec := range recs {
		rec.pool.Utilization = next[i]
		out[i] = rec.pool
	}
	return out, nil
}
