// Package store defines the persistence interface for the wreckage engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache), and in-memory (for testing).
//
// The engine's in-memory registry is authoritative while the process runs;
// the store keeps pool utilization across restarts and holds the immutable
// execution ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// ErrPoolNotFound is returned when updating a pool that was never saved.
var ErrPoolNotFound = errors.New("store: pool not found")

// ErrCorruptColumn is returned when a stored decimal does not parse.
var ErrCorruptColumn = errors.New("store: corrupt decimal column")

// decimalColumn pairs a scanned text column with its destination.
type decimalColumn struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(cols ...decimalColumn) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrCorruptColumn, c.name, c.raw, err)
		}
		*c.dst = v
	}
	return nil
}

func parsePool(p *model.VenuePool, depth, spread, util, funding string) error {
	if err := parseDecimals(
		decimalColumn{"depth_usd", depth, &p.DepthUSD},
		decimalColumn{"spread_bps", spread, &p.SpreadBps},
		decimalColumn{"utilization", util, &p.Utilization},
		decimalColumn{"funding_rate", funding, &p.FundingRate},
	); err != nil {
		return fmt.Errorf("pool %s: %w", p.Key(), err)
	}
	return nil
}

// Store is the persistence interface.
type Store interface {
	// --- Pool state ---

	// SavePool inserts or replaces a pool.
	SavePool(ctx context.Context, pool *model.VenuePool) error

	// ListPools returns all pools ordered by venue then asset.
	ListPools(ctx context.Context) ([]model.VenuePool, error)

	// UpdatePoolUtilization records a pool's utilization after a route.
	UpdatePoolUtilization(ctx context.Context, venue, asset string, utilization decimal.Decimal) error

	// --- Immutable execution ledger ---

	// InsertExecution appends an execution record.
	InsertExecution(ctx context.Context, rec *model.ExecutionRecord) error

	// ListExecutions returns every record in insertion order.
	ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error)

	// GetExecutionsByEvent returns records where the event is either the
	// primary or the counterparty event.
	GetExecutionsByEvent(ctx context.Context, eventID string) ([]model.ExecutionRecord, error)
}
