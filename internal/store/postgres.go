package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS venue_pools (
	venue        TEXT    NOT NULL,
	asset        TEXT    NOT NULL,
	depth_usd    NUMERIC NOT NULL,
	spread_bps   NUMERIC NOT NULL,
	utilization  NUMERIC NOT NULL,
	funding_rate NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (venue, asset)
);
CREATE TABLE IF NOT EXISTS execution_records (
	seq                   BIGSERIAL PRIMARY KEY,
	id                    TEXT        NOT NULL UNIQUE,
	kind                  TEXT        NOT NULL,
	event_id              TEXT        NOT NULL,
	counterparty_event_id TEXT        NOT NULL DEFAULT '',
	venue                 TEXT        NOT NULL,
	asset                 TEXT        NOT NULL,
	notional_usd          NUMERIC     NOT NULL,
	cost_bps              NUMERIC     NOT NULL,
	hops                  INTEGER     NOT NULL,
	reward_minted         NUMERIC     NOT NULL,
	reason                TEXT        NOT NULL DEFAULT '',
	timestamp             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS execution_records_event_idx ON execution_records (event_id);
CREATE INDEX IF NOT EXISTS execution_records_cp_idx ON execution_records (counterparty_event_id);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchemaSQL)
	return err
}

func (s *PostgresStore) SavePool(ctx context.Context, p *model.VenuePool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO venue_pools (venue, asset, depth_usd, spread_bps, utilization, funding_rate)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (venue, asset) DO UPDATE
		 SET depth_usd = EXCLUDED.depth_usd, spread_bps = EXCLUDED.spread_bps,
		     utilization = EXCLUDED.utilization, funding_rate = EXCLUDED.funding_rate`,
		p.Venue, p.Asset,
		p.DepthUSD.String(), p.SpreadBps.String(),
		p.Utilization.String(), p.FundingRate.String(),
	)
	return err
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.VenuePool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT venue, asset, depth_usd::TEXT, spread_bps::TEXT,
		        utilization::TEXT, funding_rate::TEXT
		 FROM venue_pools ORDER BY venue, asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.VenuePool
	for rows.Next() {
		var p model.VenuePool
		var depth, spread, util, funding string
		if err := rows.Scan(&p.Venue, &p.Asset, &depth, &spread, &util, &funding); err != nil {
			return nil, err
		}
		if err := parsePool(&p, depth, spread, util, funding); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) UpdatePoolUtilization(ctx context.Context, venue, asset string, utilization decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE venue_pools SET utilization = $3::NUMERIC WHERE venue = $1 AND asset = $2`,
		venue, asset, utilization.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrPoolNotFound, venue, asset)
	}
	return nil
}

func (s *PostgresStore) InsertExecution(ctx context.Context, e *model.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_records (id, kind, event_id, counterparty_event_id, venue, asset,
		                                notional_usd, cost_bps, hops, reward_minted, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11, $12)`,
		e.ID, string(e.Kind), e.EventID, e.CounterpartyEventID, e.Venue, e.Asset,
		e.NotionalUSD.String(), e.CostBps.String(), e.Hops, e.RewardMinted.String(),
		e.Reason, e.Timestamp,
	)
	return err
}

const executionColumns = `id, kind, event_id, counterparty_event_id, venue, asset,
		        notional_usd::TEXT, cost_bps::TEXT, hops, reward_minted::TEXT, reason, timestamp`

func (s *PostgresStore) ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM execution_records ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

func (s *PostgresStore) GetExecutionsByEvent(ctx context.Context, eventID string) ([]model.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM execution_records
		 WHERE event_id = $1 OR counterparty_event_id = $1 ORDER BY seq`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// rowScanner is satisfied by both pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanExecutions reads rows into ExecutionRecord slices.
func scanExecutions(rows rowScanner) ([]model.ExecutionRecord, error) {
	var records []model.ExecutionRecord
	for rows.Next() {
		var e model.ExecutionRecord
		var kind, notional, cost, minted string

		if err := rows.Scan(&e.ID, &kind, &e.EventID, &e.CounterpartyEventID, &e.Venue, &e.Asset,
			&notional, &cost, &e.Hops, &minted, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.OutcomeKind(kind)
		if err := parseDecimals(
			decimalColumn{"notional_usd", notional, &e.NotionalUSD},
			decimalColumn{"cost_bps", cost, &e.CostBps},
			decimalColumn{"reward_minted", minted, &e.RewardMinted},
		); err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}

		records = append(records, e)
	}
	return records, rows.Err()
}
