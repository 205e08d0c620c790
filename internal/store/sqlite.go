package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fryprotocol/wreckage-engine/internal/model"
)

const defaultSQLitePath = "data/wreckage.db"

// SQLiteStore implements Store on a local SQLite file for single-node
// deployments. Decimals are stored as TEXT to keep them exact.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// OpenSQLite creates (if needed) and opens the database at path, and
// ensures the schema exists. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: in-memory databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if err := ensureWAL(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func ensureWAL(db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("database is locked after retries")
}

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS venue_pools (
	venue        TEXT NOT NULL,
	asset        TEXT NOT NULL,
	depth_usd    TEXT NOT NULL,
	spread_bps   TEXT NOT NULL,
	utilization  TEXT NOT NULL,
	funding_rate TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (venue, asset)
);
CREATE TABLE IF NOT EXISTS execution_records (
	seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
	id                    TEXT NOT NULL UNIQUE,
	kind                  TEXT NOT NULL,
	event_id              TEXT NOT NULL,
	counterparty_event_id TEXT NOT NULL DEFAULT '',
	venue                 TEXT NOT NULL,
	asset                 TEXT NOT NULL,
	notional_usd          TEXT NOT NULL,
	cost_bps              TEXT NOT NULL,
	hops                  INTEGER NOT NULL,
	reward_minted         TEXT NOT NULL,
	reason                TEXT NOT NULL DEFAULT '',
	timestamp             TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS execution_records_event_idx ON execution_records (event_id);
`

// Path returns the path backing the store.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the DB.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SavePool(ctx context.Context, p *model.VenuePool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO venue_pools (venue, asset, depth_usd, spread_bps, utilization, funding_rate)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (venue, asset) DO UPDATE
		 SET depth_usd = excluded.depth_usd, spread_bps = excluded.spread_bps,
		     utilization = excluded.utilization, funding_rate = excluded.funding_rate`,
		p.Venue, p.Asset,
		p.DepthUSD.String(), p.SpreadBps.String(),
		p.Utilization.String(), p.FundingRate.String(),
	)
	return err
}

func (s *SQLiteStore) ListPools(ctx context.Context) ([]model.VenuePool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT venue, asset, depth_usd, spread_bps, utilization, funding_rate
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

func (s *SQLiteStore) UpdatePoolUtilization(ctx context.Context, venue, asset string, utilization decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE venue_pools SET utilization = ? WHERE venue = ? AND asset = ?`,
		utilization.String(), venue, asset,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrPoolNotFound, venue, asset)
	}
	return nil
}

func (s *SQLiteStore) InsertExecution(ctx context.Context, e *model.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records (id, kind, event_id, counterparty_event_id, venue, asset,
		                                notional_usd, cost_bps, hops, reward_minted, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.EventID, e.CounterpartyEventID, e.Venue, e.Asset,
		e.NotionalUSD.String(), e.CostBps.String(), e.Hops, e.RewardMinted.String(),
		e.Reason, e.Timestamp.UTC(),
	)
	return err
}

const sqliteExecutionColumns = `id, kind, event_id, counterparty_event_id, venue, asset,
		        notional_usd, cost_bps, hops, reward_minted, reason, timestamp`

func (s *SQLiteStore) ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExecutionColumns+` FROM execution_records ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

func (s *SQLiteStore) GetExecutionsByEvent(ctx context.Context, eventID string) ([]model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExecutionColumns+` FROM execution_records
		 WHERE event_id = ? OR counterparty_event_id = ? ORDER BY seq`, eventID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}
