// Package config loads the engine configuration: a YAML file describing
// venues, pools, routing bounds and reward rates, overridden by environment
// variables for the deployment surface (ports, databases, brokers).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fryprotocol/wreckage-engine/internal/correlation"
	"github.com/fryprotocol/wreckage-engine/internal/model"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
	"github.com/fryprotocol/wreckage-engine/internal/router"
)

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("config: invalid configuration")
)

const (
	DefaultPort          = "8080"
	DefaultEventsSubject = "wreckage.events.>"
	DefaultOutcomesTopic = "wreckage.outcomes"
	DefaultCacheTTL      = 30 * time.Second
)

// Engine bounds routing and matching.
type Engine struct {
	MaxHops           int             `yaml:"max_hops"`
	MatchTolerancePct decimal.Decimal `yaml:"match_tolerance_pct"`
	MaxUtilization    decimal.Decimal `yaml:"max_utilization"`

	// Admission caps on net pending exposure. Zero disables the cap.
	MaxPendingPerPool  decimal.Decimal `yaml:"max_pending_per_pool"`
	MaxPendingPerVenue decimal.Decimal `yaml:"max_pending_per_venue"`

	// Workers bounds how many asset groups are routed in parallel.
	// Zero selects GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// Pool is one asset pool offered by a venue.
type Pool struct {
	Asset       string          `yaml:"asset"`
	DepthUSD    decimal.Decimal `yaml:"depth_usd"`
	SpreadBps   decimal.Decimal `yaml:"spread_bps"`
	Utilization decimal.Decimal `yaml:"utilization"`
}

// Venue groups the pools of one venue. FundingRate applies to every pool
// unless the venue is later updated.
type Venue struct {
	Name        string          `yaml:"name"`
	FundingRate decimal.Decimal `yaml:"funding_rate"`
	Pools       []Pool          `yaml:"pools"`
}

// Config is the full engine configuration.
type Config struct {
	Engine  Engine       `yaml:"engine"`
	Rewards reward.Rates `yaml:"rewards"`
	Venues  []Venue      `yaml:"venues"`

	// Deployment surface, environment only.
	Port          string        `yaml:"-"`
	LogLevel      slog.Level    `yaml:"-"`
	DatabaseURL   string        `yaml:"-"`
	RedisURL      string        `yaml:"-"`
	CacheTTL      time.Duration `yaml:"-"`
	SQLitePath    string        `yaml:"-"`
	NATSURL       string        `yaml:"-"`
	EventsSubject string        `yaml:"-"`
	KafkaBrokers  []string      `yaml:"-"`
	OutcomesTopic string        `yaml:"-"`

	// ProcessInterval runs a processing pass on a timer. Zero leaves
	// passes to POST /api/v1/process.
	ProcessInterval time.Duration `yaml:"-"`
}

// Default returns a configuration with engine defaults and no venues.
func Default() *Config {
	opts := router.DefaultOptions()
	return &Config{
		Engine: Engine{
			MaxHops:           opts.MaxHops,
			MatchTolerancePct: opts.MatchTolerance,
			MaxUtilization:    opts.MaxUtilization,
		},
		Rewards:       reward.DefaultRates(),
		Port:          DefaultPort,
		LogLevel:      slog.LevelInfo,
		CacheTTL:      DefaultCacheTTL,
		EventsSubject: DefaultEventsSubject,
		OutcomesTopic: DefaultOutcomesTopic,
	}
}

// Load reads .env (if present), then the YAML file at path (if path is not
// empty), then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Fields absent from data keep their
// current values, so callers pass a Default() config to inherit defaults.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: LOG_LEVEL %q", ErrInvalid, v)
		}
	}
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.SQLitePath = os.Getenv("SQLITE_PATH")
	c.NATSURL = os.Getenv("NATS_URL")
	if v := os.Getenv("NATS_EVENTS_SUBJECT"); v != "" {
		c.EventsSubject = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("%w: CACHE_TTL_SECONDS %q", ErrInvalid, v)
		}
		c.CacheTTL = time.Duration(secs) * time.Second
	}
	c.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if v := os.Getenv("OUTCOMES_KAFKA_TOPIC"); v != "" {
		c.OutcomesTopic = v
	}
	if v := os.Getenv("MAX_HOPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAX_HOPS %q", ErrInvalid, v)
		}
		c.Engine.MaxHops = n
	}
	if v := os.Getenv("PROCESS_INTERVAL"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil || dur < 0 {
			return fmt.Errorf("%w: PROCESS_INTERVAL %q", ErrInvalid, v)
		}
		c.ProcessInterval = dur
	}
	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ENGINE_WORKERS %q", ErrInvalid, v)
		}
		c.Engine.Workers = n
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks engine bounds, reward rates and venue definitions.
func (c *Config) Validate() error {
	if err := c.RouterOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := reward.NewCalculator(c.Rewards); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch {
	case c.Engine.MaxPendingPerPool.IsNegative():
		return fmt.Errorf("%w: max_pending_per_pool %s", ErrInvalid, c.Engine.MaxPendingPerPool)
	case c.Engine.MaxPendingPerVenue.IsNegative():
		return fmt.Errorf("%w: max_pending_per_venue %s", ErrInvalid, c.Engine.MaxPendingPerVenue)
	case c.Engine.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrInvalid, c.Engine.Workers)
	}

	seen := make(map[model.PoolKey]bool)
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("%w: venue without name", ErrInvalid)
		}
		for _, p := range v.Pools {
			key := model.PoolKey{Venue: v.Name, Asset: p.Asset}
			switch {
			case p.Asset == "":
				return fmt.Errorf("%w: venue %s has a pool without asset", ErrInvalid, v.Name)
			case seen[key]:
				return fmt.Errorf("%w: duplicate pool %s", ErrInvalid, key)
			case p.DepthUSD.IsNegative():
				return fmt.Errorf("%w: %s depth %s", ErrInvalid, key, p.DepthUSD)
			case p.SpreadBps.IsNegative():
				return fmt.Errorf("%w: %s spread %s", ErrInvalid, key, p.SpreadBps)
			case p.Utilization.IsNegative() || p.Utilization.GreaterThan(c.Engine.MaxUtilization):
				return fmt.Errorf("%w: %s utilization %s", ErrInvalid, key, p.Utilization)
			}
			seen[key] = true
		}
	}
	return nil
}

// RouterOptions converts the engine section to router options.
func (c *Config) RouterOptions() router.Options {
	return router.Options{
		MaxHops:        c.Engine.MaxHops,
		MatchTolerance: c.Engine.MatchTolerancePct,
		MaxUtilization: c.Engine.MaxUtilization,
	}
}

// Limiter builds the pending exposure limiter from the engine section.
func (c *Config) Limiter() *correlation.Limiter {
	return correlation.NewLimiter(c.Engine.MaxPendingPerPool, c.Engine.MaxPendingPerVenue)
}

// Pools flattens the venue tree into registry pools, in file order.
func (c *Config) Pools() []model.VenuePool {
	var pools []model.VenuePool
	for _, v := range c.Venues {
		for _, p := range v.Pools {
			pools = append(pools, model.VenuePool{
				Venue:       v.Name,
				Asset:       p.Asset,
				DepthUSD:    p.DepthUSD,
				SpreadBps:   p.SpreadBps,
				Utilization: p.Utilization,
				FundingRate: v.FundingRate,
			})
		}
	}
	return pools
}
