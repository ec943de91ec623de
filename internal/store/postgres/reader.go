// Package postgres reads tick history from a Postgres-wire database
// (Postgres or QuestDB) for backfill.
package postgres

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ohlc-engine/internal/model"
)

// Config is the connection configuration.
type Config struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"8812"`
	Database string `env:"DATABASE" envDefault:"qdb"`
	Username string `env:"USERNAME" envDefault:"admin"`
	Password string `env:"PASSWORD" envDefault:"quest"`
	Table    string `env:"TABLE" envDefault:"ticks"`

	// Connection pool settings
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"4"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// ConnString builds the postgres:// URL for cfg.
func (c Config) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Reader serves ticks of one symbol from a table shaped like
// (symbol text, time_ms bigint, ask double, bid double).
type Reader struct {
	pool   *pgxpool.Pool
	symbol string
	query  string
}

var _ model.BackfillSource = (*Reader)(nil)

// NewReader connects and pings the database.
func NewReader(ctx context.Context, cfg Config, symbol string) (*Reader, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxConfig.MaxConns = cfg.MaxConns
	}
	pgxConfig.MaxConnLifetime = cfg.MaxConnLifetime
	pgxConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Printf("[postgres] connected to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return &Reader{pool: pool, symbol: symbol, query: TickQuery(cfg.Table)}, nil
}

// TickQuery is the backfill query for table.
func TickQuery(table string) string {
	return "SELECT time_ms, ask, bid FROM " + pgx.Identifier{table}.Sanitize() +
		" WHERE symbol = $1 AND time_ms >= $2 ORDER BY time_ms ASC"
}

// FetchTicks returns ticks with time_ms >= fromMs, oldest first.
func (r *Reader) FetchTicks(ctx context.Context, fromMs int64) ([]model.Tick, error) {
	rows, err := r.pool.Query(ctx, r.query, r.symbol, fromMs)
	if err != nil {
		return nil, fmt.Errorf("postgres query ticks: %w", err)
	}
	ticks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Tick, error) {
		var t model.Tick
		err := row.Scan(&t.TimeMs, &t.Ask, &t.Bid)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres scan ticks: %w", err)
	}
	return ticks, nil
}

// Ping checks the connection.
func (r *Reader) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// Close closes the pool.
func (r *Reader) Close() {
	r.pool.Close()
}
