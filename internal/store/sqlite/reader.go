package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"ohlc-engine/internal/model"
)

// Reader provides read-only access to recorded ticks and archived candles.
// It is the backfill source for tick indicators and the input of replays.
type Reader struct {
	db     *sql.DB
	symbol string
}

var _ model.BackfillSource = (*Reader)(nil)

// NewReader opens a SQLite connection for reading ticks of symbol.
func NewReader(dbPath, symbol string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db, symbol: symbol}, nil
}

// FetchTicks returns recorded ticks with time_ms >= fromMs, oldest first.
func (r *Reader) FetchTicks(ctx context.Context, fromMs int64) ([]model.Tick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT time_ms, ask, bid
		FROM ticks
		WHERE symbol = ? AND time_ms >= ?
		ORDER BY time_ms ASC
	`, r.symbol, fromMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		var t model.Tick
		if err := rows.Scan(&t.TimeMs, &t.Ask, &t.Bid); err != nil {
			return nil, fmt.Errorf("sqlite scan ticks: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// ReadCandles returns the archived bars of one candle indicator as candle
// entries, oldest first.
func (r *Reader) ReadCandles(ctx context.Context, source string, fromMs int64) ([]model.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT time_ms, open, high, low, close
		FROM candles
		WHERE source = ? AND time_ms >= ?
		ORDER BY time_ms ASC
	`, source, fromMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e := model.Entry{Kind: model.EntryCandle, Values: make([]float64, 4), Valid: true}
		if err := rows.Scan(&e.TimeMs, &e.Values[0], &e.Values[1], &e.Values[2], &e.Values[3]); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
