package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/ticks.db"
	Symbol string // symbol recorded ticks are stored under
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It records raw ticks (the backfill source of later runs) and archives
// candle entries published on the bus.
type Writer struct {
	db     *sql.DB
	symbol string
}

var _ model.TickRecorder = (*Writer)(nil)

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, symbol: cfg.Symbol}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			symbol   TEXT    NOT NULL,
			time_ms  INTEGER NOT NULL,
			ask      REAL    NOT NULL,
			bid      REAL    NOT NULL,
			PRIMARY KEY (symbol, time_ms)
		);

		CREATE TABLE IF NOT EXISTS candles (
			source   TEXT    NOT NULL,
			interval INTEGER NOT NULL,
			time_ms  INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			PRIMARY KEY (source, time_ms)
		);
	`)
	return err
}

// batchLoop is the shared batching loop: flush every defaultBatchSize items
// OR every defaultFlushDelay, whichever first. Blocks until ctx is cancelled
// or in is closed.
func batchLoop[T any](ctx context.Context, in <-chan T, what string, insert func([]T) error) {
	batch := make([]T, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := insert(batch); err != nil {
			log.Printf("[sqlite] %s batch insert error: %v", what, err)
		} else {
			log.Printf("[sqlite] committed %d %s in %v", len(batch), what, time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case v, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, v)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Run records ticks from tickCh in batched transactions.
func (w *Writer) Run(ctx context.Context, tickCh <-chan model.Tick) {
	batchLoop(ctx, tickCh, "ticks", w.InsertTicks)
}

// RunCandles archives candle entries from a bus subscription. Non-candle
// messages are skipped; a bar updated many times is stored once per flush.
func (w *Writer) RunCandles(ctx context.Context, msgCh <-chan bus.Message) {
	batchLoop(ctx, msgCh, "candles", w.insertCandles)
}

// InsertTicks inserts a batch of ticks in a single transaction.
func (w *Writer) InsertTicks(ticks []model.Tick) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ticks (symbol, time_ms, ask, bid)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.Exec(w.symbol, t.TimeMs, t.Ask, t.Bid); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (w *Writer) insertCandles(msgs []bus.Message) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (source, interval, time_ms, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		e := m.Entry
		if e.Kind != model.EntryCandle || !e.Valid || len(e.Values) < 4 {
			continue
		}
		_, err := stmt.Exec(m.Source, m.IntervalSec, e.TimeMs, e.Values[0], e.Values[1], e.Values[2], e.Values[3])
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastTimestamp returns the last recorded tick time for the writer's
// symbol. Returns 0 if no ticks exist.
func (w *Writer) GetLastTimestamp() (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(`SELECT MAX(time_ms) FROM ticks WHERE symbol = ?`, w.symbol).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
