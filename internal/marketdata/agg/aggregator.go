// Package agg folds ticks into fixed-interval OHLC candles held in a
// bounded time store.
package agg

import (
	"errors"

	"ohlc-engine/internal/model"
	"ohlc-engine/internal/timestore"
)

// ErrInvalidInterval is returned for a non-positive bucket interval.
var ErrInvalidInterval = errors.New("agg: interval must be positive")

// Outcome says what a single Ingest call did.
type Outcome int

const (
	Updated Outcome = iota // merged into an existing candle
	Created                // opened a new candle
	Dropped                // bucket was evicted earlier; tick discarded
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Created:
		return "created"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Aggregator builds interval candles from ticks. Every accepted tick results
// in exactly one store write. Ticks may arrive out of order: a tick for an
// existing bucket updates it no matter how many newer buckets exist.
// Single goroutine only; no locks.
type Aggregator struct {
	interval int64 // seconds
	store    *timestore.Store[model.Candle]

	evicted    bool
	evictedMax int64

	// Metrics hooks (optional, set externally)
	OnDroppedTick func(tsMs int64)
}

// New creates an Aggregator writing into store.
func New(intervalSec int64, store *timestore.Store[model.Candle]) (*Aggregator, error) {
	if intervalSec <= 0 {
		return nil, ErrInvalidInterval
	}
	return &Aggregator{interval: intervalSec, store: store}, nil
}

// Interval returns the bucket width in seconds.
func (a *Aggregator) Interval() int64 { return a.interval }

// Bucket returns the bucket key (Unix seconds) for a tick timestamp in
// milliseconds: sec - sec mod interval, with floor semantics.
func Bucket(tsMs, intervalSec int64) int64 {
	sec := floorDiv(tsMs, 1000)
	return sec - floorMod(sec, intervalSec)
}

// Ingest merges one tick into its bucket and returns the bucket key.
func (a *Aggregator) Ingest(tsMs int64, price float64) (int64, Outcome) {
	key := Bucket(tsMs, a.interval)

	c, exists := a.store.Get(key)
	if exists {
		c.Update(tsMs, price)
		a.store.Set(key, c)
		return key, Updated
	}

	if a.evicted && key <= a.evictedMax {
		// Late tick for a bucket that was already given up: no resurrection.
		if a.OnDroppedTick != nil {
			a.OnDroppedTick(tsMs)
		}
		return key, Dropped
	}

	a.store.Set(key, model.NewCandle(tsMs, price))
	return key, Created
}

// Evicted records that the store overwrote key. Ticks for buckets at or
// before the newest evicted key are dropped from then on.
func (a *Aggregator) Evicted(key int64) {
	if !a.evicted || key > a.evictedMax {
		a.evictedMax = key
	}
	a.evicted = true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
