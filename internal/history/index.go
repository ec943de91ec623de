// Package history addresses a candle store two ways: by shift (0 = newest
// bar, increasing = older) and by absolute bucket timestamp.
package history

import (
	"log/slog"

	"ohlc-engine/internal/model"
	"ohlc-engine/internal/timestore"
)

// Resolver fetches missing history on demand. It reports whether the
// attempt completed; the index only ever calls it once successfully.
type Resolver interface {
	ResolveHistory() bool
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func() bool

func (f ResolverFunc) ResolveHistory() bool { return f() }

// Index is a read view over a candle store. Shift counts only buckets that
// exist: shift 1 is the previous stored bar, however far back it is.
type Index struct {
	store    *timestore.Store[model.Candle]
	resolver Resolver
	resolved bool
	log      *slog.Logger
	name     string
}

// New creates an index over store. name is used in log lines only.
func New(name string, store *timestore.Store[model.Candle], log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{store: store, log: log, name: name}
}

// SetResolver installs the backfill hook used by EnsureShiftExists.
func (ix *Index) SetResolver(r Resolver) {
	ix.resolver = r
	ix.resolved = false
}

// GetItemByShift returns the candle `shift` bars back, or an invalid candle.
func (ix *Index) GetItemByShift(shift int) model.Candle {
	key, ok := ix.store.KeyFromNewest(shift)
	if !ok {
		ix.log.Debug("missing candle", "indicator", ix.name, "shift", shift, "bars", ix.store.Count())
		return model.Candle{}
	}
	c, _ := ix.store.Get(key)
	return c
}

// GetItemTimeByShift returns the bucket key (Unix seconds) `shift` bars
// back, or 0 when there is no such bar.
func (ix *Index) GetItemTimeByShift(shift int) int64 {
	key, ok := ix.store.KeyFromNewest(shift)
	if !ok {
		return 0
	}
	return key
}

// GetItemByTime returns the candle stored under the bucket key.
func (ix *Index) GetItemByTime(key int64) model.Candle {
	c, ok := ix.store.Get(key)
	if !ok {
		ix.log.Debug("missing candle", "indicator", ix.name, "key", key)
		return model.Candle{}
	}
	return c
}

// ShiftOfTime returns the shift at which the bucket key currently sits.
func (ix *Index) ShiftOfTime(key int64) (int, bool) {
	return ix.store.ShiftOf(key)
}

// EnsureShiftExists reports whether `shift` resolves to a stored bar,
// asking the resolver for history first if it has not succeeded yet.
func (ix *Index) EnsureShiftExists(shift int) bool {
	if shift < 0 {
		return false
	}
	if shift < ix.store.Count() {
		return true
	}
	if ix.resolver == nil || ix.resolved {
		return false
	}
	ix.resolved = ix.resolver.ResolveHistory()
	return shift < ix.store.Count()
}

// Count returns the number of bars currently held.
func (ix *Index) Count() int { return ix.store.Count() }

// PeakSize returns the largest number of bars ever held.
func (ix *Index) PeakSize() int { return ix.store.Peak() }
