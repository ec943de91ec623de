package indicator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"ohlc-engine/internal/history"
	"ohlc-engine/internal/marketdata/agg"
	"ohlc-engine/internal/model"
	"ohlc-engine/internal/timestore"
	"ohlc-engine/internal/valueview"
)

// CandleQuerier is the read surface of a candle indicator.
type CandleQuerier interface {
	Name() string
	IntervalSec() int64
	GetOHLC(shift int) model.Candle
	GetOpen(shift int) float64
	GetHigh(shift int) float64
	GetLow(shift int) float64
	GetClose(shift int) float64
	GetVolume(shift int) int64
	GetBars() int
	GetBarIndex() int64
	IsNewBar() bool
	GetValueView(kind valueview.Kind) *valueview.View
	GetItemTimeByShift(shift int) int64
	EnsureShiftExists(shift int) bool
	CandlesToString() string
}

// CandleConfig configures a CandleIndicator.
type CandleConfig struct {
	Name        string
	IntervalSec int64
	Side        model.PriceSide // which tick price to aggregate (default bid)
	Store       timestore.Config
	Log         *slog.Logger
}

// CandleIndicator aggregates whatever its data source emits into OHLC bars
// of a fixed interval and re-emits the updated bar after every ingest.
// Tick entries contribute the configured side, candle and value entries
// contribute their close or value.
type CandleIndicator struct {
	Emitter

	name  string
	side  model.PriceSide
	store *timestore.Store[model.Candle]
	agg   *agg.Aggregator
	index *history.Index
	views *valueview.Set
	log   *slog.Logger

	opened  int64
	newBar  bool
	lastKey int64

	// OnOverwrite is called when the store gives up a bar (optional).
	OnOverwrite func(key int64, reason timestore.OverflowReason)
	// OnDroppedTick is called for ingests refused as too old (optional).
	OnDroppedTick func(tsMs int64)
	// OnCandleOpened is called whenever a new bar is created (optional).
	OnCandleOpened func(key int64)
}

var _ CandleQuerier = (*CandleIndicator)(nil)

// NewCandleIndicator creates a candle indicator with its own store.
func NewCandleIndicator(cfg CandleConfig) (*CandleIndicator, error) {
	if cfg.Name == "" {
		return nil, errors.New("indicator: candle indicator needs a name")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	st := timestore.New[model.Candle](cfg.Store)
	a, err := agg.New(cfg.IntervalSec, st)
	if err != nil {
		return nil, err
	}

	ci := &CandleIndicator{
		name:  cfg.Name,
		side:  cfg.Side,
		store: st,
		agg:   a,
		index: history.New(cfg.Name, st, log),
		log:   log,
	}
	ci.views = valueview.NewSet(ci.index)

	st.OnOverwrite = func(key int64, reason timestore.OverflowReason) {
		a.Evicted(key)
		log.Debug("bar overwritten", "indicator", ci.name, "key", key, "reason", reason.String())
		if ci.OnOverwrite != nil {
			ci.OnOverwrite(key, reason)
		}
	}
	a.OnDroppedTick = func(tsMs int64) {
		log.Debug("late tick dropped", "indicator", ci.name, "ts_ms", tsMs)
		if ci.OnDroppedTick != nil {
			ci.OnDroppedTick(tsMs)
		}
	}
	return ci, nil
}

// Subscribe attaches the indicator to its data source and returns the
// number of history entries replayed.
func (ci *CandleIndicator) Subscribe(ctx context.Context, src Producer) int {
	n := src.Attach(ctx, ci)
	ci.log.Debug("subscribed", "indicator", ci.name, "replayed", n, "bars", ci.store.Count())
	return n
}

// SetHistoryResolver installs the hook EnsureShiftExists uses to pull
// history that was unavailable at attach time.
func (ci *CandleIndicator) SetHistoryResolver(r history.Resolver) {
	ci.index.SetResolver(r)
}

// OnDataSourceEntry ingests one entry and emits the bar it landed in.
func (ci *CandleIndicator) OnDataSourceEntry(e model.Entry) {
	if !e.Valid {
		return
	}
	key, out := ci.ingest(e)
	if out == agg.Dropped {
		return
	}
	c, _ := ci.store.Get(key)
	ci.emit(model.CandleToEntry(key, c))
}

// IngestHistory fills in bars older than the oldest bar held, without
// emitting them. Entries whose bucket is already held (or newer) are
// skipped so live bars keep their open and close. It returns the number of
// entries ingested.
func (ci *CandleIndicator) IngestHistory(entries []model.Entry) int {
	entries = slices.Clone(entries)
	slices.SortStableFunc(entries, func(a, b model.Entry) int {
		switch {
		case a.TimeMs < b.TimeMs:
			return -1
		case a.TimeMs > b.TimeMs:
			return 1
		}
		return 0
	})

	oldest, held := ci.store.Oldest()
	n := 0
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		if held && agg.Bucket(e.TimeMs, ci.agg.Interval()) >= oldest {
			continue
		}
		if _, out := ci.ingest(e); out != agg.Dropped {
			n++
		}
	}
	ci.log.Debug("history ingested", "indicator", ci.name, "entries", n, "bars", ci.store.Count())
	return n
}

// ingest runs e through the aggregator and keeps the bar bookkeeping.
func (ci *CandleIndicator) ingest(e model.Entry) (int64, agg.Outcome) {
	key, out := ci.agg.Ingest(e.TimeMs, e.Price(ci.side))
	switch out {
	case agg.Created:
		ci.opened++
		if newest, _ := ci.store.Newest(); newest == key {
			ci.newBar = true
			ci.lastKey = key
		}
		if ci.OnCandleOpened != nil {
			ci.OnCandleOpened(key)
		}
	case agg.Updated:
		if key == ci.lastKey {
			ci.newBar = false
		}
	}
	return key, out
}

// Attach replays every stored bar to c, oldest first, then registers it.
func (ci *CandleIndicator) Attach(_ context.Context, c Consumer) int {
	if slices.Contains(ci.consumers, c) {
		return 0
	}
	n := replay(c, ci.Entries())
	ci.register(c)
	ci.log.Debug("became a data source", "indicator", ci.name, "replayed", n, "consumers", ci.Consumers())
	return n
}

// Entries returns one candle entry per stored bar in ascending time order.
// The slice is a snapshot; delivering it may safely mutate the store.
func (ci *CandleIndicator) Entries() []model.Entry {
	out := make([]model.Entry, 0, ci.store.Count())
	ci.store.Ascend(func(key int64, c model.Candle) bool {
		out = append(out, model.CandleToEntry(key, c))
		return true
	})
	return out
}

func (ci *CandleIndicator) Name() string          { return ci.name }
func (ci *CandleIndicator) IntervalSec() int64    { return ci.agg.Interval() }
func (ci *CandleIndicator) Side() model.PriceSide { return ci.side }

// Count returns the number of bars currently held.
func (ci *CandleIndicator) Count() int { return ci.store.Count() }

// Capacity returns the store's current logical capacity.
func (ci *CandleIndicator) Capacity() int { return ci.store.Capacity() }

func (ci *CandleIndicator) GetOHLC(shift int) model.Candle {
	return ci.index.GetItemByShift(shift)
}

func (ci *CandleIndicator) GetOpen(shift int) float64 {
	return ci.views.Get(valueview.Open).GetValue(shift)
}

func (ci *CandleIndicator) GetHigh(shift int) float64 {
	return ci.views.Get(valueview.High).GetValue(shift)
}

func (ci *CandleIndicator) GetLow(shift int) float64 {
	return ci.views.Get(valueview.Low).GetValue(shift)
}

func (ci *CandleIndicator) GetClose(shift int) float64 {
	return ci.views.Get(valueview.Close).GetValue(shift)
}

// GetVolume returns the tick count of the bar at shift.
func (ci *CandleIndicator) GetVolume(shift int) int64 {
	return ci.index.GetItemByShift(shift).Volume
}

// GetBars returns the largest number of bars ever held.
func (ci *CandleIndicator) GetBars() int { return ci.index.PeakSize() }

// GetBarIndex returns the number of bars ever opened minus one (-1 before
// the first bar).
func (ci *CandleIndicator) GetBarIndex() int64 { return ci.opened - 1 }

// IsNewBar reports whether the last ingest opened the newest bar.
func (ci *CandleIndicator) IsNewBar() bool { return ci.newBar }

// GetValueView returns the view of the given kind. It panics with
// valueview.ErrUnsupportedView for unknown kinds.
func (ci *CandleIndicator) GetValueView(kind valueview.Kind) *valueview.View {
	return ci.views.Get(kind)
}

func (ci *CandleIndicator) GetItemTimeByShift(shift int) int64 {
	return ci.index.GetItemTimeByShift(shift)
}

// ShiftOfTime returns the shift of the bar stored under key.
func (ci *CandleIndicator) ShiftOfTime(key int64) (int, bool) {
	return ci.index.ShiftOfTime(key)
}

func (ci *CandleIndicator) EnsureShiftExists(shift int) bool {
	return ci.index.EnsureShiftExists(shift)
}

// CandlesToString dumps every bar as "key: open,high,low,close", one per
// line, oldest first.
func (ci *CandleIndicator) CandlesToString() string {
	var b strings.Builder
	ci.store.Ascend(func(key int64, c model.Candle) bool {
		b.WriteString(model.Itoa(key))
		b.WriteString(": ")
		b.WriteString(model.CandleToEntry(key, c).String())
		b.WriteByte('\n')
		return true
	})
	return b.String()
}
