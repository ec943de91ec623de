package indicator

import (
	"context"
	"log/slog"
	"slices"

	"ohlc-engine/internal/model"
	"ohlc-engine/internal/timestore"
	"ohlc-engine/internal/valueview"
)

// DerivedConfig configures a Derived indicator.
type DerivedConfig struct {
	Name    string
	Applied valueview.Kind // price fed to the calculation
	Calc    Calc
	Store   timestore.Config
	Log     *slog.Logger
}

type point struct {
	v     float64
	valid bool
}

// Derived runs a Calc over the bars of a candle indicator. The price of
// each bar is read through the source's value view, so any applied price
// (close, typical, weighted, ...) works. A bar is committed to the Calc when
// the next bar appears; until then every update is a Peek.
//
// Derived emits one value entry per source update and keeps one value per bar.
type Derived struct {
	Emitter

	name   string
	src    *CandleIndicator
	view   *valueview.View
	calc   Calc
	values *timestore.Store[point]
	log    *slog.Logger

	barKey  int64
	pending float64
	hasBar  bool
	late    int64
}

// NewDerived creates a derived indicator reading from src. It still has to
// be attached with src.Attach. Panics with valueview.ErrUnsupportedView for
// an unknown applied price.
func NewDerived(src *CandleIndicator, cfg DerivedConfig) *Derived {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Derived{
		name:   cfg.Name,
		src:    src,
		view:   src.GetValueView(cfg.Applied),
		calc:   cfg.Calc,
		values: timestore.New[point](cfg.Store),
		log:    log,
	}
}

func (d *Derived) Name() string { return d.name }

// Source returns the candle indicator this one reads from.
func (d *Derived) Source() *CandleIndicator { return d.src }

// Late returns the number of updates ignored because they touched a bar
// older than the one being formed.
func (d *Derived) Late() int64 { return d.late }

// OnDataSourceEntry recomputes the value of the bar the entry belongs to.
func (d *Derived) OnDataSourceEntry(e model.Entry) {
	if e.Kind != model.EntryCandle || !e.Valid {
		return
	}
	key := e.TimeMs / 1000
	shift, ok := d.src.ShiftOfTime(key)
	if !ok {
		return
	}
	price, ok := d.view.Lookup(shift)
	if !ok {
		return
	}

	switch {
	case !d.hasBar:
		d.barKey, d.hasBar = key, true
	case key > d.barKey:
		d.calc.Update(d.pending)
		d.barKey = key
	case key < d.barKey:
		d.late++
		d.log.Debug("update for committed bar ignored", "indicator", d.name, "key", key, "forming", d.barKey)
		return
	}
	d.pending = price

	p := point{v: d.calc.Peek(price), valid: d.calc.PeekReady()}
	d.values.Set(key, p)
	d.emit(model.ValueEntry(e.TimeMs, p.v, p.valid))
}

// Attach replays one value entry per bar, oldest first, then registers c.
func (d *Derived) Attach(_ context.Context, c Consumer) int {
	if slices.Contains(d.consumers, c) {
		return 0
	}
	n := replay(c, d.Entries())
	d.register(c)
	return n
}

// Entries returns one value entry per bar in ascending time order.
func (d *Derived) Entries() []model.Entry {
	out := make([]model.Entry, 0, d.values.Count())
	d.values.Ascend(func(key int64, p point) bool {
		out = append(out, model.ValueEntry(key*1000, p.v, p.valid))
		return true
	})
	return out
}

// GetValue returns the value `shift` bars back. ok is false for missing bars
// and for bars before the calculation had enough data.
func (d *Derived) GetValue(shift int) (v float64, ok bool) {
	key, found := d.values.KeyFromNewest(shift)
	if !found {
		return 0, false
	}
	p, _ := d.values.Get(key)
	return p.v, p.valid
}
