// Package engine builds the indicator graph described by a pipeline and
// owns the single lock every tick and every query goes through. The graph
// itself does no locking.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ohlc-engine/config"
	"ohlc-engine/internal/indicator"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/metrics"
	"ohlc-engine/internal/model"
	"ohlc-engine/internal/ringbuf"
	"ohlc-engine/internal/timestore"
	"ohlc-engine/internal/valueview"
)

// pollInterval is how long Run waits when the tick ring is empty.
const pollInterval = time.Millisecond

// Options configures an Engine.
type Options struct {
	Pipeline *config.Pipeline     // nil: config.DefaultPipeline()
	Backfill model.BackfillSource // nil: live ticks only
	Metrics  *metrics.Metrics     // optional
	Log      *slog.Logger

	// BusBuffer sizes the channel every candle and derived indicator is
	// tapped into. Zero disables the taps.
	BusBuffer int

	// Sleep and Now are handed to the tick indicator; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Engine is a built indicator graph.
type Engine struct {
	mu  sync.Mutex
	log *slog.Logger
	m   *metrics.Metrics

	tick    *indicator.TickIndicator
	candles map[string]*indicator.CandleIndicator
	derived map[string]*indicator.Derived
	order   []string // candle names in build order
	dorder  []string // derived names in build order

	out  chan bus.Message
	taps map[string]*bus.Tap

	cron *cron.Cron
}

// New builds the graph. Every candle indicator is attached to its source
// in pipeline order, so the tick backfill and the replays from candle to
// candle happen here.
func New(ctx context.Context, opts Options) (*Engine, error) {
	p := opts.Pipeline
	if p == nil {
		p = config.DefaultPipeline()
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	lg := opts.Log
	if lg == nil {
		lg = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lg = lg.With(slog.String("build_id", logger.GenerateTraceID(p.Tick.Name, now())))

	e := &Engine{
		log:     lg,
		m:       opts.Metrics,
		candles: make(map[string]*indicator.CandleIndicator),
		derived: make(map[string]*indicator.Derived),
		taps:    make(map[string]*bus.Tap),
	}
	if opts.BusBuffer > 0 {
		e.out = make(chan bus.Message, opts.BusBuffer)
	}

	e.tick = indicator.NewTickIndicator(indicator.TickConfig{
		Name:     p.Tick.Name,
		Source:   opts.Backfill,
		Lookback: p.Tick.Lookback,
		Attempts: p.Tick.Attempts,
		Delay:    p.Tick.Delay,
		Sleep:    opts.Sleep,
		Now:      now,
		Log:      lg,
	})
	if m := e.m; m != nil {
		e.tick.OnBackfillRetry = func(int, error) { m.BackfillRetries.Inc() }
		e.tick.OnBackfill = func(n int) { m.BackfillTicks.Add(float64(n)) }
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cs := range p.Candles {
		ci, err := indicator.NewCandleIndicator(indicator.CandleConfig{
			Name:        cs.Name,
			IntervalSec: cs.Interval,
			Side:        model.ParsePriceSide(cs.Side),
			Store: timestore.Config{
				Policy: timestore.DefaultPolicy{Limit: cs.Ceiling, Conflicts: cs.MaxConflicts},
			},
			Log: lg,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: candle %q: %w", cs.Name, err)
		}
		e.instrument(ci)

		var src indicator.Producer = e.tick
		if cs.Source != p.Tick.Name {
			src = e.candles[cs.Source]
		}
		n := ci.Subscribe(ctx, src)
		lg.Info("candle indicator ready",
			"indicator", cs.Name, "source", cs.Source, "interval", cs.Interval,
			"replayed", n, "bars", ci.Count())

		e.candles[cs.Name] = ci
		e.order = append(e.order, cs.Name)
	}

	for _, ds := range p.Indicators {
		kind := valueview.Close
		if ds.Applied != "" {
			k, err := valueview.ParseKind(ds.Applied)
			if err != nil {
				return nil, fmt.Errorf("engine: indicator %q: %w", ds.Name, err)
			}
			kind = k
		}
		calc, err := indicator.NewCalc(ds.Type, ds.Period)
		if err != nil {
			return nil, fmt.Errorf("engine: indicator %q: %w", ds.Name, err)
		}
		src := e.candles[ds.Source]
		d := indicator.NewDerived(src, indicator.DerivedConfig{
			Name:    ds.Name,
			Applied: kind,
			Calc:    calc,
			Log:     lg,
		})
		n := src.Attach(ctx, d)
		lg.Info("derived indicator ready",
			"indicator", ds.Name, "type", calc.Name(), "source", ds.Source,
			"applied", kind.String(), "replayed", n)

		e.derived[ds.Name] = d
		e.dorder = append(e.dorder, ds.Name)
	}

	if e.out != nil {
		for _, name := range e.order {
			ci := e.candles[name]
			tap := bus.NewTap(name, ci.IntervalSec(), e.out)
			ci.Attach(ctx, tap)
			e.taps[name] = tap
		}
		for _, name := range e.dorder {
			tap := bus.NewTap(name, 0, e.out)
			e.derived[name].Attach(ctx, tap)
			e.taps[name] = tap
		}
	}
	return e, nil
}

func (e *Engine) instrument(ci *indicator.CandleIndicator) {
	m := e.m
	if m == nil {
		return
	}
	name := ci.Name()
	ci.OnCandleOpened = func(int64) { m.CandlesOpened.WithLabelValues(name).Inc() }
	ci.OnDroppedTick = func(int64) { m.LateTicks.WithLabelValues(name).Inc() }
	ci.OnOverwrite = func(_ int64, reason timestore.OverflowReason) {
		m.StoreOverwrites.WithLabelValues(name, reason.String()).Inc()
	}
}

// OnTick pushes one live tick through the graph.
func (e *Engine) OnTick(t model.Tick) {
	start := time.Now()
	e.mu.Lock()
	e.tick.OnTick(t)
	e.mu.Unlock()
	if e.m != nil {
		e.m.TicksTotal.Inc()
		e.m.PipelineLatency.Observe(time.Since(start).Seconds())
	}
}

// Run drains ticks from ring into the graph until ctx is cancelled. It must
// be the ring's only consumer.
func (e *Engine) Run(ctx context.Context, ring *ringbuf.Ring[model.Tick]) {
	idle := time.NewTicker(pollInterval)
	defer idle.Stop()
	for {
		if ring.Drain(e.OnTick) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			ring.Drain(e.OnTick)
			return
		case <-idle.C:
		}
	}
}

// Read runs fn while holding the graph lock. Indicators returned by Candle
// and Derived may only be queried inside fn.
func (e *Engine) Read(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Candle returns a candle indicator by name.
func (e *Engine) Candle(name string) (*indicator.CandleIndicator, bool) {
	ci, ok := e.candles[name]
	return ci, ok
}

// Derived returns a derived indicator by name.
func (e *Engine) Derived(name string) (*indicator.Derived, bool) {
	d, ok := e.derived[name]
	return d, ok
}

// CandleNames returns candle indicator names in build order.
func (e *Engine) CandleNames() []string { return slices.Clone(e.order) }

// DerivedNames returns derived indicator names in build order.
func (e *Engine) DerivedNames() []string { return slices.Clone(e.dorder) }

// Tick returns the root of the graph.
func (e *Engine) Tick() *indicator.TickIndicator { return e.tick }

// Messages returns the channel the taps write to, nil when taps are off.
func (e *Engine) Messages() <-chan bus.Message { return e.out }

// Stats is a point-in-time view of the graph.
type Stats struct {
	Ticks      int64
	LastTickMs int64
	Bars       map[string]int
	Capacity   map[string]int
	BusLen     int
	BusCap     int
	TapDrops   map[string]uint64
}

// Stats takes the graph lock and collects counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Ticks:      e.tick.Ticks(),
		LastTickMs: e.tick.LastTickMs(),
		Bars:       make(map[string]int, len(e.candles)),
		Capacity:   make(map[string]int, len(e.candles)),
		TapDrops:   make(map[string]uint64, len(e.taps)),
	}
	for name, ci := range e.candles {
		s.Bars[name] = ci.Count()
		s.Capacity[name] = ci.Capacity()
	}
	for name, tap := range e.taps {
		s.TapDrops[name] = tap.Dropped()
	}
	if e.out != nil {
		s.BusLen, s.BusCap = len(e.out), cap(e.out)
	}
	return s
}

// StartStats schedules the stats job with a cron spec ("@every 15s",
// "*/5 * * * *"). extra jobs run right after it on the same schedule.
func (e *Engine) StartStats(spec string, extra ...func()) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		e.collectStats()
		for _, fn := range extra {
			fn()
		}
	})
	if err != nil {
		return fmt.Errorf("engine: stats schedule %q: %w", spec, err)
	}
	c.Start()
	e.cron = c
	e.log.Info("stats job scheduled", "spec", spec)
	return nil
}

// Stop stops the stats job and waits for a running one to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
}

func (e *Engine) collectStats() {
	s := e.Stats()
	if m := e.m; m != nil {
		for name, n := range s.Bars {
			m.StoreSize.WithLabelValues(name).Set(float64(n))
		}
		if s.BusCap > 0 {
			m.ChannelSaturationPct.WithLabelValues("bus").Set(float64(s.BusLen) / float64(s.BusCap) * 100)
		}
	}
	e.log.Debug("engine stats", "ticks", s.Ticks, "last_tick_ms", s.LastTickMs, "bars", s.Bars)
}
