package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ohlc-engine/internal/history"
	"ohlc-engine/internal/model"
)

// ErrUpstreamUnavailable is returned when the backfill source kept failing
// for every attempt. The tick indicator still serves live ticks.
var ErrUpstreamUnavailable = errors.New("indicator: upstream unavailable")

const (
	DefaultBackfillAttempts = 10
	DefaultBackfillDelay    = time.Second
	DefaultLookback         = 24 * time.Hour
	defaultResolveTimeout   = 5 * time.Second // held under the engine lock
)

// TickConfig configures a TickIndicator.
type TickConfig struct {
	Name     string
	Source   model.BackfillSource // nil: no history, live ticks only
	Lookback time.Duration        // how far back backfill reaches (default 24h)
	Attempts int                  // backfill attempts (default 10)
	Delay    time.Duration        // pause between attempts (default 1s)

	// Sleep waits between attempts; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Log   *slog.Logger
}

// historyResolvable is implemented by consumers that can pull missing
// history later on (see CandleIndicator.SetHistoryResolver). IngestHistory
// takes entries older than anything the consumer holds and must not emit
// them, so its own consumers keep seeing ascending times.
type historyResolvable interface {
	SetHistoryResolver(r history.Resolver)
	IngestHistory(entries []model.Entry) int
}

// tickSub wraps an attached consumer and remembers the first live tick it
// was handed, so late backfill never overlaps live data.
type tickSub struct {
	c           Consumer
	firstLiveMs int64
	sawLive     bool
}

func (s *tickSub) OnDataSourceEntry(e model.Entry) {
	if !s.sawLive {
		s.sawLive, s.firstLiveMs = true, e.TimeMs
	}
	s.c.OnDataSourceEntry(e)
}

// TickIndicator is the root of a pipeline. It forwards live ticks to its
// consumers and serves their history from a BackfillSource.
type TickIndicator struct {
	Emitter

	cfg  TickConfig
	log  *slog.Logger
	subs map[Consumer]*tickSub

	ticks  int64
	lastMs int64

	// OnBackfillRetry is called after every failed backfill attempt (optional).
	OnBackfillRetry func(attempt int, err error)
	// OnBackfill is called with the number of ticks replayed on attach (optional).
	OnBackfill func(n int)
}

// NewTickIndicator creates a tick source.
func NewTickIndicator(cfg TickConfig) *TickIndicator {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultBackfillAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	} else if cfg.Delay == 0 {
		cfg.Delay = DefaultBackfillDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &TickIndicator{cfg: cfg, log: log, subs: make(map[Consumer]*tickSub)}
}

// Name returns the configured name.
func (ti *TickIndicator) Name() string { return ti.cfg.Name }

// Ticks returns the number of live ticks seen.
func (ti *TickIndicator) Ticks() int64 { return ti.ticks }

// LastTickMs returns the timestamp of the last live tick.
func (ti *TickIndicator) LastTickMs() int64 { return ti.lastMs }

// OnTick pushes one live tick to all consumers.
func (ti *TickIndicator) OnTick(t model.Tick) {
	ti.ticks++
	ti.lastMs = t.TimeMs
	ti.emit(model.TickToEntry(t))
}

// Attach backfills c from the source and registers it for live ticks.
// When the source stays unavailable c is attached with no history, and a
// consumer that supports it gets a resolver for one later attempt.
func (ti *TickIndicator) Attach(ctx context.Context, c Consumer) int {
	if _, ok := ti.subs[c]; ok {
		return 0
	}
	sub := &tickSub{c: c}

	ticks, err := ti.backfill(ctx)
	if err != nil {
		ti.log.Warn("attaching with partial history", "indicator", ti.cfg.Name, "ticks", len(ticks), "err", err)
		if r, ok := c.(historyResolvable); ok {
			r.SetHistoryResolver(history.ResolverFunc(func() bool {
				return ti.resolveLate(sub, r)
			}))
		}
	}
	for _, t := range ticks {
		c.OnDataSourceEntry(model.TickToEntry(t))
	}
	n := len(ticks)

	ti.subs[c] = sub
	ti.register(sub)
	if ti.OnBackfill != nil {
		ti.OnBackfill(n)
	}
	ti.log.Debug("became a data source", "indicator", ti.cfg.Name, "replayed", n, "consumers", ti.Consumers())
	return n
}

// Detach stops live delivery to c.
func (ti *TickIndicator) Detach(c Consumer) {
	sub, ok := ti.subs[c]
	if !ok {
		return
	}
	delete(ti.subs, c)
	ti.Emitter.Detach(sub)
}

func (ti *TickIndicator) fromMs() int64 {
	return ti.cfg.Now().Add(-ti.cfg.Lookback).UnixMilli()
}

// backfill fetches history, retrying up to cfg.Attempts times. When every
// attempt fails it returns the longest partial result any of them produced
// together with ErrUpstreamUnavailable.
func (ti *TickIndicator) backfill(ctx context.Context) ([]model.Tick, error) {
	if ti.cfg.Source == nil {
		return nil, nil
	}
	from := ti.fromMs()

	var lastErr error
	var partial []model.Tick
	for attempt := 1; attempt <= ti.cfg.Attempts; attempt++ {
		ticks, err := ti.cfg.Source.FetchTicks(ctx, from)
		if err == nil {
			return ticks, nil
		}
		if len(ticks) > len(partial) {
			partial = ticks
		}
		lastErr = err
		if ti.OnBackfillRetry != nil {
			ti.OnBackfillRetry(attempt, err)
		}
		ti.log.Warn("backfill attempt failed",
			"indicator", ti.cfg.Name, "attempt", attempt, "of", ti.cfg.Attempts, "err", err)
		if attempt == ti.cfg.Attempts {
			break
		}
		if err := ti.cfg.Sleep(ctx, ti.cfg.Delay); err != nil {
			lastErr = err
			break
		}
	}
	return partial, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, ti.cfg.Name, lastErr)
}

// resolveLate is a single backfill attempt for a consumer attached without
// (complete) history. Ticks at or after the first live tick it saw are
// skipped; the consumer decides which of the rest it can still take.
func (ti *TickIndicator) resolveLate(sub *tickSub, r historyResolvable) bool {
	ctx, cancel := context.WithTimeout(context.Background(), defaultResolveTimeout)
	defer cancel()

	ticks, err := ti.cfg.Source.FetchTicks(ctx, ti.fromMs())
	if err != nil {
		ti.log.Warn("late backfill failed", "indicator", ti.cfg.Name, "err", err)
		return false
	}
	entries := make([]model.Entry, 0, len(ticks))
	for _, t := range ticks {
		if sub.sawLive && t.TimeMs >= sub.firstLiveMs {
			continue
		}
		entries = append(entries, model.TickToEntry(t))
	}
	n := r.IngestHistory(entries)
	ti.log.Debug("late backfill delivered", "indicator", ti.cfg.Name, "fetched", len(ticks), "ingested", n)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
