package indicator

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/model"
)

// fakeSource serves ticks, failing the first failFor calls (or every call
// while down is set).
type fakeSource struct {
	ticks   []model.Tick
	partial [][]model.Tick // rows returned alongside the error, per failed call
	failFor int
	down    bool
	calls   int
	from    []int64
}

func (f *fakeSource) FetchTicks(_ context.Context, fromMs int64) ([]model.Tick, error) {
	f.calls++
	f.from = append(f.from, fromMs)
	if f.down || f.calls <= f.failFor {
		var rows []model.Tick
		if i := f.calls - 1; i < len(f.partial) {
			rows = slices.Clone(f.partial[i])
		}
		return rows, errors.New("sqlite: interrupted")
	}
	return slices.Clone(f.ticks), nil
}

type recorder struct {
	entries []model.Entry
}

func (r *recorder) OnDataSourceEntry(e model.Entry) { r.entries = append(r.entries, e) }

func (r *recorder) times() []int64 {
	out := make([]int64, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.TimeMs
	}
	return out
}

type funcConsumer struct {
	fn func(model.Entry)
}

func (f *funcConsumer) OnDataSourceEntry(e model.Entry) { f.fn(e) }

type fakeSleeper struct {
	calls []time.Duration
	err   error
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}

var epoch = time.Unix(1_700_000_000, 0)

func newTickIndicator(src model.BackfillSource, sl *fakeSleeper) *TickIndicator {
	return NewTickIndicator(TickConfig{
		Name:   "EURUSD",
		Source: src,
		Sleep:  sl.Sleep,
		Now:    func() time.Time { return epoch },
	})
}

func tick(ms int64, bid float64) model.Tick {
	return model.Tick{TimeMs: ms, Ask: bid + 0.5, Bid: bid}
}

func TestTickIndicator_ReplayThenLiveInOrder(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{tick(1_000, 1), tick(2_000, 2), tick(3_000, 3)}}
	ti := newTickIndicator(src, &fakeSleeper{})

	rec := &recorder{}
	n := ti.Attach(context.Background(), rec)
	assert.Equal(t, 3, n)

	ti.OnTick(tick(4_000, 4))

	require.Len(t, rec.entries, 4)
	assert.Equal(t, []int64{1_000, 2_000, 3_000, 4_000}, rec.times())
	assert.Equal(t, model.EntryTick, rec.entries[3].Kind)
	assert.Equal(t, []float64{4.5, 4}, rec.entries[3].Values)
	assert.Equal(t, []int64{epoch.Add(-DefaultLookback).UnixMilli()}, src.from)
}

func TestTickIndicator_BackfillIsPerConsumer(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{tick(1_000, 1), tick(2_000, 2)}}
	ti := newTickIndicator(src, &fakeSleeper{})

	a, b := &recorder{}, &recorder{}
	ti.Attach(context.Background(), a)
	ti.OnTick(tick(3_000, 3))
	ti.Attach(context.Background(), b)

	// Re-attaching is a no-op.
	assert.Zero(t, ti.Attach(context.Background(), a))

	ti.OnTick(tick(4_000, 4))

	assert.Equal(t, []int64{1_000, 2_000, 3_000, 4_000}, a.times())
	assert.Equal(t, []int64{1_000, 2_000, 4_000}, b.times())
	assert.Equal(t, 2, ti.Consumers())
	assert.Equal(t, int64(2), ti.Ticks())
	assert.Equal(t, int64(4_000), ti.LastTickMs())
}

func TestTickIndicator_RetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{tick(1_000, 1)}, failFor: 3}
	sl := &fakeSleeper{}
	ti := newTickIndicator(src, sl)
	var retries []int
	ti.OnBackfillRetry = func(attempt int, err error) {
		assert.Error(t, err)
		retries = append(retries, attempt)
	}

	rec := &recorder{}
	assert.Equal(t, 1, ti.Attach(context.Background(), rec))

	assert.Equal(t, 4, src.calls)
	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sl.calls)
}

func TestTickIndicator_UpstreamUnavailable(t *testing.T) {
	src := &fakeSource{down: true}
	sl := &fakeSleeper{}
	ti := newTickIndicator(src, sl)

	_, err := ti.backfill(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, DefaultBackfillAttempts, src.calls)
	assert.Len(t, sl.calls, DefaultBackfillAttempts-1)

	// Attach degrades to live-only.
	rec := &recorder{}
	assert.Zero(t, ti.Attach(context.Background(), rec))
	ti.OnTick(tick(5_000, 5))
	assert.Equal(t, []int64{5_000}, rec.times())
}

func TestTickIndicator_KeepsLongestPartialBackfill(t *testing.T) {
	src := &fakeSource{down: true, partial: [][]model.Tick{
		{tick(1_000, 1)},
		{tick(1_000, 1), tick(2_000, 2), tick(3_000, 3)},
		{tick(1_000, 1), tick(2_000, 2)},
	}}
	ti := newTickIndicator(src, &fakeSleeper{})

	rec := &recorder{}
	assert.Equal(t, 3, ti.Attach(context.Background(), rec))
	assert.Equal(t, DefaultBackfillAttempts, src.calls)

	ti.OnTick(tick(4_000, 4))
	assert.Equal(t, []int64{1_000, 2_000, 3_000, 4_000}, rec.times())
}

func TestTickIndicator_CancelledWaitStopsRetries(t *testing.T) {
	src := &fakeSource{down: true}
	ti := newTickIndicator(src, &fakeSleeper{err: context.Canceled})

	_, err := ti.backfill(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 1, src.calls)
}

func TestTickIndicator_NoSourceMeansNoHistory(t *testing.T) {
	ti := NewTickIndicator(TickConfig{Name: "live"})
	rec := &recorder{}
	assert.Zero(t, ti.Attach(context.Background(), rec))
	assert.Equal(t, 1, ti.Consumers())
}

func TestTickIndicator_Detach(t *testing.T) {
	ti := newTickIndicator(nil, &fakeSleeper{})
	a, b := &recorder{}, &recorder{}
	ti.Attach(context.Background(), a)
	ti.Attach(context.Background(), b)

	ti.OnTick(tick(1_000, 1))
	ti.Detach(a)
	ti.Detach(a)
	ti.OnTick(tick(2_000, 2))

	assert.Equal(t, []int64{1_000}, a.times())
	assert.Equal(t, []int64{1_000, 2_000}, b.times())
	assert.Equal(t, 1, ti.Consumers())
}

func TestEmitter_DetachDuringEmitKeepsSnapshot(t *testing.T) {
	var em Emitter
	var got []string
	var second Consumer
	first := &funcConsumer{fn: func(model.Entry) {
		got = append(got, "first")
		em.Detach(second)
	}}
	rec := &recorder{}
	second = rec

	em.register(first)
	em.register(second)
	em.emit(model.ValueEntry(1, 1, true))
	em.emit(model.ValueEntry(2, 2, true))

	assert.Equal(t, []string{"first", "first"}, got)
	// Detached mid-delivery: still got the entry in flight, not the next one.
	assert.Equal(t, []int64{1}, rec.times())
}
