package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/model"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.db")
	w, err := New(WriterConfig{DBPath: path, Symbol: "EURUSD"})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriterReader_TickRoundTrip(t *testing.T) {
	w, path := newWriter(t)

	require.NoError(t, w.InsertTicks([]model.Tick{
		{TimeMs: 3_000, Ask: 1.3, Bid: 1.2},
		{TimeMs: 1_000, Ask: 1.1, Bid: 1.0},
		{TimeMs: 2_000, Ask: 1.2, Bid: 1.1},
	}))

	last, err := w.GetLastTimestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), last)

	r, err := NewReader(path, "EURUSD")
	require.NoError(t, err)
	defer r.Close()

	ticks, err := r.FetchTicks(context.Background(), 2_000)
	require.NoError(t, err)
	assert.Equal(t, []model.Tick{
		{TimeMs: 2_000, Ask: 1.2, Bid: 1.1},
		{TimeMs: 3_000, Ask: 1.3, Bid: 1.2},
	}, ticks)

	other, err := NewReader(path, "GBPUSD")
	require.NoError(t, err)
	defer other.Close()
	ticks, err = other.FetchTicks(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestWriter_RunFlushesOnClose(t *testing.T) {
	w, _ := newWriter(t)

	ch := make(chan model.Tick, 3)
	ch <- model.Tick{TimeMs: 10, Bid: 1}
	ch <- model.Tick{TimeMs: 20, Bid: 2}
	close(ch)

	w.Run(context.Background(), ch)

	last, err := w.GetLastTimestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(20), last)
}

func TestWriter_RunCandlesKeepsLatestBar(t *testing.T) {
	w, path := newWriter(t)

	msg := func(key int64, prices ...float64) bus.Message {
		c := model.NewCandle(key*1000, prices[0])
		for _, p := range prices[1:] {
			c.Update(key*1000, p)
		}
		return bus.Message{Source: "M1", IntervalSec: 60, Entry: model.CandleToEntry(key, c)}
	}

	ch := make(chan bus.Message, 4)
	ch <- msg(0, 10)
	ch <- msg(0, 10, 12)
	ch <- bus.Message{Source: "SMA", Entry: model.ValueEntry(0, 5, true)}
	ch <- msg(60, 8)
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.RunCandles(ctx, ch)

	r, err := NewReader(path, "EURUSD")
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.ReadCandles(ctx, "M1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []float64{10, 12, 10, 12}, entries[0].Values)
	assert.Equal(t, int64(60_000), entries[1].TimeMs)
}
