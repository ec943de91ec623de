package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/model"
)

func candle(source string, key int64) bus.Message {
	return bus.Message{Source: source, IntervalSec: 60, Entry: model.CandleToEntry(key, model.NewCandle(key*1000, 1))}
}

// fakeSend records batches and fails while down is set.
type fakeSend struct {
	down    bool
	batches [][]bus.Message
}

func (f *fakeSend) send(_ context.Context, msgs []bus.Message) error {
	if f.down {
		return errors.New("connection refused")
	}
	f.batches = append(f.batches, append([]bus.Message(nil), msgs...))
	return nil
}

func newTestPublisher(maxBuf int) (*Publisher, *fakeSend, *manualClock) {
	cb, clk := newBreaker(2)
	p := NewPublisher(nil, cb, maxBuf)
	fs := &fakeSend{}
	p.send = fs.send
	return p, fs, clk
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "candle:60s:M1", StreamKey(candle("M1", 0)))
	assert.Equal(t, "ind:SMA_20", StreamKey(bus.Message{Source: "SMA_20", Entry: model.ValueEntry(0, 1, true)}))
	assert.Equal(t, "ticks:EURUSD", TickStreamKey("EURUSD"))
}

func TestStreamMaxLen(t *testing.T) {
	assert.Equal(t, int64(10900), StreamMaxLen(1))
	assert.Equal(t, int64(280), StreamMaxLen(60))
	assert.Equal(t, int64(200), StreamMaxLen(3600))
	assert.Equal(t, int64(200), StreamMaxLen(0))
}

func TestPublisher_PublishesWhenHealthy(t *testing.T) {
	p, fs, _ := newTestPublisher(10)

	p.Publish(context.Background(), candle("M1", 0))
	p.Publish(context.Background(), candle("M1", 60))

	require.Len(t, fs.batches, 2)
	assert.Zero(t, p.Buffered())
}

func TestPublisher_BuffersWhileDownAndFlushesAfterRecovery(t *testing.T) {
	p, fs, clk := newTestPublisher(10)
	var errs, flushed int
	p.OnError = func(error) { errs++ }
	p.OnFlush = func(n int) { flushed = n }

	fs.down = true
	for i := int64(0); i < 4; i++ {
		p.Publish(context.Background(), candle("M1", i*60))
	}
	// Two real failures trip the breaker, the rest are buffered unseen.
	assert.Equal(t, 2, errs)
	assert.Equal(t, 4, p.Buffered())
	assert.Equal(t, StateOpen, p.cb.CurrentState())

	fs.down = false
	clk.advance(time.Second)
	p.Flush(context.Background())

	assert.Zero(t, p.Buffered())
	assert.Equal(t, 4, flushed)
	require.Len(t, fs.batches, 1)
	assert.Equal(t, int64(0), fs.batches[0][0].Entry.TimeMs)
	assert.Equal(t, int64(180_000), fs.batches[0][3].Entry.TimeMs)
	assert.Equal(t, StateClosed, p.cb.CurrentState())
}

func TestPublisher_BufferDropsOldest(t *testing.T) {
	p, fs, _ := newTestPublisher(2)
	dropped := 0
	p.OnDrop = func() { dropped++ }

	fs.down = true
	for i := int64(0); i < 5; i++ {
		p.Publish(context.Background(), candle("M1", i*60))
	}

	assert.Equal(t, 2, p.Buffered())
	assert.Equal(t, 3, dropped)
	assert.Equal(t, int64(180_000), p.buffer[0].Entry.TimeMs)
}

func TestPublisher_RunStopsOnClose(t *testing.T) {
	p, fs, _ := newTestPublisher(10)
	ch := make(chan bus.Message, 2)
	ch <- candle("M1", 0)
	close(ch)

	p.Run(context.Background(), ch)
	assert.Len(t, fs.batches, 1)
}

func TestDecodeTick(t *testing.T) {
	tk, err := DecodeTick(map[string]interface{}{"data": `{"time_ms":5,"ask":1.2,"bid":1.1}`})
	require.NoError(t, err)
	assert.Equal(t, model.Tick{TimeMs: 5, Ask: 1.2, Bid: 1.1}, tk)

	_, err = DecodeTick(map[string]interface{}{})
	assert.Error(t, err)
	_, err = DecodeTick(map[string]interface{}{"data": "{"})
	assert.Error(t, err)
}
