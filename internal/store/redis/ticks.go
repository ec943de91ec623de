package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"ohlc-engine/internal/model"
)

const defaultTickStreamLen = 500_000

// TickStreamKey is the stream raw ticks of symbol are recorded in.
func TickStreamKey(symbol string) string { return "ticks:" + symbol }

// TickStream records ticks into a Redis Stream and reads them back for
// backfill. Entry IDs are "{time_ms}-{seq}", so a range query by time is a
// plain XRANGE.
type TickStream struct {
	client *goredis.Client
	key    string
	maxLen int64
}

var (
	_ model.BackfillSource = (*TickStream)(nil)
	_ model.TickRecorder   = (*TickStream)(nil)
)

// NewTickStream creates a tick stream for symbol. maxLen <= 0 means 500000.
func NewTickStream(client *goredis.Client, symbol string, maxLen int64) *TickStream {
	if maxLen <= 0 {
		maxLen = defaultTickStreamLen
	}
	return &TickStream{client: client, key: TickStreamKey(symbol), maxLen: maxLen}
}

// Append adds one tick. Ticks older than the stream's last ID are rejected
// by Redis; the error is returned.
func (s *TickStream) Append(ctx context.Context, t model.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.key,
		ID:     strconv.FormatInt(t.TimeMs, 10) + "-*",
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

// Run records ticks from tickCh until ctx is cancelled or tickCh is closed.
func (s *TickStream) Run(ctx context.Context, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickCh:
			if !ok {
				return
			}
			if err := s.Append(ctx, t); err != nil {
				log.Printf("[redis] xadd %s: %v", s.key, err)
			}
		}
	}
}

// FetchTicks reads ticks with time_ms >= fromMs, oldest first.
func (s *TickStream) FetchTicks(ctx context.Context, fromMs int64) ([]model.Tick, error) {
	msgs, err := s.client.XRange(ctx, s.key, strconv.FormatInt(fromMs, 10), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange %s: %w", s.key, err)
	}
	ticks := make([]model.Tick, 0, len(msgs))
	for _, m := range msgs {
		t, err := DecodeTick(m.Values)
		if err != nil {
			log.Printf("[redis] skipping %s entry %s: %v", s.key, m.ID, err)
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *TickStream) Close() error { return nil }

// DecodeTick parses the "data" field of a tick stream entry.
func DecodeTick(values map[string]interface{}) (model.Tick, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return model.Tick{}, fmt.Errorf("missing data field")
	}
	var t model.Tick
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return model.Tick{}, err
	}
	return t, nil
}
