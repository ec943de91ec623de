// Package redis publishes emitted entries to Redis and reads tick history
// back from Redis Streams.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultMaxBuffer = 10000
	// Streams keep roughly 3h of bars.
	streamWindowSec = 10800
	minStreamLen    = 200
)

// Config holds the connection settings shared by publisher and readers.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// StreamKey is the stream an entry of source is appended to:
// "candle:{interval}s:{source}" for candle indicators, "ind:{source}" for
// everything else.
func StreamKey(m bus.Message) string {
	if m.Entry.Kind == model.EntryCandle && m.IntervalSec > 0 {
		return model.StreamKey(m.Source, m.IntervalSec)
	}
	return "ind:" + m.Source
}

// StreamMaxLen is the approximate cap for a stream of bars of intervalSec.
func StreamMaxLen(intervalSec int64) int64 {
	if intervalSec <= 0 {
		return minStreamLen
	}
	return max(streamWindowSec/intervalSec+100, minStreamLen)
}

// Publisher writes bus messages to Redis: XADD to a capped stream, SET of
// the latest value and PUBLISH for live subscribers, in one pipeline per
// batch. Writes go through a circuit breaker; while it is open, messages
// are buffered locally (oldest dropped first) and flushed once it closes.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	send   func(ctx context.Context, msgs []bus.Message) error

	mu     sync.Mutex
	buffer []bus.Message
	maxBuf int

	// Optional hooks, for metrics.
	OnError  func(err error)
	OnBuffer func()
	OnDrop   func()
	OnFlush  func(count int)
}

// NewPublisher wraps client. maxBufferSize <= 0 means 10000.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, maxBufferSize int) *Publisher {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBuffer
	}
	p := &Publisher{
		client: client,
		cb:     cb,
		maxBuf: maxBufferSize,
		buffer: make([]bus.Message, 0, 256),
	}
	p.send = p.pipeline
	return p
}

// Run publishes messages from msgCh until ctx is cancelled or msgCh is closed.
func (p *Publisher) Run(ctx context.Context, msgCh <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgCh:
			if !ok {
				return
			}
			p.Publish(ctx, m)
		}
	}
}

// Publish writes one message. While older messages are still buffered the
// new one queues behind them, so streams stay in emit order.
func (p *Publisher) Publish(ctx context.Context, m bus.Message) {
	if p.Buffered() > 0 {
		p.bufferMessage(m)
		p.Flush(ctx)
		return
	}
	err := p.cb.Do(ctx, func(ctx context.Context) error {
		return p.send(ctx, []bus.Message{m})
	})
	if err != nil {
		p.fail(err, StreamKey(m))
		p.bufferMessage(m)
	}
}

// Flush tries to write all buffered messages in one pipeline.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = make([]bus.Message, 0, 256)
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	err := p.cb.Do(ctx, func(ctx context.Context) error {
		return p.send(ctx, pending)
	})
	if err != nil {
		p.fail(err, "buffer")
		// Put them back in front of anything buffered meanwhile.
		p.mu.Lock()
		p.buffer = append(pending, p.buffer...)
		p.trimLocked()
		p.mu.Unlock()
		return
	}
	log.Printf("[redis] flushed %d buffered messages", len(pending))
	if p.OnFlush != nil {
		p.OnFlush(len(pending))
	}
}

func (p *Publisher) fail(err error, what string) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}
	if p.OnError != nil {
		p.OnError(err)
	}
	log.Printf("[redis] publish %s: %v", what, err)
}

// Buffered returns the number of messages waiting for the breaker to close.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) bufferMessage(m bus.Message) {
	p.mu.Lock()
	p.buffer = append(p.buffer, m)
	p.trimLocked()
	p.mu.Unlock()
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

func (p *Publisher) trimLocked() {
	if over := len(p.buffer) - p.maxBuf; over > 0 {
		p.buffer = p.buffer[over:]
		if p.OnDrop != nil {
			for i := 0; i < over; i++ {
				p.OnDrop()
			}
		}
	}
}

// pipeline sends msgs in a single round trip.
func (p *Publisher) pipeline(ctx context.Context, msgs []bus.Message) error {
	pipe := p.client.Pipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", m.Source, err)
		}
		jsonData := string(data)
		streamKey := StreamKey(m)

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: StreamMaxLen(m.IntervalSec),
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, streamKey+":latest", jsonData, defaultLatestTTL)
		pipe.Publish(ctx, "pub:"+streamKey, jsonData)
	}
	_, err := pipe.Exec(ctx)
	return err
}
