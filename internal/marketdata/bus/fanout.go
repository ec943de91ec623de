// Package bus moves entries emitted by the synchronous indicator graph onto
// channels, so slow sinks (redis, websocket clients) run on their own
// goroutines.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"ohlc-engine/internal/model"
)

// Message is one emitted entry tagged with the indicator that produced it.
type Message struct {
	Source      string      `json:"source"`
	IntervalSec int64       `json:"interval_sec,omitempty"`
	Entry       model.Entry `json:"entry"`
}

// Tap is an indicator consumer that forwards every entry it receives into a
// channel. It never blocks the graph: when the channel is full the entry is
// dropped and counted.
type Tap struct {
	source   string
	interval int64
	out      chan<- Message
	dropped  atomic.Uint64
}

// NewTap creates a tap writing to out.
func NewTap(source string, intervalSec int64, out chan<- Message) *Tap {
	return &Tap{source: source, interval: intervalSec, out: out}
}

// OnDataSourceEntry implements indicator.Consumer.
func (t *Tap) OnDataSourceEntry(e model.Entry) {
	select {
	case t.out <- Message{Source: t.source, IntervalSec: t.interval, Entry: e}:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns how many entries did not fit into the channel.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// FanOut broadcasts messages from a single input channel to N output channels.
// If an output channel is full, the message is dropped for that consumer to
// prevent a slow consumer from blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan Message
	bufSize int

	// OnDrop is called when a message is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel.
func (f *FanOut) Subscribe() <-chan Message {
	ch := make(chan Message, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan Message) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- msg:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Printf("[bus] output channel %d full, dropping %s entry from %s", i, msg.Entry.Kind, msg.Source)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Len int
	Cap int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
