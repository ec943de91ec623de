// Package indicator wires data sources and their consumers into a graph:
// a tick source feeds candle indicators, candle indicators feed each other
// and derived value indicators.
//
// Delivery is synchronous. A producer calls each consumer's
// OnDataSourceEntry in attach order before returning, and a newly attached
// consumer first receives the producer's history, oldest first, through the
// same method it later receives live entries on.
package indicator

import (
	"context"
	"slices"

	"ohlc-engine/internal/model"
)

// Consumer receives entries from a data source.
type Consumer interface {
	OnDataSourceEntry(e model.Entry)
}

// Producer is a data source other indicators can attach to.
type Producer interface {
	// Attach replays history to c and then registers it for live entries.
	// It returns the number of history entries delivered.
	Attach(ctx context.Context, c Consumer) int
	Detach(c Consumer)
}

// Emitter keeps the ordered consumer list of a producer. Consumers are
// compared by identity, so they must be comparable (typically pointers).
type Emitter struct {
	consumers []Consumer
}

// register adds c unless it is already attached and reports whether it
// was added.
func (em *Emitter) register(c Consumer) bool {
	if slices.Contains(em.consumers, c) {
		return false
	}
	em.consumers = append(em.consumers, c)
	return true
}

// Detach stops live delivery to c.
func (em *Emitter) Detach(c Consumer) {
	if i := slices.Index(em.consumers, c); i >= 0 {
		em.consumers = slices.Delete(em.consumers, i, i+1)
	}
}

// Consumers returns the number of attached consumers.
func (em *Emitter) Consumers() int { return len(em.consumers) }

// emit delivers e to every consumer attached when the call started.
func (em *Emitter) emit(e model.Entry) {
	if len(em.consumers) == 0 {
		return
	}
	for _, c := range slices.Clone(em.consumers) {
		c.OnDataSourceEntry(e)
	}
}

// replay delivers history to c alone.
func replay(c Consumer, history []model.Entry) int {
	for _, e := range history {
		c.OnDataSourceEntry(e)
	}
	return len(history)
}
