package model

import "context"

// ── Collaborator ports ──
// These interfaces decouple the candle core from concrete tick stores
// (SQLite, Redis Streams, Postgres). Each implementation satisfies one or
// more of them.

// BackfillSource supplies historical ticks when a consumer attaches to a
// tick producer.
type BackfillSource interface {
	// FetchTicks returns ticks with TimeMs >= fromMs ordered oldest → newest.
	// A transient failure is reported as an error; callers retry.
	FetchTicks(ctx context.Context, fromMs int64) ([]Tick, error)
}

// TickRecorder stores raw ticks so they can later serve as a BackfillSource.
type TickRecorder interface {
	// Run reads ticks from tickCh and writes them in batches.
	// Blocks until ctx is cancelled or tickCh is closed.
	Run(ctx context.Context, tickCh <-chan Tick)

	// Close releases underlying resources.
	Close() error
}
