// Package replay feeds recorded ticks back through a pipeline at a
// configurable speed, for offline runs and backtests.
package replay

import (
	"context"
	"log"
	"slices"
	"time"

	"ohlc-engine/internal/model"
)

// maxGap caps the simulated wait between two ticks.
const maxGap = 5 * time.Second

// Replayer reads historical ticks from a BackfillSource and replays them.
type Replayer struct {
	src   model.BackfillSource
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer backed by src.
func New(src model.BackfillSource) *Replayer {
	return &Replayer{src: src, sleep: sleepCtx}
}

// Run replays all ticks at or after fromMs into emit, oldest first, and
// returns how many were emitted. speed controls the playback rate:
// 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, fromMs int64, speed float64, emit func(model.Tick)) (int, error) {
	ticks, err := r.src.FetchTicks(ctx, fromMs)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		log.Println("[replay] no ticks found")
		return 0, nil
	}

	// Sources promise ascending order; recorded files are not always sorted.
	slices.SortStableFunc(ticks, func(a, b model.Tick) int {
		switch {
		case a.TimeMs < b.TimeMs:
			return -1
		case a.TimeMs > b.TimeMs:
			return 1
		}
		return 0
	})

	log.Printf("[replay] loaded %d ticks, speed=%.1fx", len(ticks), speed)

	emitted := 0
	prevMs := int64(0)
	for i, t := range ticks {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d ticks", emitted)
			return emitted, ctx.Err()
		default:
		}

		// Simulate time gaps between ticks
		if speed > 0 && i > 0 {
			if gap := time.Duration(t.TimeMs-prevMs) * time.Millisecond; gap > 0 {
				scaled := min(time.Duration(float64(gap)/speed), maxGap)
				if err := r.sleep(ctx, scaled); err != nil {
					return emitted, err
				}
			}
		}
		prevMs = t.TimeMs

		emit(t)
		emitted++
	}

	log.Printf("[replay] completed: %d ticks replayed", emitted)
	return emitted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
