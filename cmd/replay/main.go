// cmd/replay runs recorded ticks from SQLite through a candle pipeline and
// prints the resulting bars and indicator values, without a live feed.
//
// Usage:
//
//	go run ./cmd/replay --db=data/candles.db --symbol=EURUSD --speed=0 --pipeline=pipeline.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohlc-engine/config"
	"ohlc-engine/internal/engine"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/marketdata/replay"
	"ohlc-engine/internal/model"
	sqlitestore "ohlc-engine/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start replay from (0=all)")
	dbPath := flag.String("db", "data/candles.db", "Path to SQLite database")
	symbol := flag.String("symbol", "EURUSD", "Symbol the ticks were recorded under")
	pipelinePath := flag.String("pipeline", "", "Pipeline YAML (default: built-in M1/M5 pipeline)")
	dump := flag.Bool("dump", false, "Print every bar of every candle indicator")
	flag.Parse()

	pipeline, err := config.LoadPipeline(*pipelinePath)
	if err != nil {
		log.Fatalf("[replay] %v", err)
	}

	reader, err := sqlitestore.NewReader(*dbPath, *symbol)
	if err != nil {
		log.Fatalf("[replay] sqlite open failed: %v", err)
	}
	defer reader.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The pipeline starts empty; every tick comes from the replay.
	eng, err := engine.New(ctx, engine.Options{
		Pipeline: pipeline,
		Log:      logger.New(os.Stderr, "replay", slog.LevelInfo),
	})
	if err != nil {
		log.Fatalf("[replay] engine init failed: %v", err)
	}

	start := time.Now()
	n, err := replay.New(reader).Run(ctx, *fromTS*1000, *speed, eng.OnTick)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("[replay] %v", err)
	}

	fmt.Printf("replayed %d ticks in %v\n\n", n, time.Since(start).Truncate(time.Millisecond))
	summarize(os.Stdout, eng, *dump)
}

// summarize prints the newest bar of each candle indicator and the newest
// value of each derived indicator.
func summarize(w io.Writer, eng *engine.Engine, dump bool) {
	eng.Read(func() {
		for _, name := range eng.CandleNames() {
			ci, _ := eng.Candle(name)
			fmt.Fprintf(w, "%-12s bars=%-6d", name, ci.Count())
			if bar := ci.GetOHLC(0); bar.Valid {
				fmt.Fprintf(w, " last %s O=%g H=%g L=%g C=%g V=%d",
					time.Unix(ci.GetItemTimeByShift(0), 0).UTC().Format(time.RFC3339),
					bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
			}
			fmt.Fprintln(w)
			if dump {
				fmt.Fprint(w, ci.CandlesToString())
			}
		}
		for _, name := range eng.DerivedNames() {
			d, _ := eng.Derived(name)
			entries := d.Entries()
			fmt.Fprintf(w, "%-12s values=%-5d", name, len(entries))
			if len(entries) > 0 {
				printValue(w, entries[len(entries)-1])
			}
			fmt.Fprintln(w)
		}
	})
}

func printValue(w io.Writer, e model.Entry) {
	if !e.Valid {
		fmt.Fprint(w, " last=warming-up")
		return
	}
	fmt.Fprintf(w, " last=%.6f @ %s", e.Values[0], time.UnixMilli(e.TimeMs).UTC().Format(time.RFC3339))
}
