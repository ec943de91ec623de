// cmd/candled is the candle engine daemon: it backfills the indicator graph
// from a tick store, follows a live WebSocket feed, and serves candles,
// derived indicators and a live stream over HTTP.
//
//	[wsfeed] → [ring] → [engine] → [bus] ─┬→ [redis publisher]
//	                                      ├→ [sqlite candles]
//	                                      └→ [gateway hub] → /api/v1/stream
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ohlc-engine/config"
	"ohlc-engine/internal/api"
	"ohlc-engine/internal/engine"
	"ohlc-engine/internal/gateway"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/marketdata/wsfeed"
	"ohlc-engine/internal/metrics"
	"ohlc-engine/internal/model"
	"ohlc-engine/internal/ringbuf"
	"ohlc-engine/internal/store/postgres"
	redisstore "ohlc-engine/internal/store/redis"
	sqlitestore "ohlc-engine/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[candled] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[candled] %v", err)
	}
	level, err := logger.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("[candled] %v", err)
	}
	lg := logger.Init(cfg.App.Name, level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, lg); err != nil {
		log.Fatalf("[candled] %v", err)
	}
	log.Println("[candled] shutdown complete.")
}

// stores holds the optional tick and candle stores.
type stores struct {
	sqlite *sqlitestore.Writer
	rdb    *goredis.Client
	ticks  *redisstore.TickStream

	backfill model.BackfillSource
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *stores) sqlDB() *sql.DB {
	if s.sqlite == nil {
		return nil
	}
	return s.sqlite.DB()
}

// openStores connects the stores the config asks for. Redis is optional
// unless it is the backfill source.
func openStores(ctx context.Context, cfg *config.Config, health *metrics.HealthStatus) (*stores, error) {
	s := &stores{}

	needSQLite := cfg.App.Backfill == config.BackfillSQLite || cfg.SQLite.RecordTicks || cfg.SQLite.RecordCandles
	if needSQLite {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path, Symbol: cfg.App.Symbol})
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		s.sqlite = w
		s.closers = append(s.closers, func() { w.Close() })
		health.SetSQLiteOK(true)
		log.Printf("[candled] sqlite ready (%s)", cfg.SQLite.Path)
	}

	if cfg.Redis.Enabled {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		switch {
		case err == nil:
			s.rdb = rdb
			s.ticks = redisstore.NewTickStream(rdb, cfg.App.Symbol, cfg.Redis.TickStreamLen)
			s.closers = append(s.closers, func() { rdb.Close() })
			health.SetRedisConnected(true)
			log.Printf("[candled] redis ready (%s)", cfg.Redis.Addr)
		case cfg.App.Backfill == config.BackfillRedis:
			s.close()
			return nil, fmt.Errorf("redis init: %w", err)
		default:
			log.Printf("[candled] WARNING: redis init failed: %v (continuing without redis)", err)
		}
	}

	switch cfg.App.Backfill {
	case config.BackfillSQLite:
		r, err := sqlitestore.NewReader(cfg.SQLite.Path, cfg.App.Symbol)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("sqlite reader: %w", err)
		}
		s.backfill = r
		s.closers = append(s.closers, func() { r.Close() })
	case config.BackfillRedis:
		s.backfill = s.ticks
	case config.BackfillPostgres:
		r, err := postgres.NewReader(ctx, cfg.Postgres, cfg.App.Symbol)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("postgres reader: %w", err)
		}
		s.backfill = r
		s.closers = append(s.closers, r.Close)
	}
	return s, nil
}

// teeSink queues ticks for the engine and copies them to the recorders.
// A full recorder channel loses the tick for that recorder only.
type teeSink struct {
	ring   *ringbuf.Ring[model.Tick]
	record []chan model.Tick
	health *metrics.HealthStatus
}

func (s *teeSink) Push(t model.Tick) bool {
	s.health.SetLastTickTime(time.UnixMilli(t.TimeMs))
	for _, ch := range s.record {
		select {
		case ch <- t:
		default:
		}
	}
	return s.ring.Push(t)
}

func run(ctx context.Context, cfg *config.Config, lg *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeline, err := config.LoadPipeline(cfg.App.PipelinePath)
	if err != nil {
		return err
	}

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	health.Require(true, cfg.Redis.Enabled, cfg.SQLite.RecordTicks || cfg.SQLite.RecordCandles)

	// ---- Stores ----
	st, err := openStores(ctx, cfg, health)
	if err != nil {
		return err
	}
	defer st.close()

	// ---- Engine (backfills while building) ----
	eng, err := engine.New(ctx, engine.Options{
		Pipeline:  pipeline,
		Backfill:  st.backfill,
		Metrics:   prom,
		Log:       lg,
		BusBuffer: 5000,
	})
	if err != nil {
		return err
	}
	lg.Info("engine ready", "candles", eng.CandleNames(), "derived", eng.DerivedNames(), "backfill", cfg.App.Backfill)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// ---- Fan-out of indicator updates ----
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}

	hub := gateway.NewHub(0)
	hubCh := fanout.Subscribe()
	spawn(func() { hub.Run(ctx, hubCh) })

	if st.rdb != nil {
		cb := redisstore.NewCircuitBreaker(cfg.Redis.MaxFailures, cfg.Redis.ResetTimeout)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			health.SetRedisConnected(to == redisstore.StateClosed)
			log.Printf("[candled] redis circuit breaker %s -> %s", from, to)
		}
		pub := redisstore.NewPublisher(st.rdb, cb, cfg.Redis.BufferSize)
		pub.OnError = func(error) { prom.RedisPublishErrors.Inc() }
		pub.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		pub.OnDrop = func() { prom.RedisBufferDrops.Inc() }
		pubCh := fanout.Subscribe()
		spawn(func() { pub.Run(ctx, pubCh) })
	}
	if st.sqlite != nil && cfg.SQLite.RecordCandles {
		candleCh := fanout.Subscribe()
		spawn(func() { st.sqlite.RunCandles(ctx, candleCh) })
	}
	spawn(func() { fanout.Run(ctx, eng.Messages()) })

	// ---- Live tick recorders ----
	ring := ringbuf.New[model.Tick](cfg.App.TickBuffer)
	sink := &teeSink{ring: ring, health: health}
	var recorders []model.TickRecorder
	if st.sqlite != nil && cfg.SQLite.RecordTicks {
		recorders = append(recorders, st.sqlite)
	}
	if st.ticks != nil {
		recorders = append(recorders, st.ticks)
	}
	for _, rec := range recorders {
		rec := rec
		ch := make(chan model.Tick, cfg.App.TickBuffer)
		sink.record = append(sink.record, ch)
		spawn(func() { rec.Run(ctx, ch) })
	}

	// ---- Feed ----
	feed, err := wsfeed.New(wsfeed.Config{
		URL:               cfg.Feed.URL,
		TOTPSecret:        cfg.Feed.TOTPSecret,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
	})
	if err != nil {
		return err
	}
	feed.OnConnect = func() { health.SetFeedConnected(true) }
	feed.OnReconnect = func() {
		health.SetFeedConnected(false)
		prom.FeedReconnects.Inc()
	}
	feed.OnDrop = func() {
		prom.DroppedTicks.Inc()
		prom.RingBufOverflow.Inc()
	}
	spawn(func() {
		if err := feed.Start(ctx, sink); err != nil {
			log.Printf("[candled] feed error: %v", err)
			health.SetFeedConnected(false)
		}
	})
	spawn(func() { eng.Run(ctx, ring) })

	// ---- Periodic stats & liveness ----
	err = eng.StartStats(cfg.App.StatsSpec, func() {
		for i, s := range fanout.ChannelStats() {
			if s.Cap > 0 {
				pct := float64(s.Len) / float64(s.Cap) * 100
				prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
			}
		}
		if ring.Cap() > 0 {
			prom.ChannelSaturationPct.WithLabelValues("ticks").Set(float64(ring.Len()) / float64(ring.Cap()) * 100)
		}
		health.Probe(ctx, st.rdb, st.sqlDB())
	})
	if err != nil {
		return err
	}
	defer eng.Stop()

	// ---- HTTP ----
	srv := &http.Server{
		Addr: cfg.App.HTTPAddr,
		Handler: api.NewRouter(eng, api.Options{
			Hub:      hub,
			Health:   health,
			Gatherer: reg,
			Debug:    cfg.App.LogLevel == "debug",
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[candled] http listening on %s", cfg.App.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Printf("[candled] pipeline ready: feed=%s symbol=%s candles=%v", cfg.Feed.URL, cfg.App.Symbol, eng.CandleNames())

	var serveErr error
	select {
	case <-ctx.Done():
		log.Println("[candled] shutdown signal received, cleaning up...")
	case serveErr = <-errCh:
		log.Printf("[candled] http server error: %v", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[candled] http shutdown: %v", err)
	}

	// Writers flush their pending batches before returning.
	cancel()
	wg.Wait()
	return serveErr
}
