// Package metrics holds the Prometheus collectors and the health status of
// a running candle engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the candle engine.
type Metrics struct {
	TicksTotal      prometheus.Counter
	FeedReconnects  prometheus.Counter
	DroppedTicks    prometheus.Counter // ring buffer full
	RingBufOverflow prometheus.Counter
	PipelineLatency prometheus.Histogram

	// Per candle indicator, label: indicator
	CandlesOpened *prometheus.CounterVec
	LateTicks     *prometheus.CounterVec
	StoreSize     *prometheus.GaugeVec
	// labels: indicator, reason
	StoreOverwrites *prometheus.CounterVec

	// Backfill
	BackfillRetries prometheus.Counter
	BackfillTicks   prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Redis publisher
	RedisPublishErrors       prometheus.Counter
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisBufferDrops         prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_ticks_total",
			Help: "Total live ticks pushed into the pipeline",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_feed_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_dropped_ticks_total",
			Help: "Ticks dropped before reaching the pipeline",
		}),
		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_ringbuf_overflow_total",
			Help: "Ring buffer push overflows",
		}),
		PipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candled_pipeline_duration_seconds",
			Help:    "Time to propagate one tick through the indicator graph",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),

		CandlesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candled_candles_opened_total",
			Help: "Bars created, by candle indicator",
		}, []string{"indicator"}),
		LateTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candled_late_ticks_total",
			Help: "Ticks dropped because their bar was already evicted",
		}, []string{"indicator"}),
		StoreSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candled_store_bars",
			Help: "Bars currently held, by candle indicator",
		}, []string{"indicator"}),
		StoreOverwrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candled_store_overwrites_total",
			Help: "Bars lost to slot reuse (full or too many conflicts)",
		}, []string{"indicator", "reason"}),

		BackfillRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_backfill_retries_total",
			Help: "Failed backfill attempts",
		}),
		BackfillTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_backfill_ticks_total",
			Help: "Historical ticks replayed to attaching consumers",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candled_fanout_drops_total",
			Help: "Messages dropped by FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candled_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_redis_publish_errors_total",
			Help: "Failed Redis publish pipelines",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candled_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),
		RedisBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candled_redis_buffer_drops_total",
			Help: "Buffered writes discarded because the buffer was full",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.FeedReconnects,
		m.DroppedTicks,
		m.RingBufOverflow,
		m.PipelineLatency,
		m.CandlesOpened,
		m.LateTicks,
		m.StoreSize,
		m.StoreOverwrites,
		m.BackfillRetries,
		m.BackfillTicks,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisPublishErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisBufferDrops,
	)

	return m
}
