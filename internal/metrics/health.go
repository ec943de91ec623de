package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// HealthStatus represents the system health. Only dependencies marked as
// required affect the overall status.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastTickTime   time.Time
	RedisConnected bool
	SQLiteOK       bool

	needFeed, needRedis, needSQLite bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

// Require marks which dependencies the process cannot run healthy without.
func (h *HealthStatus) Require(feed, redis, sqlite bool) {
	h.mu.Lock()
	h.needFeed, h.needRedis, h.needSQLite = feed, redis, sqlite
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Probe runs one round of dependency checks; nil dependencies are skipped.
func (h *HealthStatus) Probe(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(probeCtx, sqlDB)
	}
}

// Report is the JSON body of /healthz.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	FeedConnected   bool    `json:"feed_connected"`
	LastTickTime    string  `json:"last_tick_time"`
	TickAge         string  `json:"tick_age"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report computes the overall status and the HTTP code that goes with it.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	failing, required := 0, 0
	for _, dep := range []struct{ need, ok bool }{
		{h.needFeed, h.FeedConnected},
		{h.needRedis, h.RedisConnected},
		{h.needSQLite, h.SQLiteOK},
	} {
		if !dep.need {
			continue
		}
		required++
		if !dep.ok {
			failing++
		}
	}

	status, code := "healthy", http.StatusOK
	switch {
	case failing > 0 && failing == required:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case failing > 0:
		status, code = "degraded", http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	return Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}
