// cmd/tickserver is a WebSocket tick simulator for running candled without
// a real feed. It broadcasts an ask/bid random walk as model.Tick JSON:
//
//	{"time_ms":1700000000123,"ask":1.08515,"bid":1.08505}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR    listen address (default ":9001")
//	TICK_INTERVAL       broadcast interval (default "100ms")
//	TICK_START_PRICE    first bid (default 1.085)
//	TICK_SPREAD         ask - bid (default 0.0001)
//	TICK_TOTP_SECRET    when set, clients must send a valid X-Feed-Passcode
//	TICK_SYMBOL         symbol ticks are recorded under (default "EURUSD")
//	TICK_SQLITE_PATH    record ticks into this SQLite file (optional)
//	TICK_REDIS_ADDR     record ticks into a Redis stream (optional)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"ohlc-engine/internal/marketdata/wsfeed"
	"ohlc-engine/internal/model"
	redisstore "ohlc-engine/internal/store/redis"
	sqlitestore "ohlc-engine/internal/store/sqlite"
)

type serverConfig struct {
	Addr       string        `env:"SERVER_ADDR" envDefault:":9001"`
	Interval   time.Duration `env:"INTERVAL" envDefault:"100ms"`
	StartPrice float64       `env:"START_PRICE" envDefault:"1.085"`
	Spread     float64       `env:"SPREAD" envDefault:"0.0001"`
	TOTPSecret string        `env:"TOTP_SECRET"`
	Symbol     string        `env:"SYMBOL" envDefault:"EURUSD"`
	SQLitePath string        `env:"SQLITE_PATH"`
	RedisAddr  string        `env:"REDIS_ADDR"`
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// authorized checks the passcode header against the shared TOTP secret.
func authorized(r *http.Request, secret string, now time.Time) bool {
	if secret == "" {
		return true
	}
	ok, err := totp.ValidateCustom(r.Header.Get(wsfeed.PasscodeHeader), secret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func wsHandler(h *hub, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, secret, time.Now()) {
			log.Printf("[tickserver] rejected %s: bad passcode", r.RemoteAddr)
			http.Error(w, "invalid passcode", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walker produces an ask/bid random walk with a fixed spread.
type walker struct {
	rng    *rand.Rand
	bid    float64
	spread float64
}

// next moves the bid by up to ±0.01% and returns the tick at ts.
func (w *walker) next(ts time.Time) model.Tick {
	pct := (w.rng.Float64()*0.02 - 0.01) / 100.0
	w.bid = round5(math.Max(w.bid*(1+pct), w.spread))
	return model.Tick{
		TimeMs: ts.UnixMilli(),
		Ask:    round5(w.bid + w.spread),
		Bid:    w.bid,
	}
}

func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }

func runGenerator(ctx context.Context, h *hub, w *walker, interval time.Duration, record []chan model.Tick) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		for _, ch := range record {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := w.next(now)
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			h.broadcast(b)
			for _, ch := range record {
				select {
				case ch <- t:
				default:
				}
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting tick simulator...")

	_ = godotenv.Load()
	var cfg serverConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TICK_"}); err != nil {
		log.Fatalf("[tickserver] config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var record []chan model.Tick
	var recorders []model.TickRecorder
	if cfg.SQLitePath != "" {
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath, Symbol: cfg.Symbol})
		if err != nil {
			log.Fatalf("[tickserver] sqlite: %v", err)
		}
		recorders = append(recorders, w)
	}
	if cfg.RedisAddr != "" {
		client, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr})
		if err != nil {
			log.Fatalf("[tickserver] redis: %v", err)
		}
		recorders = append(recorders, redisstore.NewTickStream(client, cfg.Symbol, 0))
	}
	var wg sync.WaitGroup
	for _, rec := range recorders {
		rec := rec
		ch := make(chan model.Tick, 4096)
		record = append(record, ch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(context.WithoutCancel(ctx), ch)
		}()
	}

	h := newHub()
	w := &walker{rng: rand.New(rand.NewSource(time.Now().UnixNano())), bid: cfg.StartPrice, spread: cfg.Spread}
	go runGenerator(ctx, h, w, cfg.Interval, record)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, cfg.TOTPSecret))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[tickserver] listening on %s (ws://localhost%s/ws, interval %s, passcode %v)",
		cfg.Addr, cfg.Addr, cfg.Interval, cfg.TOTPSecret != "")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[tickserver] server error: %v", err)
	}

	// Recorders flush once the generator closes their channels.
	wg.Wait()
	for _, rec := range recorders {
		rec.Close()
	}
	log.Println("[tickserver] shutdown complete.")
	os.Exit(0)
}
