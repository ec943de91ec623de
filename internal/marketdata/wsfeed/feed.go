// Package wsfeed is a WebSocket ingest client for a plain-JSON tick server
// (e.g. cmd/tickserver). One JSON object per message:
//
//	{"time_ms":1700000000123,"ask":1.08512,"bid":1.08507}
//
// When a TOTP secret is configured, every dial carries the current passcode
// in the X-Feed-Passcode header.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"ohlc-engine/internal/model"
)

// PasscodeHeader carries the TOTP passcode on the upgrade request.
const PasscodeHeader = "X-Feed-Passcode"

var ErrBadTick = errors.New("wsfeed: bad tick")

// Sink receives parsed ticks. Push must not block; it returns false when
// the tick could not be queued.
type Sink interface {
	Push(t model.Tick) bool
}

// Config holds configuration for the feed client.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// TOTPSecret is the base32 shared secret. Empty disables the header.
	TOTPSecret string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed streams ticks from a WebSocket server into a Sink.
type Feed struct {
	cfg Config
	now func() time.Time

	// Optional hooks.
	OnConnect   func()
	OnReconnect func()
	OnDrop      func()
}

// New creates a new Feed. Returns an error if the URL is unparseable.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed: unsupported scheme %q", u.Scheme)
	}
	return &Feed{cfg: cfg, now: time.Now}, nil
}

// Start connects and streams ticks into sink. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (f *Feed) Start(ctx context.Context, sink Sink) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx, sink)
		if err == nil {
			return nil
		}

		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

func (f *Feed) header() (http.Header, error) {
	if f.cfg.TOTPSecret == "" {
		return nil, nil
	}
	code, err := totp.GenerateCode(f.cfg.TOTPSecret, f.now())
	if err != nil {
		return nil, fmt.Errorf("wsfeed: totp: %w", err)
	}
	h := http.Header{}
	h.Set(PasscodeHeader, code)
	return h, nil
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (f *Feed) runOnce(ctx context.Context, sink Sink) error {
	h, err := f.header()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, h)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[wsfeed] connected to %s", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	// Closes the connection when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		tick, err := ParseTick(raw)
		if err != nil {
			log.Printf("[wsfeed] %v (raw: %s)", err, raw)
			continue
		}

		if !sink.Push(tick) {
			if f.OnDrop != nil {
				f.OnDrop()
			} else {
				log.Println("[wsfeed] sink full, dropping tick")
			}
		}
	}
}

// ParseTick decodes and validates one wire message.
func ParseTick(raw []byte) (model.Tick, error) {
	var t model.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", ErrBadTick, err)
	}
	if t.TimeMs <= 0 {
		return model.Tick{}, fmt.Errorf("%w: missing time_ms", ErrBadTick)
	}
	if t.Ask <= 0 && t.Bid <= 0 {
		return model.Tick{}, fmt.Errorf("%w: no price", ErrBadTick)
	}
	return t, nil
}
