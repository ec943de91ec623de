// Package gateway streams indicator entries to WebSocket clients. Every
// indicator name is a channel; clients receive all channels or the ones they
// subscribed to, with per-channel sequence numbers for gap detection.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ohlc-engine/internal/marketdata/bus"
)

const (
	defaultReplaySize = 500
	clientSendBuffer  = 256
)

type latestEntry struct {
	Data []byte
	TS   time.Time
	Seq  int64
}

// Hub owns the connected clients and the latest entry of every channel.
type Hub struct {
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer
	replaySize  int

	now func() time.Time
}

// NewHub creates a hub keeping replaySize envelopes per channel
// (<= 0 means 500).
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replaySize:  replaySize,
		now:         time.Now,
	}
}

// Run broadcasts every message from msgCh until ctx is cancelled or msgCh
// is closed. The channel is the message's source indicator.
func (h *Hub) Run(ctx context.Context, msgCh <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgCh:
			if !ok {
				return
			}
			h.Broadcast(m.Source, m.Entry.JSON())
		}
	}
}

// ServeWS upgrades the request and registers the client. The optional
// "sources" query parameter (comma separated) preselects channels and
// "last_ts" (RFC3339Nano) skips initial entries the client already has.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		hub:  h,
		subs: make(map[string]bool),
	}
	for _, s := range strings.Split(r.URL.Query().Get("sources"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			client.subs[s] = true
		}
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)

	client.sendInitialState(r.URL.Query().Get("last_ts"))
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Latest returns the last payload of every channel.
func (h *Hub) Latest() map[string][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string][]byte, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// Missed returns buffered envelopes for a channel in [fromSeq, toSeq].
func (h *Hub) Missed(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ChannelSeq returns the current sequence number of a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
