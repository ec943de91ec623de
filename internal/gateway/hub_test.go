package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/model"
)

type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
}

func TestAppendEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	data := model.CandleToEntry(60, model.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Valid: true}).JSON()

	buf := appendEnvelope(nil, "M1", data, now, 42, 7)

	var env envelope
	require.NoError(t, json.Unmarshal(buf, &env), string(buf))
	assert.Equal(t, "M1", env.Channel)
	assert.Equal(t, int64(42), env.Seq)
	assert.Equal(t, int64(7), env.ChannelSeq)

	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))

	var e model.Entry
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, int64(60_000), e.TimeMs)
	assert.Equal(t, []float64{1, 2, 0.5, 1.5}, e.Values)
}

func TestHub_BroadcastTracksSeqAndReplay(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Broadcast("M1", []byte(`{}`))
	}
	h.Broadcast("M5", []byte(`{"x":1}`))

	assert.Equal(t, int64(5), h.ChannelSeq("M1"))
	assert.Equal(t, int64(1), h.ChannelSeq("M5"))
	assert.Len(t, h.Missed("M1", 1, 5), 3)
	assert.Nil(t, h.Missed("H1", 1, 5))
	assert.Equal(t, `{"x":1}`, string(h.Latest()["M5"]))
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelopes reads one frame and splits coalesced envelopes.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []envelope
	for _, line := range strings.Split(string(raw), "\n") {
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env), line)
		out = append(out, env)
	}
	return out
}

func TestHub_StreamsFilteredMessages(t *testing.T) {
	h := NewHub(0)
	h.Broadcast("M1", []byte(`{"old":true}`))

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "sources=M5")
	all := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	// The unfiltered client starts with the latest M1 entry.
	first := readEnvelopes(t, all)
	require.Len(t, first, 1)
	assert.True(t, first[0].Initial)
	assert.Equal(t, "M1", first[0].Channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := make(chan bus.Message, 4)
	go h.Run(ctx, msgs)

	msgs <- bus.Message{Source: "M1", IntervalSec: 60, Entry: model.ValueEntry(60_000, 1, true)}
	msgs <- bus.Message{Source: "M5", IntervalSec: 300, Entry: model.ValueEntry(0, 2, true)}

	got := readEnvelopes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, "M5", got[0].Channel)
	assert.Equal(t, int64(1), got[0].ChannelSeq)
	assert.False(t, got[0].Initial)

	var channels []string
	for len(channels) < 2 {
		for _, env := range readEnvelopes(t, all) {
			channels = append(channels, env.Channel)
		}
	}
	assert.Equal(t, []string{"M1", "M5"}, channels)
}

func TestHub_SubscribeAndPing(t *testing.T) {
	h := NewHub(0)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "sources=M1")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "sources": []string{"sma20"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"ping": 123}))

	// Messages are handled in order, so the SUBSCRIBE is applied once the pong arrives.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, int64(123), pong.Ping)

	h.Broadcast("H1", []byte(`{}`))
	h.Broadcast("sma20", []byte(`{}`))
	got := readEnvelopes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, "sma20", got[0].Channel)
}

func TestHub_RemoveClientOnDisconnect(t *testing.T) {
	h := NewHub(0)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
