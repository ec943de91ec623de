package gateway

import (
	"strconv"
	"time"
)

// Broadcast sends data on a channel to every client subscribed to it and
// records it for initial state and gap replay.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now().UTC()

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+160), channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matches(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// appendEnvelope writes
// {"channel":"...","data":...,"ts":"...","seq":N,"channel_seq":M} to buf.
// data must already be JSON. Hand-built, the broadcast path does not go
// through encoding/json.
func appendEnvelope(buf []byte, channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
