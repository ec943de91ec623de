package model

import "encoding/json"

// Candle is an OHLC bar for one bucket of a fixed interval.
// Volume counts the ticks merged into the bar. The zero value is an
// invalid candle and is what lookups return when no bar exists.
type Candle struct {
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       int64   `json:"volume"`
	OpenTimeMs   int64   `json:"open_time_ms"`   // time of the first tick in the bucket
	LastUpdateMs int64   `json:"last_update_ms"` // time of the latest tick in the bucket
	Valid        bool    `json:"valid"`
}

// NewCandle starts a candle from its first tick.
func NewCandle(tsMs int64, price float64) Candle {
	return Candle{
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Volume:       1,
		OpenTimeMs:   tsMs,
		LastUpdateMs: tsMs,
		Valid:        true,
	}
}

// Update merges one more tick into the candle.
func (c *Candle) Update(tsMs int64, price float64) {
	if !c.Valid {
		*c = NewCandle(tsMs, price)
		return
	}
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume++
	c.LastUpdateMs = tsMs
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
