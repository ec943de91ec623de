package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EntryKind tells consumers how to read Entry.Values.
type EntryKind uint8

const (
	EntryTick   EntryKind = iota // [ask, bid]
	EntryCandle                  // [open, high, low, close]
	EntryValue                   // [value]
)

func (k EntryKind) String() string {
	switch k {
	case EntryTick:
		return "tick"
	case EntryCandle:
		return "candle"
	case EntryValue:
		return "value"
	default:
		return "unknown"
	}
}

// Entry is one record pushed from a data source to its consumers,
// both while replaying history and for live updates.
type Entry struct {
	TimeMs int64     `json:"time_ms"`
	Kind   EntryKind `json:"kind"`
	Values []float64 `json:"values"`
	Valid  bool      `json:"valid"`
}

// TickToEntry wraps a tick as an entry.
func TickToEntry(t Tick) Entry {
	return Entry{
		TimeMs: t.TimeMs,
		Kind:   EntryTick,
		Values: []float64{t.Ask, t.Bid},
		Valid:  true,
	}
}

// CandleToEntry wraps the candle stored under key (Unix seconds) as an entry.
func CandleToEntry(key int64, c Candle) Entry {
	return Entry{
		TimeMs: key * 1000,
		Kind:   EntryCandle,
		Values: []float64{c.Open, c.High, c.Low, c.Close},
		Valid:  c.Valid,
	}
}

// ValueEntry wraps a single derived value.
func ValueEntry(tsMs int64, v float64, valid bool) Entry {
	return Entry{TimeMs: tsMs, Kind: EntryValue, Values: []float64{v}, Valid: valid}
}

// Price returns the price a candle aggregator should ingest for this entry:
// the chosen side for ticks, the close for candles and the value itself for
// derived values.
func (e Entry) Price(side PriceSide) float64 {
	switch e.Kind {
	case EntryTick:
		if len(e.Values) < 2 {
			return 0
		}
		if side == PriceAsk {
			return e.Values[0]
		}
		return e.Values[1]
	case EntryCandle:
		if len(e.Values) < 4 {
			return 0
		}
		return e.Values[3]
	default:
		if len(e.Values) == 0 {
			return 0
		}
		return e.Values[0]
	}
}

// String renders the entry values the way the candle dump prints them.
func (e Entry) String() string {
	parts := make([]string, len(e.Values))
	for i, v := range e.Values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// JSON returns the JSON-encoded entry.
func (e Entry) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
