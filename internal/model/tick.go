package model

import "strings"

// PriceSide selects which side of a tick feeds candle aggregation.
type PriceSide int

const (
	PriceBid PriceSide = iota // default, matches the broker's chart prices
	PriceAsk
)

func (s PriceSide) String() string {
	if s == PriceAsk {
		return "ask"
	}
	return "bid"
}

// ParsePriceSide maps "ask"/"bid" (case-insensitive) to a PriceSide.
// Anything else falls back to PriceBid.
func ParsePriceSide(s string) PriceSide {
	if strings.EqualFold(strings.TrimSpace(s), "ask") {
		return PriceAsk
	}
	return PriceBid
}

// Tick is a single ask/bid quote from the upstream feed.
// TimeMs is a Unix timestamp in milliseconds.
type Tick struct {
	TimeMs int64   `json:"time_ms"`
	Ask    float64 `json:"ask"`
	Bid    float64 `json:"bid"`
}

// Price returns the quote for the requested side.
func (t Tick) Price(side PriceSide) float64 {
	if side == PriceAsk {
		return t.Ask
	}
	return t.Bid
}
