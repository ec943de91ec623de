// Package valueview exposes single-number projections of a candle history:
// one OHLC field, the volume, the bar time, or a composite price such as
// the typical price. Views own no data; every read goes back to the history.
package valueview

import (
	"errors"
	"fmt"
	"strings"

	"ohlc-engine/internal/model"
)

// ErrUnsupportedView marks a request for a view kind that has no
// implementation. It is a configuration error and is raised as a panic.
var ErrUnsupportedView = errors.New("valueview: unsupported view")

// Kind identifies a view.
type Kind int

const (
	Open Kind = iota
	High
	Low
	Close
	Volume
	TickVolume
	Spread
	Time
	Median   // (high+low)/2
	Typical  // (high+low+close)/3
	Weighted // (high+low+2*close)/4

	numKinds
)

var kindNames = [numKinds]string{
	Open:       "open",
	High:       "high",
	Low:        "low",
	Close:      "close",
	Volume:     "volume",
	TickVolume: "tick_volume",
	Spread:     "spread",
	Time:       "time",
	Median:     "median",
	Typical:    "typical",
	Weighted:   "weighted",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "kind(" + model.Itoa(int64(k)) + ")"
	}
	return kindNames[k]
}

// ParseKind maps a view name (as used in config files) to its Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedView, s)
}

type computeFunc func(key int64, c model.Candle) float64

var registry = map[Kind]computeFunc{
	Open:       func(_ int64, c model.Candle) float64 { return c.Open },
	High:       func(_ int64, c model.Candle) float64 { return c.High },
	Low:        func(_ int64, c model.Candle) float64 { return c.Low },
	Close:      func(_ int64, c model.Candle) float64 { return c.Close },
	Volume:     func(_ int64, c model.Candle) float64 { return float64(c.Volume) },
	TickVolume: func(_ int64, c model.Candle) float64 { return float64(c.Volume) },
	// Spread is not derived from ticks yet.
	Spread:   func(int64, model.Candle) float64 { return 0 },
	Time:     func(key int64, _ model.Candle) float64 { return float64(key) },
	Median:   func(_ int64, c model.Candle) float64 { return (c.High + c.Low) / 2 },
	Typical:  func(_ int64, c model.Candle) float64 { return (c.High + c.Low + c.Close) / 3 },
	Weighted: func(_ int64, c model.Candle) float64 { return (c.High + c.Low + 2*c.Close) / 4 },
}

// Source is the history a view reads from.
type Source interface {
	GetItemByShift(shift int) model.Candle
	GetItemTimeByShift(shift int) int64
}

// View is a read-only projection of one Kind over a Source.
type View struct {
	kind    Kind
	compute computeFunc
	src     Source

	last      float64
	lastShift int
	hasLast   bool
}

// Kind returns the projection this view computes.
func (v *View) Kind() Kind { return v.kind }

// Lookup computes the value at shift from the candle currently stored there.
// ok is false when no valid candle exists at that shift.
func (v *View) Lookup(shift int) (value float64, ok bool) {
	c := v.src.GetItemByShift(shift)
	if !c.Valid {
		return 0, false
	}
	value = v.compute(v.src.GetItemTimeByShift(shift), c)
	v.last, v.lastShift, v.hasLast = value, shift, true
	return value, true
}

// GetValue is Lookup without the validity flag; missing bars read as 0.
func (v *View) GetValue(shift int) float64 {
	value, _ := v.Lookup(shift)
	return value
}

// Last returns the most recently computed value and its shift.
func (v *View) Last() (value float64, shift int, ok bool) {
	return v.last, v.lastShift, v.hasLast
}

// Set hands out one lazily created View per Kind for a single Source.
type Set struct {
	src   Source
	views [numKinds]*View
}

// NewSet creates an empty view set over src.
func NewSet(src Source) *Set {
	return &Set{src: src}
}

// Has reports whether kind has an implementation.
func Has(kind Kind) bool {
	_, ok := registry[kind]
	return ok
}

// Get returns the view for kind, creating it on first use. It panics with
// ErrUnsupportedView for a kind without an implementation.
func (s *Set) Get(kind Kind) *View {
	fn, ok := registry[kind]
	if !ok || kind < 0 || kind >= numKinds {
		panic(fmt.Errorf("%w: %s", ErrUnsupportedView, kind))
	}
	if v := s.views[kind]; v != nil {
		return v
	}
	v := &View{kind: kind, compute: fn, src: s.src}
	s.views[kind] = v
	return v
}
