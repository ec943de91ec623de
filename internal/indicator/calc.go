package indicator

import (
	"fmt"
	"strings"
)

// Calc is a rolling calculation over one price per closed bar.
type Calc interface {
	// Name returns the calculation name (e.g., "SMA", "EMA").
	Name() string

	// Update commits the final price of a closed bar.
	Update(price float64)

	// Value returns the value after the last committed bar. 0 if not enough data.
	Value() float64

	// Ready returns true when enough bars have been committed.
	Ready() bool

	// Peek computes what Value() would be if a bar closing at price were
	// committed next, without mutating state. Used for the forming bar.
	Peek(price float64) float64

	// PeekReady reports whether the Peek result is a full value.
	PeekReady() bool
}

// NewCalc creates a calculation by type name.
func NewCalc(typ string, period int) (Calc, error) {
	if period <= 0 {
		return nil, fmt.Errorf("indicator: %s period must be positive, got %d", typ, period)
	}
	switch strings.ToUpper(typ) {
	case "SMA":
		return NewSMA(period), nil
	case "EMA":
		return NewEMA(period), nil
	case "SMMA":
		return NewSMMA(period), nil
	case "RSI":
		return NewRSI(period), nil
	default:
		return nil, fmt.Errorf("indicator: unknown calc type %q", typ)
	}
}
