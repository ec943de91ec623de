package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(c Calc, prices ...float64) {
	for _, p := range prices {
		c.Update(p)
	}
}

func TestSMA_RollingWindow(t *testing.T) {
	s := NewSMA(3)
	feed(s, 1, 2)
	assert.False(t, s.Ready())
	assert.True(t, s.PeekReady())
	assert.InDelta(t, 2.0, s.Peek(3), 1e-9)

	feed(s, 3, 4)
	assert.True(t, s.Ready())
	assert.InDelta(t, 3.0, s.Value(), 1e-9)
	assert.InDelta(t, 4.0, s.Peek(5), 1e-9)
	// Peek does not mutate.
	assert.InDelta(t, 3.0, s.Value(), 1e-9)

	s.Reset()
	assert.False(t, s.Ready())
	assert.Zero(t, s.Value())
}

func TestEMA_SeededWithSMA(t *testing.T) {
	e := NewEMA(3)
	feed(e, 2, 4, 6)
	require.True(t, e.Ready())
	assert.InDelta(t, 4.0, e.Value(), 1e-9)

	feed(e, 8) // 8*0.5 + 4*0.5
	assert.InDelta(t, 6.0, e.Value(), 1e-9)
	assert.InDelta(t, 8.0, e.Peek(10), 1e-9)
}

func TestEMA_PeekBeforeReady(t *testing.T) {
	e := NewEMA(3)
	feed(e, 2, 4)
	assert.InDelta(t, 4.0, e.Peek(6), 1e-9)
	assert.True(t, e.PeekReady())
}

func TestSMMA(t *testing.T) {
	s := NewSMMA(2)
	feed(s, 2, 4)
	assert.InDelta(t, 3.0, s.Value(), 1e-9)
	feed(s, 7) // (3*1 + 7) / 2
	assert.InDelta(t, 5.0, s.Value(), 1e-9)
	assert.InDelta(t, 4.0, s.Peek(3), 1e-9)
}

func TestRSI(t *testing.T) {
	r := NewRSI(2)
	feed(r, 10, 12)
	assert.False(t, r.Ready())
	feed(r, 11) // gains 2, losses 1 -> avg 1 / 0.5
	require.True(t, r.Ready())
	assert.InDelta(t, 100-100/(1+2.0), r.Value(), 1e-9)

	up := NewRSI(2)
	feed(up, 1, 2, 3)
	assert.Equal(t, 100.0, up.Value())
}

func TestNewCalc(t *testing.T) {
	for _, typ := range []string{"SMA", "ema", "Smma", "RSI"} {
		c, err := NewCalc(typ, 5)
		require.NoError(t, err, typ)
		assert.NotEmpty(t, c.Name())
	}

	_, err := NewCalc("MACD", 5)
	assert.Error(t, err)
	_, err = NewCalc("SMA", 0)
	assert.Error(t, err)
}
