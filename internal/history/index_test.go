package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/model"
	"ohlc-engine/internal/timestore"
)

func newIndex(t *testing.T, keys ...int64) (*Index, *timestore.Store[model.Candle]) {
	t.Helper()
	st := timestore.New[model.Candle](timestore.Config{})
	for _, k := range keys {
		st.Set(k, model.NewCandle(k*1000, float64(k)))
	}
	return New("test", st, nil), st
}

func TestIndex_ShiftSkipsGaps(t *testing.T) {
	ix, _ := newIndex(t, 0, 60, 600) // gap between 60 and 600

	assert.Equal(t, int64(600), ix.GetItemTimeByShift(0))
	assert.Equal(t, int64(60), ix.GetItemTimeByShift(1))
	assert.Equal(t, int64(0), ix.GetItemTimeByShift(2))

	c := ix.GetItemByShift(1)
	require.True(t, c.Valid)
	assert.Equal(t, 60.0, c.Open)
}

func TestIndex_MissingShiftIsInvalid(t *testing.T) {
	ix, _ := newIndex(t, 0)

	c := ix.GetItemByShift(5)
	assert.False(t, c.Valid)
	assert.Equal(t, model.Candle{}, c)
	assert.Zero(t, ix.GetItemTimeByShift(5))
	assert.False(t, ix.GetItemByTime(42).Valid)
}

func TestIndex_ShiftZeroFollowsNewestKey(t *testing.T) {
	ix, st := newIndex(t, 0)
	assert.Equal(t, int64(0), ix.GetItemTimeByShift(0))

	st.Set(60, model.NewCandle(60_000, 1))
	assert.Equal(t, int64(60), ix.GetItemTimeByShift(0))
	assert.Equal(t, int64(0), ix.GetItemTimeByShift(1))
}

func TestIndex_EnsureShiftExistsResolvesOnce(t *testing.T) {
	ix, st := newIndex(t, 120)
	calls := 0
	ix.SetResolver(ResolverFunc(func() bool {
		calls++
		st.Set(0, model.NewCandle(0, 1))
		st.Set(60, model.NewCandle(60_000, 2))
		return true
	}))

	assert.True(t, ix.EnsureShiftExists(0))
	assert.Equal(t, 0, calls)

	assert.True(t, ix.EnsureShiftExists(2))
	assert.Equal(t, 1, calls)

	assert.False(t, ix.EnsureShiftExists(10))
	assert.Equal(t, 1, calls, "a successful resolution is not repeated")
	assert.False(t, ix.EnsureShiftExists(-1))
}

func TestIndex_FailedResolutionMayRetry(t *testing.T) {
	ix, _ := newIndex(t)
	calls := 0
	ix.SetResolver(ResolverFunc(func() bool {
		calls++
		return false
	}))

	assert.False(t, ix.EnsureShiftExists(0))
	assert.False(t, ix.EnsureShiftExists(0))
	assert.Equal(t, 2, calls)
}

func TestIndex_PeakSize(t *testing.T) {
	st := timestore.New[model.Candle](timestore.Config{InitialCapacity: 1, Policy: timestore.DefaultPolicy{Limit: 2}})
	ix := New("peak", st, nil)
	for k := int64(0); k < 5; k++ {
		st.Set(k, model.NewCandle(k, 1))
	}
	assert.Equal(t, 2, ix.Count())
	assert.Equal(t, 2, ix.PeakSize())
}
