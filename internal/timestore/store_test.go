package timestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetExists(t *testing.T) {
	s := New[string](Config{})

	s.Set(60, "a")
	s.Set(120, "b")

	v, ok := s.Get(60)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, s.Exists(120))
	assert.False(t, s.Exists(180))
	assert.Equal(t, 2, s.Count())

	// Same key again updates in place.
	s.Set(60, "a2")
	v, _ = s.Get(60)
	assert.Equal(t, "a2", v)
	assert.Equal(t, 2, s.Count())

	_, ok = s.Get(999)
	assert.False(t, ok)
}

func TestStore_GrowsUpToCeiling(t *testing.T) {
	s := New[int](Config{InitialCapacity: 2, Policy: DefaultPolicy{Limit: 100, Conflicts: 1000}})
	overwritten := 0
	s.OnOverwrite = func(int64, OverflowReason) { overwritten++ }

	for i := int64(0); i < 50; i++ {
		s.Set(i*60, int(i))
	}

	assert.Equal(t, 50, s.Count())
	assert.Equal(t, 64, s.Capacity())
	assert.Zero(t, overwritten)
	for i := int64(0); i < 50; i++ {
		v, ok := s.Get(i * 60)
		require.True(t, ok, "key %d", i*60)
		assert.Equal(t, int(i), v)
	}
}

func TestStore_OverflowOverwritesExactlyOne(t *testing.T) {
	const ceiling = 4
	s := New[int](Config{InitialCapacity: 1, Policy: DefaultPolicy{Limit: ceiling}})

	var evicted []int64
	s.OnOverwrite = func(key int64, reason OverflowReason) {
		assert.Equal(t, ReasonFull, reason)
		evicted = append(evicted, key)
	}

	for i := int64(0); i <= ceiling; i++ {
		s.Set(i*60, int(i))
	}

	assert.Equal(t, ceiling, s.Count())
	assert.Equal(t, ceiling, s.Capacity())
	assert.Equal(t, []int64{0}, evicted)
	assert.False(t, s.Exists(0))
	assert.Equal(t, []int64{60, 120, 180, 240}, s.Keys())
}

func TestStore_PolicyReceivesFullReason(t *testing.T) {
	type call struct {
		reason OverflowReason
		size   int
	}
	var calls []call
	s := New[int](Config{InitialCapacity: 2, Policy: PolicyFunc{
		Limit:     8,
		Conflicts: 1000,
		Decide: func(reason OverflowReason, size, _ int) bool {
			calls = append(calls, call{reason, size})
			return size < 4
		},
	}})

	for i := int64(0); i < 6; i++ {
		s.Set(i, 0)
	}

	// Grow at 2 (-> 4), refuse at 4 twice.
	assert.Equal(t, []call{{ReasonFull, 2}, {ReasonFull, 4}, {ReasonFull, 4}}, calls)
	assert.Equal(t, 4, s.Count())
	assert.Equal(t, []int64{2, 3, 4, 5}, s.Keys())
}

func TestStore_TooManyConflictsReusesHomeSlot(t *testing.T) {
	s := New[string](Config{InitialCapacity: 4, Policy: DefaultPolicy{Limit: 4, Conflicts: 1}})

	// Find three keys sharing one home slot.
	var same []int64
	want := s.home(0)
	for k := int64(0); len(same) < 3; k++ {
		if s.home(k) == want {
			same = append(same, k)
		}
	}

	var reasons []OverflowReason
	var evicted []int64
	s.OnOverwrite = func(key int64, reason OverflowReason) {
		evicted = append(evicted, key)
		reasons = append(reasons, reason)
	}

	s.Set(same[0], "first")
	s.Set(same[1], "second") // one conflict, allowed
	s.Set(same[2], "third")  // two conflicts, home slot reused

	assert.Equal(t, []int64{same[0]}, evicted)
	assert.Equal(t, []OverflowReason{ReasonTooManyConflicts}, reasons)
	assert.False(t, s.Exists(same[0]))
	v, ok := s.Get(same[1])
	require.True(t, ok)
	assert.Equal(t, "second", v)
	v, ok = s.Get(same[2])
	require.True(t, ok)
	assert.Equal(t, "third", v)
	assert.Equal(t, 2, s.Count())
}

func TestStore_InsertAtCeilingReusesExactlyOneSlot(t *testing.T) {
	const ceiling = 4
	s := New[int](Config{InitialCapacity: ceiling, Policy: DefaultPolicy{Limit: ceiling, Conflicts: 1}})
	evictions := 0
	s.OnOverwrite = func(int64, OverflowReason) { evictions++ }

	for i := int64(0); i < 200; i++ {
		before, prev := s.Count(), evictions
		s.Set(i*60, int(i))
		lost := evictions - prev

		require.LessOrEqual(t, lost, 1, "key %d", i*60)
		require.Equal(t, before+1-lost, s.Count(), "key %d", i*60)
		if before == ceiling {
			require.Equal(t, 1, lost, "key %d", i*60)
			require.Equal(t, ceiling, s.Count(), "key %d", i*60)
		}
		assert.True(t, s.Exists(i*60))
	}
	for _, k := range s.Keys() {
		_, ok := s.Get(k)
		assert.True(t, ok, "key %d must stay reachable", k)
	}
}

func TestStore_SustainedPressureKeepsNewest(t *testing.T) {
	const ceiling = 16
	s := New[int64](Config{InitialCapacity: 4, Policy: DefaultPolicy{Limit: ceiling, Conflicts: 1000}})

	for i := int64(0); i < 1000; i++ {
		s.Set(i*60, i)
	}

	require.Equal(t, ceiling, s.Count())
	assert.Equal(t, ceiling, s.Peak())
	keys := s.Keys()
	for i, k := range keys {
		want := int64(1000-ceiling+i) * 60
		assert.Equal(t, want, k)
		v, ok := s.Get(k)
		require.True(t, ok, "key %d must stay reachable after evictions", k)
		assert.Equal(t, k/60, v)
	}
}

func TestStore_OutOfOrderKeysStaySorted(t *testing.T) {
	s := New[int](Config{})
	for _, k := range []int64{300, 60, 180, 0, 120} {
		s.Set(k, int(k))
	}

	assert.Equal(t, []int64{0, 60, 120, 180, 300}, s.Keys())

	newest, ok := s.KeyFromNewest(0)
	require.True(t, ok)
	assert.Equal(t, int64(300), newest)
	k, ok := s.KeyFromNewest(3)
	require.True(t, ok)
	assert.Equal(t, int64(60), k)
	_, ok = s.KeyFromNewest(5)
	assert.False(t, ok)
	_, ok = s.KeyFromNewest(-1)
	assert.False(t, ok)

	shift, ok := s.ShiftOf(60)
	require.True(t, ok)
	assert.Equal(t, 3, shift)
	_, ok = s.ShiftOf(61)
	assert.False(t, ok)

	oldest, ok := s.Oldest()
	require.True(t, ok)
	assert.Equal(t, int64(0), oldest)
}

func TestStore_AscendOrderAndGuard(t *testing.T) {
	s := New[int](Config{})
	s.Set(120, 2)
	s.Set(0, 0)
	s.Set(60, 1)

	var seen []int
	s.Ascend(func(_ int64, v int) bool {
		seen = append(seen, v)
		return true
	})
	assert.Equal(t, []int{0, 1, 2}, seen)

	seen = seen[:0]
	s.Ascend(func(_ int64, v int) bool {
		seen = append(seen, v)
		return v < 1
	})
	assert.Equal(t, []int{0, 1}, seen)

	assert.Panics(t, func() {
		s.Ascend(func(k int64, _ int) bool {
			s.Set(k+1, 9)
			return true
		})
	})
	// The guard is released even after a panic.
	assert.NotPanics(t, func() { s.Set(1, 1) })
}

func TestStore_InitialCapacityCappedByCeiling(t *testing.T) {
	s := New[int](Config{InitialCapacity: 1000, Policy: DefaultPolicy{Limit: 10}})
	assert.Equal(t, 10, s.Capacity())
	assert.Equal(t, 10, s.Ceiling())
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy{}
	assert.Equal(t, DefaultCeiling, p.Ceiling())
	assert.Equal(t, DefaultMaxConflicts, p.MaxConflicts())
	assert.True(t, p.Resize(ReasonFull, DefaultCeiling-1, 0))
	assert.False(t, p.Resize(ReasonFull, DefaultCeiling, 0))
	assert.False(t, p.Resize(ReasonTooManyConflicts, 1, 50))
}

func TestNextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {8, 8}, {9, 16}, {172800, 262144},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, nextPow2(tc.in), "nextPow2(%d)", tc.in)
	}
}
