// Package timestore provides a capacity-bounded map from bucket timestamps
// to values. It is an open-addressing hash table (linear probing) whose
// logical capacity doubles on demand up to a ceiling. When the ceiling is
// reached, or a probe chain gets too long, a Policy decides whether the
// table grows or an existing entry is overwritten.
//
// Keys are also kept in an ascending index, so "n-th newest" lookups and
// ordered iteration never need a sort.
//
// A Store is owned by a single goroutine; it does no locking.
package timestore

import (
	"slices"
)

const defaultInitialCapacity = 64

type slot[V any] struct {
	key  int64
	val  V
	used bool
}

// Config configures a Store.
type Config struct {
	InitialCapacity int    // logical capacity before the first growth (default 64)
	Policy          Policy // default DefaultPolicy{}
}

// Store maps int64 keys to values of type V.
type Store[V any] struct {
	policy   Policy
	slots    []slot[V]
	mask     uint64
	capacity int
	size     int
	peak     int

	keys      []int64 // ascending
	iterating int

	// OnOverwrite is called for every entry lost to slot reuse (optional).
	OnOverwrite func(evicted int64, reason OverflowReason)
}

// New creates a Store.
func New[V any](cfg Config) *Store[V] {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy{}
	}
	capacity := cfg.InitialCapacity
	if capacity <= 0 {
		capacity = defaultInitialCapacity
	}
	if c := policy.Ceiling(); capacity > c {
		capacity = c
	}
	s := &Store[V]{policy: policy}
	s.resize(capacity)
	return s
}

// Get returns the value stored under key.
func (s *Store[V]) Get(key int64) (V, bool) {
	idx, found, _ := s.find(key)
	if !found {
		var zero V
		return zero, false
	}
	return s.slots[idx].val, true
}

// Exists reports whether key is present.
func (s *Store[V]) Exists(key int64) bool {
	_, found, _ := s.find(key)
	return found
}

// Set stores v under key. A new key may grow the table or, depending on the
// policy, replace an existing entry; the caller is told only through
// OnOverwrite.
func (s *Store[V]) Set(key int64, v V) {
	if s.iterating > 0 {
		panic("timestore: Set called during Ascend")
	}

	idx, found, conflicts := s.find(key)
	if found {
		s.slots[idx].val = v
		return
	}

	full := s.size >= s.capacity
	if full && s.grow(ReasonFull, 0) {
		s.Set(key, v)
		return
	}

	// Each insert reuses at most one slot: a long collision run overwrites the home
	// slot, otherwise a full table gives up its oldest entry.
	if conflicts > s.policy.MaxConflicts() {
		if s.grow(ReasonTooManyConflicts, conflicts) {
			s.Set(key, v)
			return
		}
		s.overwriteHome(key, v)
		return
	}
	if full {
		s.evictOldest(ReasonFull)
		idx, _, _ = s.find(key)
	}

	s.slots[idx] = slot[V]{key: key, val: v, used: true}
	s.size++
	if s.size > s.peak {
		s.peak = s.size
	}
	s.insertKey(key)
}

// Count returns the number of entries held.
func (s *Store[V]) Count() int { return s.size }

// Peak returns the largest Count() ever observed.
func (s *Store[V]) Peak() int { return s.peak }

// Capacity returns the current logical capacity.
func (s *Store[V]) Capacity() int { return s.capacity }

// Ceiling returns the policy's hard upper bound on capacity.
func (s *Store[V]) Ceiling() int { return s.policy.Ceiling() }

// KeyFromNewest returns the key `shift` positions older than the newest one.
func (s *Store[V]) KeyFromNewest(shift int) (int64, bool) {
	if shift < 0 || shift >= len(s.keys) {
		return 0, false
	}
	return s.keys[len(s.keys)-1-shift], true
}

// ShiftOf is the inverse of KeyFromNewest.
func (s *Store[V]) ShiftOf(key int64) (int, bool) {
	i, found := slices.BinarySearch(s.keys, key)
	if !found {
		return 0, false
	}
	return len(s.keys) - 1 - i, true
}

// Oldest returns the smallest key held.
func (s *Store[V]) Oldest() (int64, bool) {
	if len(s.keys) == 0 {
		return 0, false
	}
	return s.keys[0], true
}

// Newest returns the largest key held.
func (s *Store[V]) Newest() (int64, bool) {
	return s.KeyFromNewest(0)
}

// Keys returns a copy of all keys in ascending order.
func (s *Store[V]) Keys() []int64 {
	return slices.Clone(s.keys)
}

// Ascend calls fn for every entry in ascending key order until fn returns
// false. fn must not modify the store.
func (s *Store[V]) Ascend(fn func(key int64, v V) bool) {
	s.iterating++
	defer func() { s.iterating-- }()
	for _, k := range s.keys {
		idx, found, _ := s.find(k)
		if !found {
			continue
		}
		if !fn(k, s.slots[idx].val) {
			return
		}
	}
}

// find probes for key. It returns the key's slot if found, otherwise the
// first free slot on its probe path, plus the number of foreign entries
// crossed on the way.
func (s *Store[V]) find(key int64) (idx uint64, found bool, conflicts int) {
	i := s.home(key)
	for n := 0; n < len(s.slots); n++ {
		sl := &s.slots[i]
		if !sl.used {
			return i, false, conflicts
		}
		if sl.key == key {
			return i, true, conflicts
		}
		conflicts++
		i = (i + 1) & s.mask
	}
	// Unreachable while len(slots) >= 2*capacity.
	return s.home(key), false, conflicts
}

func (s *Store[V]) home(key int64) uint64 {
	return mix(uint64(key)) & s.mask
}

// grow asks the policy for permission and doubles the capacity, never past
// the ceiling.
func (s *Store[V]) grow(reason OverflowReason, conflicts int) bool {
	if !s.policy.Resize(reason, s.size, conflicts) {
		return false
	}
	ceiling := s.policy.Ceiling()
	if s.capacity >= ceiling {
		return false
	}
	s.resize(min(s.capacity*2, ceiling))
	return true
}

func (s *Store[V]) resize(capacity int) {
	n := nextPow2(2 * capacity)
	if n < 2 {
		n = 2
	}
	old := s.slots
	s.slots = make([]slot[V], n)
	s.mask = uint64(n - 1)
	s.capacity = capacity
	for _, sl := range old {
		if !sl.used {
			continue
		}
		i := s.home(sl.key)
		for s.slots[i].used {
			i = (i + 1) & s.mask
		}
		s.slots[i] = sl
	}
}

// overwriteHome reuses the first colliding slot (the new key's home slot)
// for the new entry.
func (s *Store[V]) overwriteHome(key int64, v V) {
	h := s.home(key)
	evicted := s.slots[h].key
	s.slots[h] = slot[V]{key: key, val: v, used: true}
	s.removeKey(evicted)
	s.insertKey(key)
	if s.OnOverwrite != nil {
		s.OnOverwrite(evicted, ReasonTooManyConflicts)
	}
}

func (s *Store[V]) evictOldest(reason OverflowReason) {
	oldest, ok := s.Oldest()
	if !ok {
		return
	}
	if idx, found, _ := s.find(oldest); found {
		s.deleteAt(idx)
	}
	s.keys = s.keys[1:]
	s.size--
	if s.OnOverwrite != nil {
		s.OnOverwrite(oldest, reason)
	}
}

// deleteAt empties slot pos and shifts later members of the probe run back
// so that every remaining key stays reachable from its home slot.
func (s *Store[V]) deleteAt(pos uint64) {
	i, j := pos, pos
	for {
		j = (j + 1) & s.mask
		if !s.slots[j].used {
			break
		}
		k := s.home(s.slots[j].key)
		var stays bool
		if i <= j {
			stays = i < k && k <= j
		} else {
			stays = i < k || k <= j
		}
		if stays {
			continue
		}
		s.slots[i] = s.slots[j]
		i = j
	}
	s.slots[i] = slot[V]{}
}

func (s *Store[V]) insertKey(key int64) {
	if n := len(s.keys); n == 0 || key > s.keys[n-1] {
		s.keys = append(s.keys, key)
		return
	}
	i, found := slices.BinarySearch(s.keys, key)
	if found {
		return
	}
	s.keys = slices.Insert(s.keys, i, key)
}

func (s *Store[V]) removeKey(key int64) {
	i, found := slices.BinarySearch(s.keys, key)
	if found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
}

// mix is the splitmix64 finalizer; bucket keys are multiples of the
// interval, so their low bits alone would cluster badly.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
