package timestore

// OverflowReason says why the store is asking its policy whether to grow.
type OverflowReason int

const (
	// ReasonFull: a new key arrived while Count() == Capacity().
	ReasonFull OverflowReason = iota
	// ReasonTooManyConflicts: the probe for a new key crossed more than
	// MaxConflicts occupied slots.
	ReasonTooManyConflicts
)

func (r OverflowReason) String() string {
	switch r {
	case ReasonFull:
		return "full"
	case ReasonTooManyConflicts:
		return "too_many_conflicts"
	default:
		return "unknown"
	}
}

const (
	// DefaultCeiling is one day of one-second buckets.
	DefaultCeiling = 86400
	// DefaultMaxConflicts is the probe length that triggers ReasonTooManyConflicts.
	DefaultMaxConflicts = 10
)

// Policy decides between growing the store and reusing a slot.
// Resize returns true to grow, false to overwrite an existing entry.
type Policy interface {
	Ceiling() int
	MaxConflicts() int
	Resize(reason OverflowReason, size, conflicts int) bool
}

// DefaultPolicy grows while the store is below its ceiling and never grows
// because of collisions; the first colliding slot is reused instead.
type DefaultPolicy struct {
	Limit     int // 0 = DefaultCeiling
	Conflicts int // 0 = DefaultMaxConflicts
}

func (p DefaultPolicy) Ceiling() int {
	if p.Limit <= 0 {
		return DefaultCeiling
	}
	return p.Limit
}

func (p DefaultPolicy) MaxConflicts() int {
	if p.Conflicts <= 0 {
		return DefaultMaxConflicts
	}
	return p.Conflicts
}

func (p DefaultPolicy) Resize(reason OverflowReason, size, _ int) bool {
	switch reason {
	case ReasonFull:
		return size < p.Ceiling()
	default:
		return false
	}
}

// PolicyFunc adapts a plain decision function to Policy.
type PolicyFunc struct {
	Limit     int
	Conflicts int
	Decide    func(reason OverflowReason, size, conflicts int) bool
}

func (p PolicyFunc) Ceiling() int {
	return DefaultPolicy{Limit: p.Limit}.Ceiling()
}

func (p PolicyFunc) MaxConflicts() int {
	return DefaultPolicy{Conflicts: p.Conflicts}.MaxConflicts()
}

func (p PolicyFunc) Resize(reason OverflowReason, size, conflicts int) bool {
	if p.Decide == nil {
		return DefaultPolicy{Limit: p.Limit}.Resize(reason, size, conflicts)
	}
	return p.Decide(reason, size, conflicts)
}
