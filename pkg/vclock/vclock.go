// Package vclock implements vector clocks: a per-node counter map used to
// establish a causal (partial) ordering between versions of the same
// identity as they propagate through the gossip engine.
package vclock

import "maps"

// Relation describes how two clocks relate to each other.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock maps a node identifier to a monotonically non-decreasing counter.
// A nil Clock behaves as an all-zero clock for comparison purposes.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Clone returns a deep copy so callers never share the backing map.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	maps.Copy(out, c)
	return out
}

// IncrementFor returns a new clock with node's counter bumped by one. The
// receiver is left untouched, keeping the owning Service Instance immutable.
func (c Clock) IncrementFor(node string) Clock {
	out := c.Clone()
	out[node]++
	return out
}

// MergeWith returns a new clock holding, for every node, the maximum of the
// two operands' counters. The result dominates both c and other.
func (c Clock) MergeWith(other Clock) Clock {
	out := c.Clone()
	for node, cnt := range other {
		if cnt > out[node] {
			out[node] = cnt
		}
	}
	return out
}

// Compare determines the causal relation of c to other.
func (c Clock) Compare(other Clock) Relation {
	selfAhead := false
	otherAhead := false

	for node, cnt := range c {
		switch {
		case cnt > other[node]:
			selfAhead = true
		case cnt < other[node]:
			otherAhead = true
		}
	}
	for node, cnt := range other {
		if _, ok := c[node]; ok {
			continue
		}
		if cnt > 0 {
			otherAhead = true
		}
	}

	switch {
	case selfAhead && otherAhead:
		return Concurrent
	case selfAhead:
		return After
	case otherAhead:
		return Before
	default:
		return Equal
	}
}

// HappensBefore reports whether c strictly precedes other.
func (c Clock) HappensBefore(other Clock) bool {
	return c.Compare(other) == Before
}

// Concurrent reports whether neither clock precedes the other.
func (c Clock) Concurrent(other Clock) bool {
	return c.Compare(other) == Concurrent
}

// Equal reports whether the two clocks hold identical counters, ignoring
// zero-valued entries so a missing key and an explicit zero compare equal.
func (c Clock) Equal(other Clock) bool {
	return c.Compare(other) == Equal
}
