package op

import (
	"sort"
	"strconv"
	"strings"
)

// Relation is the outcome of comparing two version vectors.
type Relation int

const (
	// Equal: identical vectors.
	Equal Relation = iota
	// Before: the receiver is strictly dominated (an ancestor).
	Before
	// After: the receiver strictly dominates (a descendant).
	After
	// Concurrent: neither dominates the other.
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
	default:
		return "concurrent"
	}
}

// Vector maps a device id to the highest authoring counter from that
// device that a record has incorporated. A missing entry counts as zero.
type Vector map[string]uint64

// Get returns the counter for device, zero if absent.
func (v Vector) Get(device string) uint64 {
	return v[device]
}

// Clone returns an independent copy. Clone of nil is an empty vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for d, n := range v {
		out[d] = n
	}
	return out
}

// Observe raises the counter for device to at least seq.
func (v Vector) Observe(device string, seq uint64) {
	if v[device] < seq {
		v[device] = seq
	}
}

// Merge returns the pointwise maximum of v and other as a new vector.
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for d, n := range other {
		if out[d] < n {
			out[d] = n
		}
	}
	return out
}

// Compare classifies v against other under componentwise order.
func (v Vector) Compare(other Vector) Relation {
	var less, greater bool
	for d, n := range v {
		o := other[d]
		if n < o {
			less = true
		} else if n > o {
			greater = true
		}
	}
	for d, o := range other {
		if _, ok := v[d]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case !less && !greater:
		return Equal
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// DominatedBy reports v ≤ other componentwise.
func (v Vector) DominatedBy(other Vector) bool {
	rel := v.Compare(other)
	return rel == Equal || rel == Before
}

// String renders entries sorted by device id, for logs and tests.
func (v Vector) String() string {
	devices := make([]string, 0, len(v))
	for d := range v {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var b strings.Builder
	b.WriteByte('{')
	for i, d := range devices {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(d)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(v[d], 10))
	}
	b.WriteByte('}')
	return b.String()
}
