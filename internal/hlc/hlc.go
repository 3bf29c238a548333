// Package hlc implements the hybrid logical clock used to order writes
// across devices with skewed wall clocks. A timestamp packs 48 bits of
// Unix milliseconds with a 16-bit logical counter, so timestamps from a
// single clock are strictly increasing even when the wall clock stalls
// or steps backwards.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLC is a packed hybrid timestamp: wall milliseconds in the upper 48
// bits, logical counter in the lower 16. The zero value sorts before
// every real timestamp.
type HLC uint64

const logicalBits = 16
const logicalMask = (1 << logicalBits) - 1

// New packs wall-clock milliseconds and a logical counter.
func New(wallMs int64, logical uint16) HLC {
	return HLC(uint64(wallMs)<<logicalBits | uint64(logical))
}

// WallMs returns the wall-clock component in Unix milliseconds.
func (t HLC) WallMs() int64 {
	return int64(t >> logicalBits)
}

// Logical returns the logical counter component.
func (t HLC) Logical() uint16 {
	return uint16(t & logicalMask)
}

// Time converts the wall component to a time.Time (UTC).
func (t HLC) Time() time.Time {
	return time.UnixMilli(t.WallMs()).UTC()
}

// Before reports whether t orders strictly before u.
func (t HLC) Before(u HLC) bool { return t < u }

// After reports whether t orders strictly after u.
func (t HLC) After(u HLC) bool { return t > u }

// Compare returns -1, 0 or +1 by timestamp order.
func Compare(a, b HLC) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the timestamp as "<wallMs>.<logical>".
func (t HLC) String() string {
	return strconv.FormatInt(t.WallMs(), 10) + "." + strconv.FormatUint(uint64(t.Logical()), 10)
}

// Parse reverses String.
func Parse(s string) (HLC, error) {
	wallPart, logicalPart, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	wall, err := strconv.ParseInt(wallPart, 10, 64)
	if err != nil || wall < 0 {
		return 0, fmt.Errorf("hlc: malformed wall component in %q", s)
	}
	logical, err := strconv.ParseUint(logicalPart, 10, logicalBits)
	if err != nil {
		return 0, fmt.Errorf("hlc: malformed logical component in %q", s)
	}
	return New(wall, uint16(logical)), nil
}

// MarshalText encodes the timestamp as its String form. JSON numbers
// lose precision past 2^53 in browser clients, so timestamps travel as
// strings on the wire.
func (t HLC) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes the String form.
func (t *HLC) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Clock issues monotonically increasing hybrid timestamps and folds in
// timestamps observed from remote devices, so that every issued
// timestamp is greater than everything the process has seen.
type Clock struct {
	mu   sync.Mutex
	last HLC
	now  func() time.Time
}

// NewClock creates a clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt creates a clock with an injected time source for tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the next timestamp. If the wall clock has not advanced
// past the last issued timestamp the logical counter increments; a
// counter overflow borrows one wall millisecond.
func (c *Clock) Now() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(c.now().UnixMilli())
}

// Observe merges a remote timestamp into the clock and returns a fresh
// timestamp greater than both the remote timestamp and every timestamp
// issued so far.
func (c *Clock) Observe(remote HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.last {
		c.last = remote
	}
	return c.tickLocked(c.now().UnixMilli())
}

// Last returns the most recently issued or observed timestamp.
func (c *Clock) Last() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Clock) tickLocked(wallMs int64) HLC {
	next := New(wallMs, 0)
	if next <= c.last {
		if c.last.Logical() == logicalMask {
			next = New(c.last.WallMs()+1, 0)
		} else {
			next = c.last + 1
		}
	}
	c.last = next
	return next
}
