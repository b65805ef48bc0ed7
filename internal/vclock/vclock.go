// Package vclock implements per-entity vector clocks used to detect causal
// ordering between two versions of a synced entity. A clock maps device IDs
// to monotonically increasing counters.
package vclock

import (
	"encoding/json"
	"fmt"
)

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Equal means every counter matches.
	Equal Ordering = iota
	// Before means the first clock causally precedes the second.
	Before
	// After means the first clock causally follows the second.
	After
	// Concurrent means neither clock precedes the other. This is the
	// conflict signal: both sides mutated without seeing each other's change.
	Concurrent
)

// String returns the ordering name for logs and conflict records.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Clock maps device IDs to counters. Missing keys are treated as zero.
type Clock map[string]int64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Clone returns a deep copy. Clone of a nil clock is an empty clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Increment bumps the counter for deviceID and returns the clock for chaining.
func (c Clock) Increment(deviceID string) Clock {
	c[deviceID]++
	return c
}

// Get returns the counter for deviceID, zero if absent.
func (c Clock) Get(deviceID string) int64 {
	return c[deviceID]
}

// Sum returns the total of all counters. Monotone non-decreasing across
// local mutations and merges.
func (c Clock) Sum() int64 {
	var total int64
	for _, v := range c {
		total += v
	}
	return total
}

// Compare classifies the causal relationship between a and b over the union
// of their device keys.
func Compare(a, b Clock) Ordering {
	var aDominates, bDominates bool
	for k, av := range a {
		bv := b[k]
		if av > bv {
			aDominates = true
		} else if bv > av {
			bDominates = true
		}
	}
	for k, bv := range b {
		if _, seen := a[k]; seen {
			continue
		}
		if bv > 0 {
			bDominates = true
		}
	}
	switch {
	case aDominates && bDominates:
		return Concurrent
	case aDominates:
		return After
	case bDominates:
		return Before
	default:
		return Equal
	}
}

// Merge returns the pointwise maximum of a and b. The result is a new clock;
// neither input is modified. Merge is commutative, associative, and
// idempotent, so re-applying a remote clock is always safe.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Encode serializes the clock as JSON for storage and transmission.
// A nil clock encodes as "{}".
func (c Clock) Encode() string {
	if len(c) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c)
	if err != nil {
		// map[string]int64 cannot fail to marshal
		return "{}"
	}
	return string(data)
}

// Decode parses a clock from its JSON encoding. Empty input yields an
// empty clock.
func Decode(s string) (Clock, error) {
	if s == "" || s == "null" {
		return New(), nil
	}
	var c Clock
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decode vector clock: %w", err)
	}
	if c == nil {
		c = New()
	}
	return c, nil
}
