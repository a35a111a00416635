// Package model defines the wire- and memory-level record types shared by
// the WAL writer, the xrow ring, and the relay: vector/matrix clocks, rows,
// and journal entries.
package model

import "fmt"

// VClock maps an instance (replica) id to the last log sequence number
// committed locally for that instance. Component values never decrease.
//
// A VClock is a value type by convention: callers that hand a VClock across
// a goroutine boundary (a bus message, a relay ack) must Clone it first, so
// the receiving side never observes a concurrent mutation of the sender's
// map.
type VClock map[uint32]int64

// Order is the result of comparing two vector clocks under their partial
// order.
type Order int

const (
	OrderEqual Order = iota
	OrderLess
	OrderGreater
	OrderUndefined
)

func (o Order) String() string {
	switch o {
	case OrderEqual:
		return "="
	case OrderLess:
		return "<"
	case OrderGreater:
		return ">"
	default:
		return "undefined"
	}
}

// NewVClock returns an empty vector clock.
func NewVClock() VClock {
	return make(VClock)
}

// Get returns the component for id, or 0 if the instance has never been
// seen.
func (v VClock) Get(id uint32) int64 {
	return v[id]
}

// Clone returns an independent copy safe to hand to another goroutine.
func (v VClock) Clone() VClock {
	out := make(VClock, len(v))
	for id, lsn := range v {
		out[id] = lsn
	}
	return out
}

// Signature is the sum of all components, used as the segment filename key.
func (v VClock) Signature() int64 {
	var sum int64
	for _, lsn := range v {
		sum += lsn
	}
	return sum
}

// Follow advances the component for id to lsn if lsn is greater than the
// current value. It is a no-op (never an error) if lsn <= current — this is
// the permissive mode used while replaying foreign rows into the WAL's own
// clock during a batch.
func (v VClock) Follow(id uint32, lsn int64) {
	if lsn > v[id] {
		v[id] = lsn
	}
}

// FollowStrict is Follow's strict-mode counterpart: it returns an error
// instead of silently ignoring a non-advancing lsn. Used where going
// backwards indicates a protocol or replay bug rather than a benign race
// between an ack and a newer local commit.
func (v VClock) FollowStrict(id uint32, lsn int64) error {
	if lsn <= v[id] {
		return fmt.Errorf("vclock: non-monotonic follow for instance %d: have %d, got %d", id, v[id], lsn)
	}
	v[id] = lsn
	return nil
}

// Inc increments the component for id and returns the new value. Used by
// the WAL to assign LSNs to locally-originated rows within a batch.
func (v VClock) Inc(id uint32) int64 {
	v[id]++
	return v[id]
}

// Compare returns the partial-order relationship of v to other.
func (v VClock) Compare(other VClock) Order {
	less, greater := false, false

	for id, lsn := range v {
		switch {
		case lsn < other.Get(id):
			less = true
		case lsn > other.Get(id):
			greater = true
		}
	}
	for id, lsn := range other {
		if _, ok := v[id]; ok {
			continue // already compared above
		}
		if lsn > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderUndefined
	case less:
		return OrderLess
	case greater:
		return OrderGreater
	default:
		return OrderEqual
	}
}

// LessOrEqual reports whether v <= other component-wise (used for the GC
// horizon and for the relay's "already-seen" checks).
func (v VClock) LessOrEqual(other VClock) bool {
	for id, lsn := range v {
		if lsn > other.Get(id) {
			return false
		}
	}
	return true
}

// Merge returns a new VClock holding the component-wise maximum of v and
// other.
func (v VClock) Merge(other VClock) VClock {
	out := v.Clone()
	for id, lsn := range other {
		if lsn > out[id] {
			out[id] = lsn
		}
	}
	return out
}
