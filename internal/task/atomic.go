package task

import (
	"math"
	"sync/atomic"
)

// AtomicFloat is a lock-free float64, used for the adaptive controller's
// fractional active-worker budget (spec.md §3: "active_worker_budget:
// real ≥ 10").
type AtomicFloat struct {
	bits atomic.Uint64
}

// NewAtomicFloat returns an AtomicFloat initialized to v.
func NewAtomicFloat(v float64) *AtomicFloat {
	af := &AtomicFloat{}
	af.Store(v)
	return af
}

// Load returns the current value.
func (a *AtomicFloat) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

// Store sets the current value.
func (a *AtomicFloat) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

// AtomicBool is a lock-free bool, used for the shared terminate flag.
type AtomicBool struct {
	v atomic.Bool
}

// NewAtomicBool returns an AtomicBool initialized to v.
func NewAtomicBool(v bool) *AtomicBool {
	ab := &AtomicBool{}
	ab.v.Store(v)
	return ab
}

// Load returns the current value.
func (a *AtomicBool) Load() bool { return a.v.Load() }

// Store sets the current value.
func (a *AtomicBool) Store(v bool) { a.v.Store(v) }

// AtomicInt is a lock-free int64 counter, used for the shared "working"
// in-flight job count.
type AtomicInt struct {
	v atomic.Int64
}

// NewAtomicInt returns an AtomicInt initialized to v.
func NewAtomicInt(v int64) *AtomicInt {
	ai := &AtomicInt{}
	ai.v.Store(v)
	return ai
}

// Load returns the current value.
func (a *AtomicInt) Load() int64 { return a.v.Load() }

// Add adds delta and returns the new value.
func (a *AtomicInt) Add(delta int64) int64 { return a.v.Add(delta) }
