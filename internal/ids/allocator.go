// Package ids allocates process-wide monotonic identifiers.
package ids

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrExhausted is returned once an allocator has handed out its last id.
var ErrExhausted = errors.New("id space exhausted")

// Allocator hands out strictly increasing ids starting at 1. Ids are never
// reused. The zero value allocates up to math.MaxUint64.
type Allocator struct {
	last atomic.Uint64
	max  uint64
}

// NewAllocator returns an allocator whose next id is last+1 and whose final
// id is max. A zero max means math.MaxUint64.
func NewAllocator(last, max uint64) *Allocator {
	a := &Allocator{max: max}
	a.last.Store(last)
	return a
}

// Next returns the next id.
//
// Postcondition: Returns an id greater than every id returned before, or
// ErrExhausted.
func (a *Allocator) Next() (uint64, error) {
	limit := a.max
	if limit == 0 {
		limit = math.MaxUint64
	}
	for {
		cur := a.last.Load()
		if cur >= limit {
			return 0, ErrExhausted
		}
		if a.last.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Last returns the most recently allocated id, or zero.
func (a *Allocator) Last() uint64 {
	return a.last.Load()
}
