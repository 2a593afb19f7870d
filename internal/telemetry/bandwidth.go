// Package telemetry measures per-connection bandwidth and per-player latency.
package telemetry

import (
	"sync"
	"time"

	"github.com/cory-johannsen/playnet/internal/protocol"
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// BucketWidth is the accounting window of Bandwidth.
const BucketWidth = time.Second

type scopeKey struct {
	dir   protocol.Direction
	scope protocol.Scope
}

// window accumulates bytes for the current bucket and remembers the total of
// the last completed one. Bucket boundaries sit on a fixed grid anchored at
// the first observation.
type window struct {
	start   time.Time
	current int64
	saved   int64
}

func (w *window) roll(now time.Time) {
	elapsed := now.Sub(w.start)
	if elapsed < BucketWidth {
		return
	}
	n := elapsed / BucketWidth
	if n == 1 {
		w.saved = w.current
	} else {
		w.saved = 0
	}
	w.current = 0
	w.start = w.start.Add(n * BucketWidth)
}

// Bandwidth attributes frame sizes to (direction, scope) and per-direction
// totals. Reads report the previous completed bucket.
type Bandwidth struct {
	mu     sync.Mutex
	now    Clock
	scopes map[scopeKey]*window
	totals map[protocol.Direction]*window
}

// NewBandwidth returns an empty accountant. A nil clock uses time.Now.
func NewBandwidth(now Clock) *Bandwidth {
	if now == nil {
		now = time.Now
	}
	return &Bandwidth{
		now:    now,
		scopes: make(map[scopeKey]*window),
		totals: make(map[protocol.Direction]*window),
	}
}

// Observe records size bytes crossing in dir for scope.
func (b *Bandwidth) Observe(dir protocol.Direction, scope protocol.Scope, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	key := scopeKey{dir: dir, scope: scope}
	w, ok := b.scopes[key]
	if !ok {
		w = &window{start: now}
		b.scopes[key] = w
	}
	w.roll(now)
	w.current += int64(size)

	t, ok := b.totals[dir]
	if !ok {
		t = &window{start: now}
		b.totals[dir] = t
	}
	t.roll(now)
	t.current += int64(size)
}

// Rate returns bytes per second for scope in dir over the last full bucket.
func (b *Bandwidth) Rate(dir protocol.Direction, scope protocol.Scope) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.scopes[scopeKey{dir: dir, scope: scope}]
	if !ok {
		return 0
	}
	w.roll(b.now())
	return w.saved
}

// Total returns bytes per second in dir across all scopes.
func (b *Bandwidth) Total(dir protocol.Direction) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.totals[dir]
	if !ok {
		return 0
	}
	w.roll(b.now())
	return w.saved
}

// Forget drops the per-scope counters of scope. Totals are unaffected.
func (b *Bandwidth) Forget(scope protocol.Scope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scopes, scopeKey{dir: protocol.In, scope: scope})
	delete(b.scopes, scopeKey{dir: protocol.Out, scope: scope})
}
