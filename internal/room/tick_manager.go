package room

import (
	"context"
	"sync"
	"time"
)

// TickManager runs a periodic tick for each registered room, each in its own
// goroutine so rooms never wait on one another.
//
// Invariant: a room's callback is never invoked concurrently with itself.
type TickManager struct {
	mu    sync.Mutex
	ctx   context.Context
	ticks map[uint64]context.CancelFunc
	wg    sync.WaitGroup
}

// NewTickManager returns a manager whose loops stop when ctx is cancelled.
func NewTickManager(ctx context.Context) *TickManager {
	return &TickManager{ctx: ctx, ticks: make(map[uint64]context.CancelFunc)}
}

// Register starts calling fn every interval for roomID, replacing any
// existing loop for the room.
//
// Precondition: interval must be > 0.
func (m *TickManager) Register(roomID uint64, interval time.Duration, fn func()) {
	if interval <= 0 {
		panic("room.TickManager.Register: interval must be > 0")
	}
	ctx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	if old, ok := m.ticks[roomID]; ok {
		old()
	}
	m.ticks[roomID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()
}

// Unregister stops the loop of roomID. It does not wait for a running tick
// to finish, so a room may unregister itself from inside its own tick.
func (m *TickManager) Unregister(roomID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.ticks[roomID]; ok {
		cancel()
		delete(m.ticks, roomID)
	}
}

// Len returns the number of running loops.
func (m *TickManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

// Stop cancels every loop and waits for them to exit.
func (m *TickManager) Stop() {
	m.mu.Lock()
	for id, cancel := range m.ticks {
		cancel()
		delete(m.ticks, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
