package room_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/playnet/internal/room"
)

func TestTickManager_TickCallbackInvoked(t *testing.T) {
	tm := room.NewTickManager(context.Background())
	defer tm.Stop()
	called := make(chan struct{}, 1)
	tm.Register(1, 10*time.Millisecond, func() {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("tick callback not invoked within timeout")
	}
}

func TestTickManager_UnregisterStopsCallback(t *testing.T) {
	tm := room.NewTickManager(context.Background())
	defer tm.Stop()
	var count atomic.Int64
	tm.Register(1, 10*time.Millisecond, func() { count.Add(1) })
	time.Sleep(40 * time.Millisecond)

	tm.Unregister(1)
	after := count.Load()
	time.Sleep(40 * time.Millisecond)

	assert.LessOrEqual(t, count.Load(), after+1, "tick continued after unregister")
	assert.Zero(t, tm.Len())
}

func TestTickManager_UnregisterFromOwnTick(t *testing.T) {
	tm := room.NewTickManager(context.Background())
	var count atomic.Int64
	tm.Register(1, 5*time.Millisecond, func() {
		count.Add(1)
		tm.Unregister(1)
	})

	assert.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, 5*time.Millisecond)
	tm.Stop()
	assert.Equal(t, int64(1), count.Load())
}

func TestTickManager_RegisterReplacesLoop(t *testing.T) {
	tm := room.NewTickManager(context.Background())
	defer tm.Stop()
	var first, second atomic.Int64
	tm.Register(1, 5*time.Millisecond, func() { first.Add(1) })
	tm.Register(1, 5*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() >= 2 }, time.Second, 5*time.Millisecond)
	stale := first.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, first.Load(), stale+1)
	assert.Equal(t, 1, tm.Len())
}

func TestTickManager_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tm := room.NewTickManager(ctx)
	tm.Register(1, 5*time.Millisecond, func() {})
	tm.Register(2, 5*time.Millisecond, func() {})

	cancel()
	done := make(chan struct{})
	go func() {
		tm.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after context cancellation")
	}
}

func TestTickManager_RejectsNonPositiveInterval(t *testing.T) {
	tm := room.NewTickManager(context.Background())
	assert.Panics(t, func() { tm.Register(1, 0, func() {}) })
}
