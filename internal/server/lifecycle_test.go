package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingService struct {
	name    string
	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
	order   *stopOrder
	startFn func() error
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) add(name string) {
	o.mu.Lock()
	o.names = append(o.names, name)
	o.mu.Unlock()
}

func newBlocking(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, stop: make(chan struct{}), order: order}
}

func (s *blockingService) Start() error {
	s.started.Store(true)
	if s.startFn != nil {
		return s.startFn()
	}
	<-s.stop
	return nil
}

func (s *blockingService) Stop() {
	s.once.Do(func() {
		if s.order != nil {
			s.order.add(s.name)
		}
		close(s.stop)
	})
}

func TestLifecycle_StartsAndStopsInReverseOrder(t *testing.T) {
	order := &stopOrder{}
	lc := NewLifecycle(zaptest.NewLogger(t), WithSignals())
	svc1 := newBlocking("svc1", order)
	svc2 := newBlocking("svc2", order)
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)
	assert.Equal(t, []string{"svc1", "svc2"}, lc.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"svc2", "svc1"}, order.names)
}

func TestLifecycle_ServiceFailureIsReturned(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), WithSignals())
	healthy := newBlocking("healthy", nil)
	boom := errors.New("boom")
	failing := newBlocking("failing", nil)
	failing.startFn = func() error { return boom }
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	err := lc.Run(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "service failing")
	select {
	case <-healthy.stop:
	default:
		t.Fatal("healthy service was not stopped")
	}
}

func TestLifecycle_StopTimeout(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), WithSignals(), WithStopTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	lc.Add("stuck", &FuncService{
		StartFn: func() error { <-release; return nil },
		StopFn:  func() { <-release },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, lc.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false
	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)
	svc.Stop()
	assert.True(t, stopped)
}
