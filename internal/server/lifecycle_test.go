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

// blockingService runs until Stop and records the order in which it was stopped.
type blockingService struct {
	name    string
	started atomic.Bool
	quit    chan struct{}
	once    sync.Once
	order   *stopOrder
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func newBlockingService(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, quit: make(chan struct{}), order: order}
}

func (b *blockingService) Start() error {
	b.started.Store(true)
	<-b.quit
	return nil
}

func (b *blockingService) Stop() {
	b.once.Do(func() {
		if b.order != nil {
			b.order.record(b.name)
		}
		close(b.quit)
	})
}

func (b *blockingService) stopped() bool {
	select {
	case <-b.quit:
		return true
	default:
		return false
	}
}

func TestLifecycleStartsAndStopsServicesInReverse(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}
	svc1 := newBlockingService("listener", order)
	svc2 := newBlockingService("announcer", order)
	lc.Add(svc1.name, svc1)
	lc.Add(svc2.name, svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()

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

	assert.True(t, svc1.stopped())
	assert.True(t, svc2.stopped())
	assert.Equal(t, []string{"announcer", "listener"}, order.names)
}

func TestLifecycleServiceFailureStopsOthers(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	healthy := newBlockingService("healthy", nil)
	boom := errors.New("bind: address already in use")

	lc.Add("healthy", healthy)
	lc.Add("broken", &FuncService{
		StartFn: func() error { return boom },
		StopFn:  func() {},
	})

	done := make(chan error, 1)
	go func() {
		done <- lc.Run(context.Background())
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
		assert.ErrorContains(t, err, "service broken")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not react to service failure")
	}
	assert.True(t, healthy.stopped())
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

	err := svc.Start()
	assert.NoError(t, err)
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}
