package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binspire-simulator/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePool struct {
	closes atomic.Int32
	// loopsAlive is checked at close time to prove loops stopped first
	loopsAlive   *atomic.Int32
	aliveAtClose int32
}

func (p *fakePool) Disconnect() error {
	p.closes.Add(1)
	if p.loopsAlive != nil {
		p.aliveAtClose = p.loopsAlive.Load()
	}
	return nil
}

// blockingRunner runs until cancelled, or fails immediately when err is set
type blockingRunner struct {
	alive   *atomic.Int32
	err     error
	panics  bool
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.alive.Add(1)
	defer r.alive.Add(-1)
	close(r.started)

	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	// simulate an in-flight statement finishing after cancellation
	time.Sleep(10 * time.Millisecond)
	return nil
}

type testFleet struct {
	orch    *Orchestrator
	pool    *fakePool
	alive   *atomic.Int32
	mu      sync.Mutex
	runners map[string]*blockingRunner
}

func newTestFleet(t *testing.T, failing map[string]error, panicking map[string]bool) *testFleet {
	t.Helper()
	alive := &atomic.Int32{}
	tf := &testFleet{
		pool:    &fakePool{loopsAlive: alive},
		alive:   alive,
		runners: map[string]*blockingRunner{},
	}
	tf.orch = New(tf.pool, func(id string) (Runner, error) {
		r := &blockingRunner{alive: alive, err: failing[id], panics: panicking[id], started: make(chan struct{})}
		tf.mu.Lock()
		tf.runners[id] = r
		tf.mu.Unlock()
		return r, nil
	}, metrics.NewRecorder(prometheus.NewRegistry()), zap.NewNop().Sugar())
	return tf
}

func (tf *testFleet) waitStarted(t *testing.T) {
	t.Helper()
	tf.mu.Lock()
	defer tf.mu.Unlock()
	for id, r := range tf.runners {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatalf("loop %s never started", id)
		}
	}
}

func TestShutdownStopsEveryLoopBeforeClosingPool(t *testing.T) {
	tf := newTestFleet(t, nil, nil)
	ids := []string{"b1", "b2", "b3", "b4", "b5"}

	require.NoError(t, tf.orch.Start(context.Background(), ids))
	tf.waitStarted(t)
	assert.Equal(t, ids, tf.orch.Running())

	require.NoError(t, tf.orch.Shutdown())

	assert.Zero(t, tf.alive.Load())
	assert.Zero(t, tf.pool.aliveAtClose)
	assert.Equal(t, int32(1), tf.pool.closes.Load())
	assert.Empty(t, tf.orch.Running())

	require.NoError(t, tf.orch.Shutdown())
	assert.Equal(t, int32(1), tf.pool.closes.Load())

	select {
	case <-tf.orch.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestFailingLoopDoesNotAffectSiblings(t *testing.T) {
	tf := newTestFleet(t, map[string]error{"bad": errors.New("db gone")}, map[string]bool{"crash": true})

	require.NoError(t, tf.orch.Start(context.Background(), []string{"ok1", "bad", "crash", "ok2"}))
	tf.waitStarted(t)

	require.Eventually(t, func() bool {
		return len(tf.orch.Running()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok1", "ok2"}, tf.orch.Running())

	statuses := tf.orch.Status()
	require.Len(t, statuses, 4)
	assert.Equal(t, "db gone", statuses[1].Error)
	assert.Contains(t, statuses[2].Error, "panicked")

	require.NoError(t, tf.orch.Shutdown())
	assert.Zero(t, tf.alive.Load())
}

func TestCancelSingleLoop(t *testing.T) {
	tf := newTestFleet(t, nil, nil)

	require.NoError(t, tf.orch.Start(context.Background(), []string{"b1", "b2"}))
	tf.waitStarted(t)

	assert.True(t, tf.orch.Cancel("b1"))
	assert.False(t, tf.orch.Cancel("nope"))
	assert.Equal(t, []string{"b2"}, tf.orch.Running())

	require.NoError(t, tf.orch.Shutdown())
}

func TestParentContextCancellationStopsLoops(t *testing.T) {
	tf := newTestFleet(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tf.orch.Start(ctx, []string{"b1", "b2"}))
	tf.waitStarted(t)
	cancel()

	select {
	case <-tf.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("loops kept running after parent cancellation")
	}
	require.NoError(t, tf.orch.Shutdown())
}

func TestStartValidation(t *testing.T) {
	tf := newTestFleet(t, nil, nil)

	assert.ErrorIs(t, tf.orch.Start(context.Background(), []string{"b1", ""}), ErrInvalidBinID)
	assert.ErrorIs(t, tf.orch.Start(context.Background(), []string{"b1", "b1"}), ErrInvalidBinID)
	assert.Zero(t, tf.alive.Load())

	require.NoError(t, tf.orch.Start(context.Background(), []string{"b1"}))
	assert.ErrorIs(t, tf.orch.Start(context.Background(), []string{"b2"}), ErrAlreadyStarted)

	require.NoError(t, tf.orch.Shutdown())
	assert.ErrorIs(t, tf.orch.Start(context.Background(), []string{"b3"}), ErrShutdown)
}

func TestSpawnErrorAbortsStartup(t *testing.T) {
	alive := &atomic.Int32{}
	orch := New(nil, func(id string) (Runner, error) {
		if id == "b2" {
			return nil, errors.New("sensor unavailable")
		}
		return &blockingRunner{alive: alive, started: make(chan struct{})}, nil
	}, nil, zap.NewNop().Sugar())

	err := orch.Start(context.Background(), []string{"b1", "b2"})
	assert.ErrorContains(t, err, "sensor unavailable")
	assert.Empty(t, orch.Status())
	assert.Zero(t, alive.Load())
	assert.NoError(t, orch.Shutdown())
}
