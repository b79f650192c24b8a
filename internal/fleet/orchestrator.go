// Package fleet supervises one device loop per configured bin.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"binspire-simulator/internal/logging"
	"binspire-simulator/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("fleet already started")
	ErrShutdown       = errors.New("fleet is shut down")
	ErrInvalidBinID   = errors.New("invalid trashbin id")
)

// Runner is one device loop
type Runner interface {
	Run(ctx context.Context) error
}

// Spawner builds the loop of a bin; it must not start it
type Spawner func(binID string) (Runner, error)

// Closer releases the shared database pool after every loop has stopped
type Closer interface {
	Disconnect() error
}

type handle struct {
	binID  string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// LoopStatus is a point-in-time view of one loop
type LoopStatus struct {
	BinID   string `json:"binId"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Orchestrator starts every loop, lets each be cancelled on its own and shuts
// them all down together. Failures stay with the loop that produced them.
type Orchestrator struct {
	spawn   Spawner
	pool    Closer
	metrics *metrics.Recorder
	log     *zap.SugaredLogger

	mu       sync.Mutex
	handles  map[string]*handle
	order    []string
	group    errgroup.Group
	started  bool
	stopped  bool
	allDone  chan struct{}
	shutdown sync.Once
	closeErr error
}

// New creates an orchestrator; pool may be nil when the caller owns it
func New(pool Closer, spawn Spawner, m *metrics.Recorder, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		spawn:   spawn,
		pool:    pool,
		metrics: m,
		log:     log.Named("fleet"),
		handles: make(map[string]*handle),
		allDone: make(chan struct{}),
	}
}

// Start builds every loop first and only launches them if all could be built,
// so a bad id aborts startup before any loop runs.
func (o *Orchestrator) Start(ctx context.Context, binIDs []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrShutdown
	}
	if o.started {
		return ErrAlreadyStarted
	}

	runners := make([]Runner, 0, len(binIDs))
	seen := make(map[string]bool, len(binIDs))
	for _, id := range binIDs {
		if id == "" || seen[id] {
			logging.Critical(o.log, "Invalid trashbin id.", "bin_id", id)
			return fmt.Errorf("%w: %q", ErrInvalidBinID, id)
		}
		seen[id] = true

		r, err := o.spawn(id)
		if err != nil {
			return fmt.Errorf("error creating loop for %s: %w", id, err)
		}
		runners = append(runners, r)
	}

	o.started = true
	for i, id := range binIDs {
		loopCtx, cancel := context.WithCancel(ctx)
		h := &handle{binID: id, cancel: cancel, done: make(chan struct{})}
		o.handles[id] = h
		o.order = append(o.order, id)

		r := runners[i]
		o.metrics.LoopStarted()
		o.group.Go(func() error {
			return o.supervise(loopCtx, h, r)
		})
	}

	go func() {
		_ = o.group.Wait()
		close(o.allDone)
	}()

	o.log.Infow("Device loops started", "count", len(binIDs))
	return nil
}

func (o *Orchestrator) supervise(ctx context.Context, h *handle, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("device loop panicked: %v\n%s", rec, debug.Stack())
		}

		reason := "cancelled"
		if err != nil {
			reason = "failed"
			o.log.Errorw("Device loop terminated", "bin_id", h.binID, "error", err)
		} else {
			o.log.Infow("Device loop stopped", "bin_id", h.binID)
		}
		o.metrics.LoopStopped(reason)

		o.mu.Lock()
		h.err = err
		o.mu.Unlock()

		h.cancel()
		close(h.done)
	}()

	return r.Run(ctx)
}

// Cancel stops a single loop and waits for it to exit
func (o *Orchestrator) Cancel(binID string) bool {
	o.mu.Lock()
	h, ok := o.handles[binID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()
	<-h.done
	return true
}

// Done is closed once every started loop has returned
func (o *Orchestrator) Done() <-chan struct{} {
	return o.allDone
}

// Status reports every loop in start order
func (o *Orchestrator) Status() []LoopStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]LoopStatus, 0, len(o.order))
	for _, id := range o.order {
		h := o.handles[id]
		s := LoopStatus{BinID: id, Running: true}
		select {
		case <-h.done:
			s.Running = false
		default:
		}
		if h.err != nil {
			s.Error = h.err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Running returns the ids of loops that have not returned yet, sorted
func (o *Orchestrator) Running() []string {
	var ids []string
	for _, s := range o.Status() {
		if s.Running {
			ids = append(ids, s.BinID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every loop, waits for all of them regardless of how they
// ended and then releases the pool. Later calls return the first result.
func (o *Orchestrator) Shutdown() error {
	o.shutdown.Do(func() {
		o.mu.Lock()
		o.stopped = true
		started := o.started
		o.log.Infow("Cancelling device loops", "count", len(o.handles))
		for _, h := range o.handles {
			h.cancel()
		}
		o.mu.Unlock()

		if started {
			<-o.allDone
		} else {
			close(o.allDone)
		}

		if o.pool != nil {
			o.closeErr = o.pool.Disconnect()
		}
		o.log.Info("Shutdown complete.")
	})
	return o.closeErr
}
