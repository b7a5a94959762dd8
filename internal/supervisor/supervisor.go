// Package supervisor keeps at most one ledger-connected worker process per
// vehicle and tears them all down on shutdown.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/pkg/keyed"
	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// ModeChain names ledger-connected workers.
const ModeChain = "chain"

// Start statuses.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
)

var (
	// ErrSpawn marks a worker that could not be started. No entry is kept.
	ErrSpawn = errors.New("failed to spawn worker")

	// ErrShutdown is returned by Start once Shutdown began.
	ErrShutdown = errors.New("supervisor is shutting down")
)

// Result is returned by Start.
type Result struct {
	Status    string `json:"status"`
	VehicleID string `json:"vehicleId"`
	Mode      string `json:"mode"`
	PID       int    `json:"pid,omitempty"`
}

// Worker describes a live worker.
type Worker struct {
	VehicleID string    `json:"vehicleId"`
	Mode      string    `json:"mode"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type worker struct {
	Worker
	proc Process
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	launcher Launcher
	clock    clock.PassiveClock
	log      log.Logger

	// mu is held for reading across a launch and for writing by Shutdown,
	// so no worker can start after Shutdown collected the live ones.
	mu       sync.RWMutex
	stopping bool
	workers  *keyed.Map[*worker]
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// New returns a Supervisor starting workers through launcher.
func New(launcher Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher: launcher,
		clock:    clock.RealClock{},
		log:      log.WithName("supervisor"),
		workers:  keyed.New[*worker](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key is the worker table key of a vehicle.
func Key(vehicleID string) string {
	return vehicleID + ":" + ModeChain
}

// Start launches the worker of vehicleID with its signing key. A vehicle
// that already has a live worker gets StatusAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, vehicleID, privateKey string) (Result, error) {
	if vehicleID == "" {
		return Result{}, fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}
	if _, err := chain.KeyFromHex(privateKey); err != nil {
		return Result{}, fmt.Errorf("%w: private key: %w", ledger.ErrValidation, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return Result{}, ErrShutdown
	}

	key := Key(vehicleID)
	res := Result{VehicleID: vehicleID, Mode: ModeChain}

	claimed := &worker{Worker: Worker{VehicleID: vehicleID, Mode: ModeChain}}
	current, _ := s.workers.Compute(key, func(old *worker, exists bool) (*worker, bool) {
		if exists {
			return old, true
		}
		return claimed, true
	})
	if current != claimed {
		res.Status, res.PID = StatusAlreadyRunning, current.PID
		return res, nil
	}

	proc, err := s.launcher.Launch(ctx, Spec{VehicleID: vehicleID, PrivateKey: privateKey})
	if err != nil {
		s.workers.Delete(key)
		s.log.Error(err, "Failed to spawn worker", "vehicleID", vehicleID)
		return Result{}, fmt.Errorf("%w for %s: %w", ErrSpawn, vehicleID, err)
	}

	updated := &worker{
		Worker: Worker{VehicleID: vehicleID, Mode: ModeChain, PID: proc.Pid(), StartedAt: s.clock.Now()},
		proc:   proc,
	}
	s.workers.Store(key, updated)
	metrics.SupervisedWorkers.Inc()
	s.log.Info("Worker started", "vehicleID", vehicleID, "pid", updated.PID)

	s.wg.Add(1)
	go s.reap(key, updated)

	res.Status, res.PID = StatusStarted, updated.PID
	return res, nil
}

// reap removes the entry of w once its process exits.
func (s *Supervisor) reap(key string, w *worker) {
	defer s.wg.Done()

	err := w.proc.Wait()
	s.workers.Compute(key, func(old *worker, exists bool) (*worker, bool) {
		return old, exists && old != w
	})
	metrics.SupervisedWorkers.Dec()

	if err != nil {
		s.log.Warn("Worker exited", "vehicleID", w.VehicleID, "pid", w.PID, "err", err)
		return
	}
	s.log.Info("Worker exited", "vehicleID", w.VehicleID, "pid", w.PID)
}

// Workers lists the live workers ordered by vehicle id.
func (s *Supervisor) Workers() []Worker {
	var out []Worker
	s.workers.Range(func(_ string, w *worker) bool {
		if w.proc != nil {
			out = append(out, w.Worker)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Worker) int { return cmp.Compare(a.VehicleID, b.VehicleID) })
	return out
}

// Shutdown kills every worker and waits until they are reaped or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.workers.Range(func(_ string, w *worker) bool {
		if w.proc == nil {
			return true
		}
		if err := w.proc.Kill(); err != nil {
			s.log.Warn("Failed to kill worker", "vehicleID", w.VehicleID, "pid", w.PID, "err", err)
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running: %w", ctx.Err())
	}
}

// Run blocks until ctx is done, then shuts every worker down.
func (s *Supervisor) Run(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
