package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/pkg/keyed"
	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/pkg/log"
)

// Start statuses.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Ingester accepts a simulated sample.
type Ingester interface {
	Update(ctx context.Context, s Sample) (Sample, error)
}

type task struct {
	id     string
	walker *Walker
}

// Scheduler runs at most one simulation task per vehicle. Tasks run until
// the scheduler stops; there is no per-vehicle stop.
type Scheduler struct {
	ingester Ingester
	walk     Walk
	period   time.Duration
	clock    clock.WithTicker
	seed     *uint64
	log      log.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
	tasks   *keyed.Map[*task]
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSeed makes every task's walk reproducible.
func WithSeed(seed uint64) SchedulerOption {
	return func(s *Scheduler) { s.seed = &seed }
}

// NewScheduler returns a Scheduler feeding ingester every period.
func NewScheduler(ingester Ingester, walk Walk, period time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ingester: ingester,
		walk:     walk,
		period:   period,
		clock:    clock.RealClock{},
		log:      log.WithName("scheduler"),
		tasks:    keyed.New[*task](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start launches the task of id. It reports StatusAlreadyRunning when the
// vehicle already has one.
func (s *Scheduler) Start(id string) (string, error) {
	if id == "" {
		return "", errors.New("vehicle id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}

	created := false
	t, _ := s.tasks.Compute(id, func(old *task, exists bool) (*task, bool) {
		if exists {
			return old, true
		}
		created = true
		return s.newTask(id), true
	})
	if !created {
		return StatusAlreadyRunning, nil
	}

	s.wg.Add(1)
	go s.run(s.ctx, t)

	metrics.SchedulerTasks.Inc()
	s.log.Info("Simulation started", "vehicleID", id, "period", s.period)
	return StatusStarted, nil
}

// Running lists the vehicles with a task, sorted.
func (s *Scheduler) Running() []string {
	var ids []string
	s.tasks.Range(func(id string, _ *task) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

// Run blocks until ctx is done, then stops every task.
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels every task and waits for them to return. Later Start calls
// fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("All simulations stopped")
}

func (s *Scheduler) newTask(id string) *task {
	var src rand.Source
	if s.seed != nil {
		src = rand.NewPCG(*s.seed, xxhash.Sum64String(id))
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &task{id: id, walker: NewWalker(s.walk, rand.New(src))}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer func() {
		s.tasks.Delete(t.id)
		metrics.SchedulerTasks.Dec()
	}()

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.tick(ctx, t); err != nil {
				metrics.SchedulerTickFailures.Inc()
				s.log.Warn("Simulation tick failed", "vehicleID", t.id, "err", err)
			}
		}
	}
}

// tick never lets a panic escape, so one vehicle cannot take down the others.
func (s *Scheduler) tick(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	sample := s.step(t)
	_, err = s.ingester.Update(ctx, sample)
	return err
}

func (s *Scheduler) step(t *task) Sample {
	pos, speed := t.walker.Next()
	return Sample{
		VehicleID: t.id,
		Lat:       pos.Lat,
		Long:      pos.Long,
		Speed:     speed,
		Timestamp: s.clock.Now().UnixMilli(),
	}
}
