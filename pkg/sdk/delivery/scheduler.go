package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/storage"
)

// ErrStopped is returned by EnqueueAndTick after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// Delayer runs f after d. The default uses time.AfterFunc.
type Delayer interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallDelayer struct{}

func (wallDelayer) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Queue  storage.RequestQueue
	Worker *Worker
	Logger zerolog.Logger

	// Heartbeat is the interval of the periodic tick. Zero means
	// config.DefaultHeartbeatInterval.
	Heartbeat time.Duration

	// OnHeartbeat runs before each periodic tick.
	OnHeartbeat func(ctx context.Context)

	Delayer Delayer
	Clock   func() time.Time
}

// Scheduler owns the single delivery slot. Any number of goroutines may call
// Tick; at most one worker run is active at a time, and a deferred merge keeps
// the slot held until it has been sent.
type Scheduler struct {
	queue       storage.RequestQueue
	worker      *Worker
	logger      zerolog.Logger
	heartbeat   time.Duration
	onHeartbeat func(ctx context.Context)
	delayer     Delayer
	now         func() time.Time

	// running is held from the moment a run is admitted until it ends
	// without a deferral
	running atomic.Bool
	stopped atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup

	mu      sync.Mutex
	pending Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a scheduler. Ticks work before Start; Start only adds
// the heartbeat.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		queue:       cfg.Queue,
		worker:      cfg.Worker,
		logger:      cfg.Logger,
		heartbeat:   cfg.Heartbeat,
		onHeartbeat: cfg.OnHeartbeat,
		delayer:     cfg.Delayer,
		now:         cfg.Clock,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = config.DefaultHeartbeatInterval
	}
	if s.delayer == nil {
		s.delayer = wallDelayer{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

// EnqueueAndTick stores request and starts delivery if the slot is free.
func (s *Scheduler) EnqueueAndTick(ctx context.Context, request string) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if err := s.queue.Append(ctx, request); err != nil {
		return err
	}
	s.Tick()
	return nil
}

// Tick starts a worker run unless one is already active or the queue is
// empty. It never blocks on the network.
func (s *Scheduler) Tick() {
	if s.stopped.Load() {
		return
	}
	if empty, err := s.queue.IsEmpty(s.runCtx); err != nil || empty {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() || !s.running.CompareAndSwap(false, true) {
		return
	}
	s.runs.Add(1)
	go s.run()
}

// Busy reports whether a run is active or deferred.
func (s *Scheduler) Busy() bool {
	return s.running.Load()
}

// run executes one Drain while holding the slot. Callers have already added
// to s.runs.
func (s *Scheduler) run() {
	defer s.runs.Done()
	RunsTotal.Inc()

	out := s.worker.Drain(s.runCtx)
	if out.Status == Deferred && s.deferRun(out.Until) {
		return
	}
	s.running.Store(false)

	// a request appended while the worker was finding the queue empty
	// would otherwise wait for the next heartbeat
	if out.Status == Idle {
		s.Tick()
	}
}

// deferRun schedules the held slot to run again at until. It returns false
// when the scheduler is stopping and the slot should be released.
func (s *Scheduler) deferRun(until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return false
	}
	wait := until.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.runs.Add(1)
	s.pending = s.delayer.AfterFunc(wait, func() {
		s.mu.Lock()
		s.pending = nil
		stopped := s.stopped.Load()
		s.mu.Unlock()

		if stopped {
			s.running.Store(false)
			s.runs.Done()
			return
		}
		s.run()
	})
	s.logger.Debug().Dur("wait", wait).Msg("delivery deferred")
	return true
}

// Start starts the heartbeat loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrStopped
	}
	if s.done != nil {
		return nil
	}

	var loopCtx context.Context
	loopCtx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.heartbeatLoop(loopCtx, s.done)
	return nil
}

func (s *Scheduler) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.onHeartbeat != nil {
				s.onHeartbeat(ctx)
			}
			s.Tick()
		}
	}
}

// Stop ends the heartbeat, drops a deferred run and waits for the active run.
// If ctx ends first the in-flight send is cancelled; the request stays queued.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := s.done
	if s.pending != nil && s.pending.Stop() {
		s.pending = nil
		s.running.Store(false)
		s.runs.Done()
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	finished := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.runCancel()
		return nil
	case <-ctx.Done():
		s.runCancel()
		<-finished
		return ctx.Err()
	}
}
