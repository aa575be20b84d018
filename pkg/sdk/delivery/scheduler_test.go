package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/logging"
	"github.com/nicktill/tinycount/pkg/sdk/transport"
)

type fakeTimer struct {
	f func()

	mu    sync.Mutex
	fired bool
	dead  bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.dead {
		return false
	}
	t.dead = true
	return true
}

// fakeDelayer holds delayed calls until Fire.
type fakeDelayer struct {
	mu     sync.Mutex
	timers []*fakeTimer
	waits  []time.Duration
}

func (d *fakeDelayer) AfterFunc(wait time.Duration, f func()) Timer {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTimer{f: f}
	d.timers = append(d.timers, t)
	d.waits = append(d.waits, wait)
	return t
}

func (d *fakeDelayer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.timers {
		t.mu.Lock()
		if !t.fired && !t.dead {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Fire runs every pending call on its own goroutine, like time.AfterFunc.
func (d *fakeDelayer) Fire() {
	d.mu.Lock()
	timers := append([]*fakeTimer(nil), d.timers...)
	d.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		run := !t.fired && !t.dead
		t.fired = true
		t.mu.Unlock()
		if run {
			go t.f()
		}
	}
}

func newScheduler(f *fixture, d Delayer) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Queue:   f.store,
		Worker:  f.worker,
		Logger:  logging.Nop(),
		Delayer: d,
		Clock:   f.clock.Now,
	})
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_EnqueueAndTickDelivers(t *testing.T) {
	f := newFixture(t)
	s := newScheduler(f, nil)
	defer stop(t, s)

	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k&a=1"))
	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k&a=2"))

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "app_key=k&a=1&device_id=dev-1", f.transport.Sent()[0])
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SingleFlight(t *testing.T) {
	f := newFixture(t)

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	f.transport.block = release
	f.worker.transport = transportFunc(func(ctx context.Context, data string) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
	}, func() { inFlight.Add(-1) }, f.transport)

	s := newScheduler(f, nil)
	defer stop(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Append(context.Background(), "app_key=k"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick()
		}()
	}
	wg.Wait()
	assert.True(t, s.Busy())

	close(release)
	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestScheduler_TickOnEmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t)
	s := newScheduler(f, nil)
	defer stop(t, s)

	s.Tick()
	assert.False(t, s.Busy())
}

func TestScheduler_DeferredMergeHoldsSlot(t *testing.T) {
	f := newFixture(t)
	d := &fakeDelayer{}
	s := newScheduler(f, d)
	defer stop(t, s)

	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k&device_id=new"))
	require.Eventually(t, func() bool { return d.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10*time.Second, d.waits[0])

	// later requests queue up behind the merge
	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k&after=1"))
	s.Tick()
	assert.True(t, s.Busy())
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, 1, d.Pending())

	f.clock.Advance(10 * time.Second)
	d.Fire()

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	sent := f.transport.Sent()
	assert.Equal(t, "app_key=k&device_id=new&old_device_id=dev-1", sent[0])
	assert.Equal(t, "app_key=k&after=1&device_id=new", sent[1])
	assert.Equal(t, []string{"new"}, f.identity.Changed())
}

func TestScheduler_StopDropsDeferredRun(t *testing.T) {
	f := newFixture(t)
	d := &fakeDelayer{}
	s := newScheduler(f, d)

	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k&device_id=new"))
	require.Eventually(t, func() bool { return d.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	stop(t, s)
	assert.Equal(t, 0, d.Pending())
	assert.False(t, s.Busy())
	assert.Equal(t, []string{"app_key=k&device_id=new"}, f.pending(t), "merge survives for the next process")

	assert.ErrorIs(t, s.EnqueueAndTick(context.Background(), "x"), ErrStopped)
}

func TestScheduler_StopWaitsForActiveRun(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.transport.block = release
	s := newScheduler(f, nil)

	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k"))
	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Len(t, f.transport.Sent(), 1)
}

func TestScheduler_StopDeadlineCancelsSend(t *testing.T) {
	f := newFixture(t)
	f.transport.block = make(chan struct{})
	s := newScheduler(f, nil)

	require.NoError(t, s.EnqueueAndTick(context.Background(), "app_key=k"))
	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.Equal(t, []string{"app_key=k"}, f.pending(t))
}

func TestScheduler_Heartbeat(t *testing.T) {
	f := newFixture(t)

	var beats atomic.Int32
	s := NewScheduler(SchedulerConfig{
		Queue:     f.store,
		Worker:    f.worker,
		Logger:    logging.Nop(),
		Heartbeat: 10 * time.Millisecond,
		OnHeartbeat: func(ctx context.Context) {
			beats.Add(1)
		},
	})

	// left over from an earlier aborted run
	require.NoError(t, f.store.Append(context.Background(), "app_key=k"))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second Start is a no-op")

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	stop(t, s)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

// transportFunc wraps next with hooks around each send.
func transportFunc(before func(ctx context.Context, data string), after func(), next *mockTransport) *hookedTransport {
	return &hookedTransport{before: before, after: after, next: next}
}

type hookedTransport struct {
	before func(ctx context.Context, data string)
	after  func()
	next   *mockTransport
}

func (h *hookedTransport) Send(ctx context.Context, data string) (transport.Response, error) {
	h.before(ctx, data)
	defer h.after()
	return h.next.Send(ctx, data)
}
