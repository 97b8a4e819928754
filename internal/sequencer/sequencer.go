// Package sequencer runs asynchronous units of work one at a time, in the
// order they were submitted.
//
// Every mutating playback command goes through a Sequencer so that no two
// mutations ever interleave. A task that fails is logged and swallowed; the
// lane keeps draining.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrDestroyed is recorded on handles whose task was dropped by Destroy.
var ErrDestroyed = errors.New("sequencer destroyed")

// Task is one unit of work. The context is never canceled by the sequencer
// itself; cancellation of long-running work is the caller's concern.
type Task func(ctx context.Context) (any, error)

// Handle resolves once its task has run, failed or been dropped.
type Handle struct {
	name  string
	done  chan struct{}
	value any
	err   error
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task resolves and returns its value. A task that
// failed or never ran resolves with a nil value and a nil error; only the
// waiter's own context produces an error here.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		if h.err != nil {
			return nil, nil
		}
		return h.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the swallowed task error, if any. Only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Name returns the label the task was enqueued with.
func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) resolve(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

type job struct {
	task     Task
	handle   *Handle
	enqueued time.Time
}

// Stats tracks lane throughput.
type Stats struct {
	Enqueued   int64
	Completed  int64
	Failed     int64
	Dropped    int64
	Pending    int
	PeakSize   int
	LastRun    time.Time
	AvgWait    time.Duration
	AvgRuntime time.Duration
}

// Sequencer is a single FIFO execution lane.
type Sequencer struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	pending   []job
	destroyed bool
	running   bool

	stats  Stats
	logger *log.Logger
	done   chan struct{}
}

// New starts a sequencer lane. A nil logger uses the default logger.
func New(logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default().WithPrefix("sequencer")
	}
	s := &Sequencer{
		logger: logger,
		done:   make(chan struct{}),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Enqueue appends a task to the lane and returns immediately.
func (s *Sequencer) Enqueue(name string, task Task) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		s.stats.Dropped++
		h.resolve(nil, ErrDestroyed)
		return h
	}

	s.pending = append(s.pending, job{task: task, handle: h, enqueued: time.Now()})
	s.stats.Enqueued++
	if len(s.pending) > s.stats.PeakSize {
		s.stats.PeakSize = len(s.pending)
	}
	s.notEmpty.Signal()
	return h
}

// Destroy turns every queued and future task into a no-op. The task that is
// currently running, if any, completes normally.
func (s *Sequencer) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	dropped := s.pending
	s.pending = nil
	s.stats.Dropped += int64(len(dropped))
	s.notEmpty.Broadcast()
	s.mu.Unlock()

	for _, j := range dropped {
		j.handle.resolve(nil, ErrDestroyed)
	}
	if len(dropped) > 0 {
		s.logger.Debug("dropped queued tasks", "count", len(dropped))
	}
}

// Wait blocks until the lane goroutine has exited after Destroy.
func (s *Sequencer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Busy reports whether a task is running right now.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a copy of the lane statistics.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	return st
}

func (s *Sequencer) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.destroyed {
			s.notEmpty.Wait()
		}
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		j := s.pending[0]
		s.pending[0] = job{}
		s.pending = s.pending[1:]
		s.running = true
		s.mu.Unlock()

		start := time.Now()
		value, err := s.run(j)
		elapsed := time.Since(start)

		s.mu.Lock()
		s.running = false
		s.stats.LastRun = start
		s.stats.AvgWait = rollingAvg(s.stats.AvgWait, start.Sub(j.enqueued), s.stats.Completed+s.stats.Failed)
		s.stats.AvgRuntime = rollingAvg(s.stats.AvgRuntime, elapsed, s.stats.Completed+s.stats.Failed)
		if err != nil {
			s.stats.Failed++
		} else {
			s.stats.Completed++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("task failed", "task", j.handle.name, "error", err)
		}
		j.handle.resolve(value, err)
	}
}

func (s *Sequencer) run(j job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", j.handle.name, r)
		}
	}()
	return j.task(context.Background())
}

func rollingAvg(avg, sample time.Duration, n int64) time.Duration {
	if n == 0 {
		return sample
	}
	return (avg*time.Duration(n) + sample) / time.Duration(n+1)
}
