package task

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/logging"
)

// ErrDraining is returned by Submit once graceful shutdown has begun.
// It carries the overloaded kind so clients treat it as retryable.
var ErrDraining = &Error{Kind: KindOverloaded, Message: "server is shutting down"}

// Hooks are optional callbacks for observing task lifecycle, used for
// metrics and the event stream.
type Hooks struct {
	TaskAdmitted func(*Task)
	TaskStarted  func(*Task)
	TaskFinished func(*Task, Result)
	TaskRejected func()
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Capacity mirrors the pool capacity for admission accounting.
	Capacity int

	// QueueDepth is the number of admitted tasks allowed to wait for a
	// handle beyond those executing.
	QueueDepth int

	// TaskTimeout is the hard deadline applied to every task at
	// admission.
	TaskTimeout time.Duration

	Logger *logging.Logger
	Hooks  Hooks
}

// Scheduler admits tasks, bounds concurrency, and dispatches queued
// tasks to executors in FIFO order. A dispatch is always coupled to a
// successful pool acquire, so a task never starts without a handle.
// The scheduler holds no per-task state beyond queue membership.
type Scheduler struct {
	pool *browser.Pool
	exec *Executor

	capacity    int
	queueDepth  int
	taskTimeout time.Duration
	log         *logging.Logger
	hooks       Hooks

	mu        sync.Mutex
	queue     []*Task
	executing int
	draining  bool
	started   bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler dispatching against pool capacity.
func NewScheduler(pool *browser.Pool, exec *Executor, opts SchedulerOptions) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("scheduler")
	}
	return &Scheduler{
		pool:        pool,
		exec:        exec,
		capacity:    opts.Capacity,
		queueDepth:  opts.QueueDepth,
		taskTimeout: opts.TaskTimeout,
		log:         log,
		hooks:       opts.Hooks,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	go s.dispatchLoop()
}

// Submit admits a payload under the default task timeout. Admission
// fails fast with ErrOverloaded when executing plus queued tasks would
// exceed capacity plus queue depth; the task never queues unboundedly.
func (s *Scheduler) Submit(p Payload) (*Task, error) {
	return s.SubmitWithTimeout(p, 0)
}

// SubmitWithTimeout admits a payload with a caller-chosen deadline.
// The timeout is clamped to the configured default, which stays the
// hard upper bound; zero or negative means the default.
func (s *Scheduler) SubmitWithTimeout(p Payload, timeout time.Duration) (*Task, error) {
	if timeout <= 0 || timeout > s.taskTimeout {
		timeout = s.taskTimeout
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		if s.hooks.TaskRejected != nil {
			s.hooks.TaskRejected()
		}
		return nil, ErrDraining
	}
	if s.executing+len(s.queue) >= s.capacity+s.queueDepth {
		s.mu.Unlock()
		if s.hooks.TaskRejected != nil {
			s.hooks.TaskRejected()
		}
		return nil, ErrOverloaded
	}

	t := NewTask(p, timeout)
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	if s.hooks.TaskAdmitted != nil {
		s.hooks.TaskAdmitted(t)
	}
	s.poke()
	return t, nil
}

// Queued returns the number of admitted tasks waiting for a handle.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Executing returns the number of tasks currently running.
func (s *Scheduler) Executing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

// Drain stops admission, lets queued and in-flight tasks finish for up
// to grace, then stops the dispatch loop and fails whatever is left.
// Every admitted task still receives exactly one result.
func (s *Scheduler) Drain(grace time.Duration) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.log.Infof("draining: admission stopped, waiting up to %v for in-flight tasks", grace)

	deadline := time.Now().Add(grace)
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && s.executing == 0
		s.mu.Unlock()
		if idle || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	close(s.stop)
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}

	s.mu.Lock()
	leftover := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, t := range leftover {
		t.Deliver(Result{
			Outcome:  OutcomeTimeout,
			Kind:     KindTimeout,
			Message:  "server shut down before task could run",
			Duration: time.Since(t.SubmittedAt),
		})
	}

	s.inflight.Wait()
	s.log.Infof("drain complete")
}

// poke nudges the dispatch loop without blocking.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		if !s.dispatchQueued() {
			return
		}
	}
}

// dispatchQueued drains the queue head-first until the queue is empty
// or the scheduler is stopping. Returns false when the loop should exit.
func (s *Scheduler) dispatchQueued() bool {
	for {
		select {
		case <-s.stop:
			return false
		default:
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return true
		}
		head := s.queue[0]
		s.mu.Unlock()

		// Expired while waiting for capacity: resolve without dispatch.
		if time.Now().After(head.Deadline) {
			s.popHead(head)
			r := Result{
				Outcome:  OutcomeTimeout,
				Kind:     KindTimeout,
				Message:  "task expired while queued",
				Duration: time.Since(head.SubmittedAt),
			}
			head.Deliver(r)
			if s.hooks.TaskFinished != nil {
				s.hooks.TaskFinished(head, r)
			}
			continue
		}

		// Dispatch is coupled to the acquire: no handle, no dispatch.
		acqCtx, cancel := context.WithDeadline(s.baseCtx, head.Deadline)
		h, err := s.pool.Acquire(acqCtx)
		cancel()
		if err != nil {
			if err == browser.ErrClosed || s.baseCtx.Err() != nil {
				return false
			}
			// Busy or deadline pressure; the head stays queued and the
			// expiry check above decides its fate next iteration.
			continue
		}

		// Pop and count as executing atomically so admission accounting
		// never undercounts the task in between.
		s.mu.Lock()
		if len(s.queue) > 0 && s.queue[0] == head {
			s.queue = s.queue[1:]
		}
		s.executing++
		s.mu.Unlock()
		s.inflight.Add(1)
		if s.hooks.TaskStarted != nil {
			s.hooks.TaskStarted(head)
		}

		go func(t *Task, h *browser.Handle) {
			defer s.inflight.Done()
			r := s.exec.Execute(s.baseCtx, t, h)
			t.Deliver(r)

			s.mu.Lock()
			s.executing--
			s.mu.Unlock()
			if s.hooks.TaskFinished != nil {
				s.hooks.TaskFinished(t, r)
			}
			s.poke()
		}(head, h)
	}
}

// popHead removes the task from the queue front. Only the dispatch
// loop pops, so head identity is stable between peek and pop.
func (s *Scheduler) popHead(t *Task) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == t {
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()
}
