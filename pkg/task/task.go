// Package task contains the serving core of browserd: the Task and
// Result model, the Executor that runs one payload against a leased
// browser handle under a hard deadline, and the Scheduler that admits,
// queues and dispatches tasks against pool capacity.
package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/google/uuid"
)

// Payload is the opaque automation work a task carries. The scheduler,
// executor and pool never look inside it; only the gateway boundary
// knows the concrete schema.
type Payload interface {
	Run(ctx context.Context, h *browser.Handle) (json.RawMessage, error)
}

// Outcome is the terminal disposition of a task.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Result is the single terminal outcome of an admitted task.
type Result struct {
	TaskID   string
	Outcome  Outcome
	Data     json.RawMessage
	Kind     Kind
	Message  string
	Duration time.Duration
}

// Task is one admitted unit of automation work. Immutable after
// creation except for result delivery, which happens exactly once.
type Task struct {
	ID          string
	Payload     Payload
	SubmittedAt time.Time
	Deadline    time.Time

	deliverOnce sync.Once
	result      chan Result
}

// NewTask stamps a payload with identity and deadline. The deadline
// clock starts at admission, not at dispatch.
func NewTask(p Payload, timeout time.Duration) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.New().String(),
		Payload:     p,
		SubmittedAt: now,
		Deadline:    now.Add(timeout),
		result:      make(chan Result, 1),
	}
}

// Deliver records the task's terminal result. The channel is buffered
// so delivery never blocks on an absent listener; extra calls are
// dropped so a result is delivered at most once.
func (t *Task) Deliver(r Result) {
	t.deliverOnce.Do(func() {
		r.TaskID = t.ID
		t.result <- r
	})
}

// Wait blocks until the task's result is available or ctx is done.
// An abandoned wait (client disconnect) does not cancel execution; the
// result is simply discarded.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
