package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/logging"
)

// Executor runs one task against a leased browser handle, enforcing the
// task's deadline and deciding the handle's health on release.
type Executor struct {
	pool *browser.Pool
	log  *logging.Logger
}

// NewExecutor creates an executor releasing handles back to pool.
func NewExecutor(pool *browser.Pool, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.NewLogger("executor")
	}
	return &Executor{pool: pool, log: log}
}

type payloadResult struct {
	data []byte
	err  error
}

// Execute runs the task's payload against the handle under the task's
// deadline. The handle is released on every exit path:
//
//   - success: released healthy
//   - task-level failure (bad selector, bad script): released healthy
//   - engine-level failure (crash, disconnect): released unhealthy
//   - deadline expiry: released unhealthy; the pool force-terminates
//     the browser process, which aborts the hung engine call. Browser
//     engines cannot be assumed to honor cooperative cancellation.
//   - payload panic: released unhealthy
func (e *Executor) Execute(ctx context.Context, t *Task, h *browser.Handle) Result {
	start := time.Now()

	runCtx, cancel := context.WithDeadline(ctx, t.Deadline)
	defer cancel()

	// Buffered so the payload goroutine can always complete and exit,
	// even after a timeout abandoned it.
	done := make(chan payloadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- payloadResult{err: NewEngineError("payload panic: %v", r)}
			}
		}()
		data, err := t.Payload.Run(runCtx, h)
		done <- payloadResult{data: data, err: err}
	}()

	select {
	case <-runCtx.Done():
		// Forced abort: invalidating the handle terminates the browser
		// process underneath the still-running payload goroutine.
		e.pool.Release(h, false)
		e.log.Warnf("task %s timed out after %v, recycling handle %s", t.ID, time.Since(start), h.ID)
		return Result{
			Outcome:  OutcomeTimeout,
			Kind:     KindTimeout,
			Message:  fmt.Sprintf("task exceeded deadline of %v", t.Deadline.Sub(t.SubmittedAt)),
			Duration: time.Since(start),
		}

	case pr := <-done:
		if pr.err != nil {
			kind := KindTaskFailure
			var te *Error
			if errors.As(pr.err, &te) {
				kind = te.Kind
			}
			healthy := kind != KindEngineFailure
			e.pool.Release(h, healthy)
			if !healthy {
				e.log.Warnf("task %s hit engine failure, discarding handle %s: %v", t.ID, h.ID, pr.err)
			}
			return Result{
				Outcome:  OutcomeFailure,
				Kind:     kind,
				Message:  pr.err.Error(),
				Duration: time.Since(start),
			}
		}

		e.pool.Release(h, true)
		return Result{
			Outcome:  OutcomeSuccess,
			Data:     pr.data,
			Duration: time.Since(start),
		}
	}
}
