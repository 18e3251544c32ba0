package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/browser"
)

func newTestScheduler(t *testing.T, capacity, queueDepth int, taskTimeout time.Duration) (*Scheduler, *fakeLauncher) {
	t.Helper()
	pool, launcher := newTestPool(t, capacity)
	exec := NewExecutor(pool, nil)
	sched := NewScheduler(pool, exec, SchedulerOptions{
		Capacity:    capacity,
		QueueDepth:  queueDepth,
		TaskTimeout: taskTimeout,
	})
	sched.Start()
	t.Cleanup(func() { sched.Drain(time.Second) })
	return sched, launcher
}

func TestScheduler_SubmitAndExecute(t *testing.T) {
	sched, _ := newTestScheduler(t, 2, 4, time.Second)

	tk, err := sched.Submit(&fakePayload{data: "done"})
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.NotEmpty(t, tk.ID)

	r, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, r.Outcome)
	assert.Equal(t, tk.ID, r.TaskID)
}

func TestScheduler_SubmitWithTimeoutClampsToDefault(t *testing.T) {
	sched, _ := newTestScheduler(t, 1, 2, 100*time.Millisecond)

	// A request cannot raise the deadline above the configured default.
	tk, err := sched.SubmitWithTimeout(&fakePayload{data: "x"}, time.Hour)
	require.NoError(t, err)
	assert.LessOrEqual(t, tk.Deadline.Sub(tk.SubmittedAt), 100*time.Millisecond)
	_, err = tk.Wait(context.Background())
	require.NoError(t, err)

	// It can tighten it.
	tk, err = sched.SubmitWithTimeout(&fakePayload{data: "x"}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, tk.Deadline.Sub(tk.SubmittedAt), 20*time.Millisecond)
	_, err = tk.Wait(context.Background())
	require.NoError(t, err)
}

func TestScheduler_BackpressureAtCapacity(t *testing.T) {
	// capacity=2, queue_depth=0: of 3 simultaneous submissions exactly
	// 2 are admitted and the 3rd is rejected with Overloaded.
	sched, _ := newTestScheduler(t, 2, 0, time.Second)

	var tasks []*Task
	var overloaded int
	for i := 0; i < 3; i++ {
		tk, err := sched.Submit(&fakePayload{data: "x", hang: 100 * time.Millisecond})
		if err != nil {
			assert.ErrorIs(t, err, ErrOverloaded)
			overloaded++
			continue
		}
		tasks = append(tasks, tk)
	}

	assert.Len(t, tasks, 2)
	assert.Equal(t, 1, overloaded)

	for _, tk := range tasks {
		r, err := tk.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, r.Outcome)
	}
}

func TestScheduler_AdmissionFreedAfterCompletion(t *testing.T) {
	sched, _ := newTestScheduler(t, 1, 0, time.Second)

	t1, err := sched.Submit(&fakePayload{data: "a", hang: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = sched.Submit(&fakePayload{data: "b"})
	assert.ErrorIs(t, err, ErrOverloaded)

	_, err = t1.Wait(context.Background())
	require.NoError(t, err)

	// Capacity is free again once the first task finished.
	assert.Eventually(t, func() bool {
		t3, submitErr := sched.Submit(&fakePayload{data: "c"})
		if submitErr != nil {
			return false
		}
		r, waitErr := t3.Wait(context.Background())
		return waitErr == nil && r.Outcome == OutcomeSuccess
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_ExactlyOneResultPerAdmittedTask(t *testing.T) {
	sched, _ := newTestScheduler(t, 2, 8, time.Second)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan Result, n)

	for i := 0; i < n; i++ {
		tk, err := sched.Submit(&fakePayload{data: "burst", hang: 10 * time.Millisecond})
		require.NoError(t, err)
		wg.Add(1)
		go func(tk *Task) {
			defer wg.Done()
			r, waitErr := tk.Wait(context.Background())
			require.NoError(t, waitErr)
			results <- r
		}(tk)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for r := range results {
		assert.Equal(t, OutcomeSuccess, r.Outcome)
		assert.False(t, seen[r.TaskID], "duplicate result for task %s", r.TaskID)
		seen[r.TaskID] = true
	}
	assert.Len(t, seen, n)
}

// orderedPayload records its start order.
type orderedPayload struct {
	name  string
	order chan string
}

func (p *orderedPayload) Run(ctx context.Context, h *browser.Handle) (json.RawMessage, error) {
	p.order <- p.name
	return json.RawMessage(`{}`), nil
}

func TestScheduler_FIFODispatchOrder(t *testing.T) {
	sched, _ := newTestScheduler(t, 1, 8, time.Second)

	order := make(chan string, 4)
	names := []string{"a", "b", "c", "d"}
	var tasks []*Task
	for _, name := range names {
		tk, err := sched.Submit(&orderedPayload{name: name, order: order})
		require.NoError(t, err)
		tasks = append(tasks, tk)
	}
	for _, tk := range tasks {
		_, err := tk.Wait(context.Background())
		require.NoError(t, err)
	}

	close(order)
	var got []string
	for name := range order {
		got = append(got, name)
	}
	assert.Equal(t, names, got)
}

func TestScheduler_TimeoutRecyclesHandleBeforeNextDispatch(t *testing.T) {
	// capacity=1, task_timeout=50ms, engine operation takes 500ms: the
	// caller gets Timeout at ~50ms and the pool's single handle is
	// recycled before the next task is dispatched.
	sched, launcher := newTestScheduler(t, 1, 2, 50*time.Millisecond)

	start := time.Now()
	t1, err := sched.Submit(&fakePayload{hang: 500 * time.Millisecond})
	require.NoError(t, err)

	r1, err := t1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, r1.Outcome)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	t2, err := sched.Submit(&fakePayload{data: "fresh"})
	require.NoError(t, err)
	r2, err := t2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, r2.Outcome)

	assert.Equal(t, 2, launcher.launchCount(), "second task must run on a fresh handle")
	assert.True(t, launcher.launched[0].isClosed(), "timed-out handle must be terminated")
}

func TestScheduler_DrainStopsAdmission(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)
	sched := NewScheduler(pool, exec, SchedulerOptions{
		Capacity:    1,
		QueueDepth:  2,
		TaskTimeout: time.Second,
	})
	sched.Start()

	tk, err := sched.Submit(&fakePayload{data: "inflight", hang: 50 * time.Millisecond})
	require.NoError(t, err)

	sched.Drain(time.Second)

	// The in-flight task finished with a real result.
	r, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, r.Outcome)

	_, err = sched.Submit(&fakePayload{data: "late"})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestScheduler_DrainResolvesQueuedTasks(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)
	sched := NewScheduler(pool, exec, SchedulerOptions{
		Capacity:    1,
		QueueDepth:  4,
		TaskTimeout: 5 * time.Second,
	})
	sched.Start()

	// Occupy the only handle well past the grace period.
	blocker, err := sched.Submit(&fakePayload{hang: 2 * time.Second})
	require.NoError(t, err)
	queued, err := sched.Submit(&fakePayload{data: "queued"})
	require.NoError(t, err)

	sched.Drain(100 * time.Millisecond)

	// Nothing is silently dropped: both tasks still get a result.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rq, err := queued.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, rq.Outcome)

	rb, err := blocker.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, rb.Outcome)
}
