package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/browser"
)

// fakeInstance stands in for a live browser process.
type fakeInstance struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeInstance) Page() playwright.Page { return nil }

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInstance) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeInstance
	delay    time.Duration
}

func (f *fakeLauncher) Launch(ctx context.Context) (browser.Instance, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inst := &fakeInstance{}
	f.mu.Lock()
	f.launched = append(f.launched, inst)
	f.mu.Unlock()
	return inst, nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

// fakePayload simulates automation work. A non-zero hang ignores ctx,
// imitating a browser engine that does not honor cancellation.
type fakePayload struct {
	data     string
	err      error
	hang     time.Duration
	panicMsg string
}

func (p *fakePayload) Run(ctx context.Context, h *browser.Handle) (json.RawMessage, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.hang > 0 {
		time.Sleep(p.hang)
	}
	if p.err != nil {
		return nil, p.err
	}
	return json.RawMessage(`{"value":"` + p.data + `"}`), nil
}

func newTestPool(t *testing.T, capacity int) (*browser.Pool, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	pool, err := browser.NewPool(launcher, browser.Options{
		Capacity:       capacity,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(time.Second) })
	return pool, launcher
}

func TestExecutor_Success(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	tk := NewTask(&fakePayload{data: "ok"}, time.Second)
	r := exec.Execute(context.Background(), tk, h)

	assert.Equal(t, OutcomeSuccess, r.Outcome)
	assert.JSONEq(t, `{"value":"ok"}`, string(r.Data))

	// Handle returned healthy and reusable.
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
}

func TestExecutor_TaskFailurePreservesHandle(t *testing.T) {
	pool, launcher := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	tk := NewTask(&fakePayload{err: NewTaskError("no element matches selector %q", "#missing")}, time.Second)
	r := exec.Execute(context.Background(), tk, h)

	assert.Equal(t, OutcomeFailure, r.Outcome)
	assert.Equal(t, KindTaskFailure, r.Kind)
	assert.Contains(t, r.Message, "#missing")

	assert.Equal(t, 1, pool.Stats().Idle, "task-level error must not poison the handle")
	assert.False(t, launcher.launched[0].isClosed())
}

func TestExecutor_EngineFailureDiscardsHandle(t *testing.T) {
	pool, launcher := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	tk := NewTask(&fakePayload{err: NewEngineError("browser has been closed")}, time.Second)
	r := exec.Execute(context.Background(), tk, h)

	assert.Equal(t, OutcomeFailure, r.Outcome)
	assert.Equal(t, KindEngineFailure, r.Kind)

	assert.Equal(t, 0, pool.Stats().Live)
	assert.Eventually(t, func() bool {
		return launcher.launched[0].isClosed()
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_UnclassifiedErrorIsTaskFailure(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	tk := NewTask(&fakePayload{err: errors.New("something odd")}, time.Second)
	r := exec.Execute(context.Background(), tk, h)

	assert.Equal(t, KindTaskFailure, r.Kind)
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestExecutor_TimeoutForcesAbort(t *testing.T) {
	pool, launcher := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// The payload hangs for 500ms ignoring cancellation; the executor
	// must return at the 50ms deadline anyway.
	tk := NewTask(&fakePayload{hang: 500 * time.Millisecond}, 50*time.Millisecond)
	start := time.Now()
	r := exec.Execute(context.Background(), tk, h)
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeTimeout, r.Outcome)
	assert.Equal(t, KindTimeout, r.Kind)
	assert.Less(t, elapsed, 250*time.Millisecond, "timeout must not wait for the hung engine call")

	// The suspect handle is recycled, never returned to the idle set.
	assert.Equal(t, 0, pool.Stats().Live)
	assert.Eventually(t, func() bool {
		return launcher.launched[0].isClosed()
	}, time.Second, 10*time.Millisecond)
}

func TestExecutor_PayloadPanicReleasesHandle(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	exec := NewExecutor(pool, nil)

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	tk := NewTask(&fakePayload{panicMsg: "boom"}, time.Second)
	r := exec.Execute(context.Background(), tk, h)

	assert.Equal(t, OutcomeFailure, r.Outcome)
	assert.Equal(t, KindEngineFailure, r.Kind)
	assert.Contains(t, r.Message, "boom")
	assert.Equal(t, 0, pool.Stats().Leased, "handle must be released on panic")
}

func TestTask_DeliverExactlyOnce(t *testing.T) {
	tk := NewTask(&fakePayload{}, time.Second)
	tk.Deliver(Result{Outcome: OutcomeSuccess})
	tk.Deliver(Result{Outcome: OutcomeFailure})

	r, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, r.Outcome)
	assert.Equal(t, tk.ID, r.TaskID)

	// No second result is ever delivered.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tk.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
