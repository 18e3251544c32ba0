// Package browser manages live headless browser instances: launching
// them through Playwright, wrapping each in a Handle, and lending
// handles out of a bounded Pool.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/logging"
)

var (
	// ErrBusy is returned by Acquire when no handle became available
	// within the acquire timeout. It is a backpressure signal, not a
	// fault: callers are expected to retry later.
	ErrBusy = errors.New("browser pool: no handle available")

	// ErrClosed is returned once the pool has been shut down.
	ErrClosed = errors.New("browser pool: closed")

	// ErrSpawnFailed wraps launcher errors during warm-up/replenishment.
	ErrSpawnFailed = errors.New("browser pool: failed to spawn browser")
)

// Hooks are optional callbacks for observing pool activity, used to
// wire metrics without the pool depending on a metrics backend.
type Hooks struct {
	HandleSpawned func()
	HandleRetired func()
}

// Options configures a Pool.
type Options struct {
	// Capacity is the maximum number of live handles.
	Capacity int

	// AcquireTimeout bounds how long Acquire waits before ErrBusy.
	AcquireTimeout time.Duration

	// RecycleAfterUses retires a handle after this many leases.
	// Zero disables use-based recycling.
	RecycleAfterUses int

	Logger *logging.Logger
	Hooks  Hooks
}

// Pool owns a bounded set of browser handles. It is the single point of
// mutable shared state over handles: every state transition happens
// under its lock, exactly one executor holds a leased handle at a time,
// and at most one browser spawn is in flight at any moment.
type Pool struct {
	launcher         Launcher
	capacity         int
	acquireTimeout   time.Duration
	recycleAfterUses int
	log              *logging.Logger
	hooks            Hooks

	mu       sync.Mutex
	handles  map[string]*Handle // all idle and leased handles
	idle     []*Handle          // FIFO of idle handles
	waiters  []*waiter          // FIFO of blocked Acquire calls
	spawning bool
	closed   bool
}

type waiter struct {
	ch chan *Handle
}

// NewPool creates a pool backed by the given launcher. No handles are
// spawned until the first Acquire or EnsureMin.
func NewPool(launcher Launcher, opts Options) (*Pool, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be at least 1, got %d", opts.Capacity)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("pool")
	}

	return &Pool{
		launcher:         launcher,
		capacity:         opts.Capacity,
		acquireTimeout:   opts.AcquireTimeout,
		recycleAfterUses: opts.RecycleAfterUses,
		log:              log,
		hooks:            opts.Hooks,
		handles:          make(map[string]*Handle),
	}, nil
}

// Acquire leases a handle, blocking until one is idle, a fresh one is
// spawned, the acquire timeout elapses (ErrBusy), or ctx is done.
// Acquisition latency is bimodal: fast when idle handles exist, slow
// when a cold spawn is needed.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.leaseLocked(h)
		p.mu.Unlock()
		return h, nil
	}

	w := &waiter{ch: make(chan *Handle, 1)}
	p.waiters = append(p.waiters, w)
	p.maybeSpawnLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case h, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return h, nil
	case <-timer.C:
		if h := p.cancelWait(w); h != nil {
			return h, nil
		}
		return nil, ErrBusy
	case <-ctx.Done():
		if h := p.cancelWait(w); h != nil {
			return h, nil
		}
		return nil, ctx.Err()
	}
}

// cancelWait removes a waiter after a timeout or cancellation. A handle
// delivered concurrently with the cancellation is returned to the
// caller rather than dropped.
func (p *Pool) cancelWait(w *waiter) *Handle {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case h, ok := <-w.ch:
		if !ok {
			return nil
		}
		return h
	default:
		return nil
	}
}

// Release returns a leased handle to the pool. Unhealthy handles are
// removed permanently and their browser process is terminated without
// blocking the caller; handles past the recycle threshold are retired
// the same way. Healthy handles go to the oldest waiter or back to the
// idle set.
func (p *Pool) Release(h *Handle, healthy bool) {
	p.mu.Lock()
	if h.state != StateLeased {
		p.mu.Unlock()
		return
	}
	h.lastUsedAt = time.Now()

	if p.closed {
		p.retireLocked(h, "pool closed")
		p.mu.Unlock()
		return
	}
	if !healthy {
		p.retireLocked(h, "released unhealthy")
		p.maybeSpawnLocked()
		p.mu.Unlock()
		return
	}
	if p.recycleAfterUses > 0 && h.useCount >= p.recycleAfterUses {
		p.retireLocked(h, fmt.Sprintf("recycled after %d uses", h.useCount))
		p.maybeSpawnLocked()
		p.mu.Unlock()
		return
	}

	h.state = StateIdle
	p.deliverLocked(h)
	p.mu.Unlock()
}

// Sweep retires idle handles that have been unused for longer than
// olderThan or that crossed the recycle threshold while idle. Returns
// the number of handles retired.
func (p *Pool) Sweep(olderThan time.Duration) int {
	p.mu.Lock()
	now := time.Now()
	retired := 0
	keep := p.idle[:0]
	for _, h := range p.idle {
		stale := now.Sub(h.lastUsedAt) > olderThan
		overused := p.recycleAfterUses > 0 && h.useCount >= p.recycleAfterUses
		if stale || overused {
			p.retireLocked(h, "swept")
			retired++
			continue
		}
		keep = append(keep, h)
	}
	p.idle = keep
	p.mu.Unlock()
	return retired
}

// EnsureMin spawns handles until at least n are idle or the pool is at
// capacity. Spawns are sequential, honoring the one-spawn-in-flight
// limit shared with demand spawning. A launcher error is returned as
// ErrSpawnFailed so the caller can back off and retry.
func (p *Pool) EnsureMin(ctx context.Context, n int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.idle) >= n || len(p.handles) >= p.capacity {
			p.mu.Unlock()
			return nil
		}
		if p.spawning {
			// A demand spawn is in flight; let it land first.
			p.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.spawning = true
		p.mu.Unlock()

		inst, err := p.launcher.Launch(ctx)

		p.mu.Lock()
		p.spawning = false
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		if p.closed {
			p.mu.Unlock()
			inst.Close()
			return ErrClosed
		}
		h := newHandle(inst)
		p.handles[h.ID] = h
		p.deliverLocked(h)
		live := len(p.handles)
		p.mu.Unlock()

		if p.hooks.HandleSpawned != nil {
			p.hooks.HandleSpawned()
		}
		p.log.Debugf("spawned handle %s (live=%d/%d)", h.ID, live, p.capacity)
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity int  `json:"capacity"`
	Live     int  `json:"live"`
	Idle     int  `json:"idle"`
	Leased   int  `json:"leased"`
	Spawning bool `json:"spawning"`
}

// Stats returns the current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Live:     len(p.handles),
		Idle:     len(p.idle),
		Leased:   len(p.handles) - len(p.idle),
		Spawning: p.spawning,
	}
}

// Close shuts the pool down: pending Acquire calls fail with ErrClosed,
// idle handles are terminated immediately, and leased handles get up to
// grace to be released before their browsers are force-terminated.
func (p *Pool) Close(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	for _, h := range idle {
		h.state = StateUnhealthy
		delete(p.handles, h.ID)
	}
	p.mu.Unlock()

	for _, h := range idle {
		p.closeHandle(h)
	}

	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		if len(p.handles) == 0 {
			p.mu.Unlock()
			return
		}
		if time.Now().After(deadline) {
			var remaining []*Handle
			for id, h := range p.handles {
				h.state = StateUnhealthy
				delete(p.handles, id)
				remaining = append(remaining, h)
			}
			p.mu.Unlock()
			for _, h := range remaining {
				p.log.Warnf("force-terminating leased handle %s at shutdown", h.ID)
				p.closeHandle(h)
			}
			return
		}
		p.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
}

// leaseLocked transitions a handle to Leased. Caller holds p.mu.
func (p *Pool) leaseLocked(h *Handle) {
	h.state = StateLeased
	h.useCount++
	h.lastUsedAt = time.Now()
}

// deliverLocked hands an idle handle to the oldest waiter, or parks it
// in the idle set if nobody is waiting. Caller holds p.mu.
func (p *Pool) deliverLocked(h *Handle) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leaseLocked(h)
		w.ch <- h
		return
	}
	h.state = StateIdle
	p.idle = append(p.idle, h)
}

// retireLocked removes a handle from the pool and schedules its browser
// process for termination off the caller's goroutine. Caller holds p.mu.
func (p *Pool) retireLocked(h *Handle, reason string) {
	h.state = StateUnhealthy
	delete(p.handles, h.ID)
	p.log.Debugf("retiring handle %s: %s", h.ID, reason)
	go p.closeHandle(h)
}

// closeHandle terminates a handle's browser process and marks it Closed.
func (p *Pool) closeHandle(h *Handle) {
	if err := h.instance.Close(); err != nil {
		p.log.Warnf("error closing handle %s: %v", h.ID, err)
	}
	p.mu.Lock()
	h.state = StateClosed
	p.mu.Unlock()
	if p.hooks.HandleRetired != nil {
		p.hooks.HandleRetired()
	}
}

// maybeSpawnLocked starts an asynchronous spawn when somebody is
// waiting, capacity remains, and no spawn is already in flight. Caller
// holds p.mu.
func (p *Pool) maybeSpawnLocked() {
	if p.closed || p.spawning {
		return
	}
	if len(p.handles) >= p.capacity || len(p.waiters) == 0 {
		return
	}
	p.spawning = true
	go p.spawn()
}

// spawn launches one browser instance and delivers it. On failure the
// error is logged and waiters are left to time out with ErrBusy; the
// supervisor restores capacity with backoff via EnsureMin.
func (p *Pool) spawn() {
	inst, err := p.launcher.Launch(context.Background())

	p.mu.Lock()
	p.spawning = false
	if err != nil {
		p.mu.Unlock()
		p.log.Errorf("browser spawn failed: %v", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		inst.Close()
		return
	}
	h := newHandle(inst)
	p.handles[h.ID] = h
	p.deliverLocked(h)
	live := len(p.handles)
	p.maybeSpawnLocked()
	p.mu.Unlock()

	if p.hooks.HandleSpawned != nil {
		p.hooks.HandleSpawned()
	}
	p.log.Debugf("spawned handle %s (live=%d/%d)", h.ID, live, p.capacity)
}
