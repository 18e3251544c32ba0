// Package supervisor owns the pool's background lifecycle: pre-warming
// handles at startup, sweeping stale idle handles, replenishing after
// retirements, and orchestrating graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/task"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
	warmupAttempts = 5
)

// Options configures a Supervisor.
type Options struct {
	// WarmupCount is the number of idle handles to hold ready. Used
	// both for startup warmup and steady-state replenishment.
	WarmupCount int

	// IdleTTL retires idle handles unused for longer than this.
	IdleTTL time.Duration

	// SweepInterval is how often the maintenance loop runs.
	SweepInterval time.Duration

	Logger *logging.Logger
}

// Supervisor runs the pool's maintenance loop.
type Supervisor struct {
	pool  *browser.Pool
	sched *task.Scheduler

	warmupCount   int
	idleTTL       time.Duration
	sweepInterval time.Duration
	log           *logging.Logger
}

// New builds a Supervisor over the pool and scheduler.
func New(pool *browser.Pool, sched *task.Scheduler, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("supervisor")
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}

	return &Supervisor{
		pool:          pool,
		sched:         sched,
		warmupCount:   opts.WarmupCount,
		idleTTL:       opts.IdleTTL,
		sweepInterval: opts.SweepInterval,
		log:           log,
	}
}

// Warmup pre-spawns handles so early requests skip the cold-start
// spawn. Spawn failures are retried with exponential backoff; the
// error is returned once attempts are exhausted so the caller can
// refuse to serve.
func (s *Supervisor) Warmup(ctx context.Context) error {
	if s.warmupCount <= 0 {
		return nil
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := s.pool.EnsureMin(ctx, s.warmupCount)
		if err == nil {
			s.log.Infof("warmup complete: %d handle(s) ready", s.warmupCount)
			return nil
		}
		if !errors.Is(err, browser.ErrSpawnFailed) {
			return err
		}
		if attempt >= warmupAttempts {
			return err
		}

		s.log.Warnf("warmup attempt %d failed, retrying in %s: %v", attempt, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Run is the maintenance loop: retire idle handles past their TTL and
// replenish toward the warmup floor. Blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if retired := s.pool.Sweep(s.idleTTL); retired > 0 {
				s.log.Infof("swept %d stale handle(s)", retired)
			}
			if s.warmupCount > 0 {
				if err := s.pool.EnsureMin(ctx, s.warmupCount); err != nil {
					if errors.Is(err, browser.ErrClosed) || ctx.Err() != nil {
						return
					}
					s.log.Warnf("replenish failed: %v", err)
				}
			}
		}
	}
}

// Shutdown drains the scheduler, then closes the pool. The grace
// period is shared: time spent waiting for in-flight tasks is no
// longer available for leased handles to come home.
func (s *Supervisor) Shutdown(grace time.Duration) {
	deadline := time.Now().Add(grace)

	s.log.Infof("draining scheduler (grace %s)", grace)
	s.sched.Drain(grace)

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	s.log.Infof("closing pool (remaining grace %s)", remaining.Truncate(time.Millisecond))
	s.pool.Close(remaining)
}
