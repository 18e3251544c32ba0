package browser

import (
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// State is the lifecycle state of a Handle. Transitions happen only
// under the pool's lock: Idle <-> Leased, Leased -> Unhealthy,
// Idle/Unhealthy -> Closed.
type State int

const (
	// StateIdle means the handle is owned by the pool and available.
	StateIdle State = iota

	// StateLeased means exactly one executor owns the handle.
	StateLeased

	// StateUnhealthy means the handle is scheduled for termination and
	// will never be leased again.
	StateUnhealthy

	// StateClosed means the underlying browser process has been
	// terminated.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle wraps one live browser instance. All mutable fields are
// guarded by the owning pool's lock; ID and instance are immutable.
type Handle struct {
	// ID uniquely identifies the handle.
	ID string

	instance   Instance
	state      State
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
}

func newHandle(inst Instance) *Handle {
	now := time.Now()
	return &Handle{
		ID:         uuid.New().String(),
		instance:   inst,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// Page returns the handle's browser page for payload execution.
func (h *Handle) Page() playwright.Page {
	return h.instance.Page()
}

// UseCount returns how many times the handle has been leased.
func (h *Handle) UseCount() int {
	return h.useCount
}
