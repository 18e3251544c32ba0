package task

import "fmt"

// Kind classifies every terminal task error the server can produce.
type Kind string

const (
	// KindOverloaded means admission was refused because queue and
	// capacity are exhausted. The client should retry later.
	KindOverloaded Kind = "overloaded"

	// KindTimeout means the task exceeded its deadline. The handle it
	// ran on is suspected unhealthy and recycled.
	KindTimeout Kind = "timeout"

	// KindEngineFailure means the browser crashed or disconnected
	// mid-task. The handle is discarded.
	KindEngineFailure Kind = "engine_failure"

	// KindTaskFailure means the payload itself was bad (malformed
	// instructions, failing selector). The handle is preserved.
	KindTaskFailure Kind = "task_failure"

	// KindSpawnFailure means a browser process could not be started.
	// Never surfaced to task callers directly; it shows up as reduced
	// capacity until the supervisor restores the pool.
	KindSpawnFailure Kind = "spawn_failure"
)

// Error is a classified task error. The Kind decides both the HTTP
// encoding at the gateway and whether the executing handle is poisoned.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError marks an error as payload-level: the handle stays healthy.
func NewTaskError(format string, v ...interface{}) *Error {
	return &Error{Kind: KindTaskFailure, Message: fmt.Sprintf(format, v...)}
}

// NewEngineError marks an error as engine-level: the handle is poisoned.
func NewEngineError(format string, v ...interface{}) *Error {
	return &Error{Kind: KindEngineFailure, Message: fmt.Sprintf(format, v...)}
}

// ErrOverloaded is returned by Submit when the server is at admission
// capacity. A deliberate backpressure signal, not a fault.
var ErrOverloaded = &Error{Kind: KindOverloaded, Message: "task queue at capacity, retry later"}
