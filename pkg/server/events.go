package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/task"
)

// Event is one entry on the observer stream. Events are advisory: a
// slow subscriber loses events rather than slowing the server down.
type Event struct {
	Type       string    `json:"type"` // admitted, started, finished, rejected
	TaskID     string    `json:"task_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	maxReadLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventHub fans task lifecycle events out to WebSocket subscribers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	log  *logging.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(log *logging.Logger) *EventHub {
	if log == nil {
		log = logging.NewLogger("events")
	}
	return &EventHub{
		subs: make(map[chan Event]struct{}),
		log:  log,
	}
}

// Publish delivers an event to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (h *EventHub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// handleEvents upgrades the connection and streams events until the
// client goes away.
func (h *EventHub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)
	h.log.Debugf("event subscriber connected from %s", r.RemoteAddr)

	// Read loop only services control frames and detects disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SchedulerHooks returns scheduler callbacks that publish lifecycle
// events on the hub.
func (h *EventHub) SchedulerHooks() task.Hooks {
	return task.Hooks{
		TaskAdmitted: func(t *task.Task) {
			h.Publish(Event{Type: "admitted", TaskID: t.ID})
		},
		TaskStarted: func(t *task.Task) {
			h.Publish(Event{Type: "started", TaskID: t.ID})
		},
		TaskFinished: func(t *task.Task, r task.Result) {
			h.Publish(Event{
				Type:       "finished",
				TaskID:     t.ID,
				Outcome:    string(r.Outcome),
				Kind:       string(r.Kind),
				DurationMs: r.Duration.Milliseconds(),
			})
		},
		TaskRejected: func() {
			h.Publish(Event{Type: "rejected"})
		},
	}
}
