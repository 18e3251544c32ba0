// Package server is the HTTP gateway of browserd. It decodes script
// submissions, forwards them to the scheduler, waits for the single
// terminal result and encodes it, mapping the error taxonomy onto
// status codes. It also serves health, status and an event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/script"
	"github.com/entrhq/browserd/pkg/task"
)

// maxRequestBody caps submission size.
const maxRequestBody = 1 << 20

// waitOverhead is how much longer than the task deadline the gateway
// waits for a result before giving up on the response. Results always
// arrive by the deadline plus executor teardown; the margin covers
// scheduling jitter.
const waitOverhead = 10 * time.Second

// Submitter admits payloads into the serving core. Satisfied by
// *task.Scheduler; a narrow interface so handler tests can stub it.
type Submitter interface {
	SubmitWithTimeout(p task.Payload, timeout time.Duration) (*task.Task, error)
	Queued() int
	Executing() int
}

// StatsSource exposes pool occupancy for the status endpoint.
// Satisfied by *browser.Pool.
type StatsSource interface {
	Stats() browser.Stats
}

// Options configures the gateway.
type Options struct {
	Policy      *script.Policy
	TaskTimeout time.Duration
	QueueDepth  int
	Version     string
	Logger      *logging.Logger
}

// Server is the HTTP gateway.
type Server struct {
	submitter Submitter
	pool      StatsSource
	hub       *EventHub
	policy    *script.Policy

	taskTimeout time.Duration
	queueDepth  int
	version     string
	log         *logging.Logger

	ready     atomic.Bool
	startTime time.Time
}

// New builds a gateway over the given scheduler and pool. The hub may
// be nil to disable the event stream endpoint.
func New(submitter Submitter, pool StatsSource, hub *EventHub, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("server")
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}

	return &Server{
		submitter:   submitter,
		pool:        pool,
		hub:         hub,
		policy:      opts.Policy,
		taskTimeout: opts.TaskTimeout,
		queueDepth:  opts.QueueDepth,
		version:     opts.Version,
		log:         log,
		startTime:   time.Now(),
	}
}

// SetReady flips the health endpoint. The supervisor calls this after
// warmup completes and again when shutdown begins.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the routed handler, wrapped with request telemetry.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	if s.hub != nil {
		mux.HandleFunc("/v1/events", s.hub.handleEvents)
	}
	return otelhttp.NewHandler(mux, "browserd")
}

type taskRequest struct {
	Steps []script.Step `json:"steps"`

	// TimeoutMs optionally tightens the task deadline. It can only
	// lower the configured timeout, never raise it.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

type taskResponse struct {
	TaskID     string          `json:"task_id"`
	Outcome    string          `json:"outcome"`
	DurationMs int64           `json:"duration_ms"`
	Data       json.RawMessage `json:"data,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "task_failure", "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "task_failure", "failed to read request body")
		return
	}

	var req taskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "task_failure", "invalid request body: "+err.Error())
		return
	}

	payload, err := script.New(req.Steps, s.policy)
	if err != nil {
		var te *task.Error
		if errors.As(err, &te) {
			s.writeError(w, http.StatusBadRequest, string(te.Kind), te.Message)
			return
		}
		s.writeError(w, http.StatusBadRequest, "task_failure", err.Error())
		return
	}

	if req.TimeoutMs < 0 {
		s.writeError(w, http.StatusBadRequest, "task_failure", "timeout_ms must not be negative")
		return
	}

	t, err := s.submitter.SubmitWithTimeout(payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		var te *task.Error
		if errors.As(err, &te) && te.Kind == task.KindOverloaded {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusServiceUnavailable, string(te.Kind), te.Message)
			return
		}
		s.log.Errorf("submit failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "task_failure", "submission failed")
		return
	}

	// The result always arrives: the scheduler resolves every admitted
	// task. The wait deadline is a backstop, not the task deadline.
	// Deriving from the request context frees the handler when the
	// client disconnects; execution continues and the result is
	// discarded.
	ctx, cancel := context.WithTimeout(r.Context(), s.taskTimeout+waitOverhead)
	defer cancel()

	result, err := t.Wait(ctx)
	if err != nil {
		s.log.Warnf("wait for task %s abandoned: %v", t.ID, err)
		s.writeError(w, http.StatusGatewayTimeout, "timeout", "result not available in time")
		return
	}

	s.writeResult(w, result)
}

func (s *Server) writeResult(w http.ResponseWriter, result task.Result) {
	resp := taskResponse{
		TaskID:     result.TaskID,
		Outcome:    string(result.Outcome),
		DurationMs: result.Duration.Milliseconds(),
		Data:       result.Data,
		Kind:       string(result.Kind),
		Message:    result.Message,
	}

	status := http.StatusOK
	switch result.Outcome {
	case task.OutcomeSuccess:
		status = http.StatusOK
	case task.OutcomeTimeout:
		status = http.StatusGatewayTimeout
	case task.OutcomeFailure:
		if result.Kind == task.KindEngineFailure {
			status = http.StatusBadGateway
		} else {
			status = http.StatusUnprocessableEntity
		}
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "browserd",
		"version": s.version,
		"endpoints": []string{
			"POST /v1/tasks",
			"GET /v1/events",
			"GET /healthz",
			"GET /status",
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the live occupancy snapshot served at /status.
type statusResponse struct {
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Ready     bool          `json:"ready"`
	Pool      browser.Stats `json:"pool"`
	Queued    int           `json:"queued"`
	Executing int           `json:"executing"`
	QueueCap  int           `json:"queue_capacity"`
	Observers int           `json:"observers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:  s.version,
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
		Ready:    s.ready.Load(),
		QueueCap: s.queueDepth,
	}
	if s.pool != nil {
		resp.Pool = s.pool.Stats()
	}
	if s.submitter != nil {
		resp.Queued = s.submitter.Queued()
		resp.Executing = s.submitter.Executing()
	}
	if s.hub != nil {
		resp.Observers = s.hub.Subscribers()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("failed to encode response: %v", err)
	}
}
