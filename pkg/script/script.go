// Package script defines the automation payload browserd accepts: a
// validated list of page-driving steps. Scripts are decoded and
// validated at the gateway boundary; below it the serving core treats
// them as opaque payloads.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/task"
)

// Step kinds.
const (
	KindNavigate = "navigate"
	KindClick    = "click"
	KindFill     = "fill"
	KindWait     = "wait"
	KindEvaluate = "evaluate"
	KindExtract  = "extract"
)

// Extract formats.
const (
	FormatText  = "text"
	FormatHTML  = "html"
	FormatTitle = "title"
)

// DefaultMaxExtractLength caps extracted content per step (characters).
const DefaultMaxExtractLength = 10000

// Step is one page-driving instruction.
type Step struct {
	Kind string `json:"kind"`

	// navigate
	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"wait_until,omitempty"` // load, domcontentloaded, networkidle

	// click, fill, wait, extract
	Selector string `json:"selector,omitempty"`

	// fill
	Value string `json:"value,omitempty"`

	// click
	Button     string `json:"button,omitempty"` // left, right, middle
	ClickCount int    `json:"click_count,omitempty"`

	// wait
	State string `json:"state,omitempty"` // attached, detached, visible, hidden

	// evaluate
	Expression string `json:"expression,omitempty"`

	// extract
	Format string `json:"format,omitempty"` // text, html, title

	// TimeoutMs overrides the page default timeout for this step.
	TimeoutMs float64 `json:"timeout_ms,omitempty"`
}

// Script is a validated sequence of steps. It implements task.Payload.
type Script struct {
	steps      []Step
	policy     *Policy
	maxExtract int
}

// StepOutput is the per-step result included in a script's output.
type StepOutput struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// Output is the JSON data a successful script run produces.
type Output struct {
	Steps []StepOutput `json:"steps"`
	URL   string       `json:"url"`
}

// Parse decodes and validates a step list. Validation errors are
// task-level: the request is bad, not the server or the browser.
func Parse(data []byte, policy *Policy) (*Script, error) {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, task.NewTaskError("invalid script: %v", err)
	}
	return New(steps, policy)
}

// New validates a step list and builds a Script.
func New(steps []Step, policy *Policy) (*Script, error) {
	if len(steps) == 0 {
		return nil, task.NewTaskError("script has no steps")
	}
	if policy == nil {
		policy = &Policy{}
	}

	for i, step := range steps {
		if err := validateStep(i, step); err != nil {
			return nil, err
		}
	}

	return &Script{
		steps:      steps,
		policy:     policy,
		maxExtract: DefaultMaxExtractLength,
	}, nil
}

func validateStep(i int, step Step) error {
	switch step.Kind {
	case KindNavigate:
		if step.URL == "" {
			return task.NewTaskError("step %d: navigate requires url", i)
		}
		switch step.WaitUntil {
		case "", "load", "domcontentloaded", "networkidle":
		default:
			return task.NewTaskError("step %d: invalid wait_until %q", i, step.WaitUntil)
		}
	case KindClick:
		if step.Selector == "" {
			return task.NewTaskError("step %d: click requires selector", i)
		}
		switch step.Button {
		case "", "left", "right", "middle":
		default:
			return task.NewTaskError("step %d: invalid button %q", i, step.Button)
		}
	case KindFill:
		if step.Selector == "" {
			return task.NewTaskError("step %d: fill requires selector", i)
		}
	case KindWait:
		if step.Selector == "" {
			return task.NewTaskError("step %d: wait requires selector", i)
		}
		switch step.State {
		case "", "attached", "detached", "visible", "hidden":
		default:
			return task.NewTaskError("step %d: invalid state %q", i, step.State)
		}
	case KindEvaluate:
		if step.Expression == "" {
			return task.NewTaskError("step %d: evaluate requires expression", i)
		}
	case KindExtract:
		switch step.Format {
		case "", FormatText, FormatHTML, FormatTitle:
		default:
			return task.NewTaskError("step %d: invalid format %q", i, step.Format)
		}
	case "":
		return task.NewTaskError("step %d: missing kind", i)
	default:
		return task.NewTaskError("step %d: unknown kind %q", i, step.Kind)
	}
	return nil
}

// Steps returns the script's step count.
func (s *Script) Steps() int {
	return len(s.steps)
}

// Run executes the steps in order against the handle's page. The first
// failing step aborts the run; engine-level errors are reported as
// such so the executor can discard the handle.
func (s *Script) Run(ctx context.Context, h *browser.Handle) (json.RawMessage, error) {
	page := h.Page()
	out := Output{Steps: make([]StepOutput, 0, len(s.steps))}

	for i, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := s.runStep(page, step)
		if err != nil {
			return nil, classifyStepError(i, step.Kind, err)
		}
		out.Steps = append(out.Steps, StepOutput{Index: i, Kind: step.Kind, Value: value})
	}

	out.URL = page.URL()
	data, err := json.Marshal(out)
	if err != nil {
		return nil, task.NewTaskError("failed to encode script output: %v", err)
	}
	return data, nil
}

func (s *Script) runStep(page playwright.Page, step Step) (string, error) {
	switch step.Kind {
	case KindNavigate:
		return s.navigate(page, step)
	case KindClick:
		return "", s.click(page, step)
	case KindFill:
		return "", s.fill(page, step)
	case KindWait:
		return "", s.wait(page, step)
	case KindEvaluate:
		return s.evaluate(page, step)
	case KindExtract:
		return s.extract(page, step)
	default:
		// Unreachable after validation.
		return "", fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (s *Script) navigate(page playwright.Page, step Step) (string, error) {
	if !s.policy.Allows(step.URL) {
		return "", task.NewTaskError("navigation to %q denied by url policy", step.URL)
	}

	opts := playwright.PageGotoOptions{}
	if step.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(step.WaitUntil)
		opts.WaitUntil = &waitUntil
	}
	if step.TimeoutMs > 0 {
		opts.Timeout = &step.TimeoutMs
	}

	if _, err := page.Goto(step.URL, opts); err != nil {
		return "", fmt.Errorf("navigation failed: %w", err)
	}
	return page.URL(), nil
}

func (s *Script) click(page playwright.Page, step Step) error {
	opts := playwright.PageClickOptions{}
	if step.Button != "" {
		button := playwright.MouseButton(step.Button)
		opts.Button = &button
	}
	if step.ClickCount > 0 {
		opts.ClickCount = &step.ClickCount
	}
	if step.TimeoutMs > 0 {
		opts.Timeout = &step.TimeoutMs
	}

	if err := page.Click(step.Selector, opts); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (s *Script) fill(page playwright.Page, step Step) error {
	opts := playwright.PageFillOptions{}
	if step.TimeoutMs > 0 {
		opts.Timeout = &step.TimeoutMs
	}

	if err := page.Fill(step.Selector, step.Value, opts); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (s *Script) wait(page playwright.Page, step Step) error {
	opts := playwright.PageWaitForSelectorOptions{}
	if step.State != "" {
		state := playwright.WaitForSelectorState(step.State)
		opts.State = &state
	}
	if step.TimeoutMs > 0 {
		opts.Timeout = &step.TimeoutMs
	}

	if _, err := page.WaitForSelector(step.Selector, opts); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

func (s *Script) evaluate(page playwright.Page, step Step) (string, error) {
	result, err := page.Evaluate(step.Expression)
	if err != nil {
		return "", fmt.Errorf("evaluate failed: %w", err)
	}
	if result == nil {
		return "", nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", task.NewTaskError("evaluate result is not JSON-encodable: %v", err)
	}
	return string(encoded), nil
}

func (s *Script) extract(page playwright.Page, step Step) (string, error) {
	format := step.Format
	if format == "" {
		format = FormatText
	}

	switch format {
	case FormatTitle:
		title, err := page.Title()
		if err != nil {
			return "", fmt.Errorf("title extraction failed: %w", err)
		}
		return title, nil

	case FormatText:
		selector := step.Selector
		if selector == "" {
			selector = "body"
		}
		element, err := page.QuerySelector(selector)
		if err != nil {
			return "", fmt.Errorf("selector query failed: %w", err)
		}
		if element == nil {
			return "", task.NewTaskError("no element matches selector %q", selector)
		}
		text, err := element.TextContent()
		if err != nil {
			return "", fmt.Errorf("text extraction failed: %w", err)
		}
		return truncate(strings.TrimSpace(text), s.maxExtract), nil

	case FormatHTML:
		var raw string
		if step.Selector != "" {
			element, err := page.QuerySelector(step.Selector)
			if err != nil {
				return "", fmt.Errorf("selector query failed: %w", err)
			}
			if element == nil {
				return "", task.NewTaskError("no element matches selector %q", step.Selector)
			}
			raw, err = element.InnerHTML()
			if err != nil {
				return "", fmt.Errorf("html extraction failed: %w", err)
			}
		} else {
			var err error
			raw, err = page.Content()
			if err != nil {
				return "", fmt.Errorf("html extraction failed: %w", err)
			}
		}
		cleaned, err := cleanHTML(raw, s.maxExtract)
		if err != nil {
			return "", task.NewTaskError("failed to clean extracted html: %v", err)
		}
		return cleaned, nil

	default:
		return "", task.NewTaskError("unsupported extract format %q", format)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// engineErrorMarkers identify Playwright errors that indicate the
// browser process itself is gone or corrupted, as opposed to a step
// that simply failed against a healthy page.
var engineErrorMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser closed",
	"connection closed",
	"websocket error",
}

func isEngineError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range engineErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyStepError wraps a step failure as a task-level or
// engine-level error. Errors already classified pass through with
// step context attached.
func classifyStepError(i int, kind string, err error) error {
	var te *task.Error
	if errors.As(err, &te) {
		return &task.Error{Kind: te.Kind, Message: fmt.Sprintf("step %d (%s): %s", i, kind, te.Message)}
	}
	if isEngineError(err) {
		return task.NewEngineError("step %d (%s): %v", i, kind, err)
	}
	return task.NewTaskError("step %d (%s): %v", i, kind, err)
}
