package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Instance is one live headless browser with an isolated context and a
// ready page. Instances are heavyweight: launching one starts an OS
// process, and Close terminates it.
type Instance interface {
	// Page returns the instance's active page.
	Page() playwright.Page

	// Close terminates the underlying browser process. Closing an
	// instance aborts any in-flight engine call against its page.
	Close() error
}

// Launcher starts new browser instances. The pool holds exactly one
// Launcher and never talks to the engine runtime directly.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// EngineOptions configures the Playwright runtime and the browsers it
// launches.
type EngineOptions struct {
	// Headless controls whether browsers run without a visible window.
	Headless bool

	// ViewportWidth and ViewportHeight set the context viewport.
	ViewportWidth  int
	ViewportHeight int

	// DefaultTimeout is the default per-operation timeout applied to
	// every page.
	DefaultTimeout time.Duration
}

// Engine wraps the Playwright runtime and launches Chromium instances.
// It implements Launcher.
type Engine struct {
	pw   *playwright.Playwright
	opts EngineOptions
}

// StartEngine installs (if needed) and starts the Playwright runtime.
// Driver output is discarded so it cannot interleave with server logs.
func StartEngine(opts EngineOptions) (*Engine, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Engine{pw: pw, opts: opts}, nil
}

// Launch starts one Chromium instance with an isolated context and a
// single page. The ctx only gates the start of the launch; Playwright's
// own launch timeout bounds the rest.
func (e *Engine) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if e.opts.DefaultTimeout > 0 {
		page.SetDefaultTimeout(float64(e.opts.DefaultTimeout.Milliseconds()))
	}

	return &engineInstance{
		browser: browser,
		context: browserCtx,
		page:    page,
	}, nil
}

// Stop shuts down the Playwright runtime. All instances must be closed
// before calling Stop.
func (e *Engine) Stop() error {
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type engineInstance struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func (i *engineInstance) Page() playwright.Page {
	return i.page
}

func (i *engineInstance) Close() error {
	// Ignore page/context errors, continue cleanup; the browser close is
	// what actually terminates the process.
	_ = i.page.Close()
	_ = i.context.Close()
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
