// Package playwright implements the browser driver ports over headless
// Chromium. All portal specifics (URLs, selectors, phase scripts) live in
// this adapter's configuration; the core never sees them.
package playwright

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pw "github.com/playwright-community/playwright-go"

	"github.com/formbridge/formbridge/internal/domain/driver"
)

// Default viewport matches the portal's desktop layout.
const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 720
)

// PhaseScript describes how one workflow phase maps onto the portal's DOM.
type PhaseScript struct {
	// Path, when set, is navigated to (relative to BaseURL) before filling.
	Path string
	// Submit is the selector of the phase's submit control.
	Submit string
	// ErrorSelector matches per-field validation errors; each match must
	// carry a data-field attribute naming the rejected field.
	ErrorSelector string
	// FatalSelector, when present on the page after submit, classifies the
	// failure as non-retriable (e.g. "no such appointment slot exists").
	FatalSelector string
	// Extract maps output names to selectors whose text is collected after
	// a successful submit.
	Extract map[string]string
}

// Config holds the portal-specific automation settings.
type Config struct {
	// BaseURL is the portal root, e.g. "https://portal.example.gov".
	BaseURL string
	// Headless launches Chromium without a display. Default true in prod.
	Headless bool
	// InstallBrowsers runs the playwright browser download on Start.
	InstallBrowsers bool
	// Selectors maps workflow field names to input selectors.
	Selectors map[string]string
	// AuthExpiredSelector matches the portal's logged-out signature.
	AuthExpiredSelector string
	// Phases maps phase ids to their DOM scripts.
	Phases map[string]PhaseScript
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// handle is one launched browser with its own context and page.
type handle struct {
	id      string
	browser pw.Browser
	page    pw.Page
}

// ID implements driver.Handle.
func (h *handle) ID() string { return h.id }

// Driver implements driver.Factory and driver.FormDriver.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pw      *pw.Playwright
	handles map[string]*handle
}

// New creates a Driver. Call Start before the first Create.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg,
		logger:  cfg.Logger,
		handles: make(map[string]*handle),
	}
}

// Start boots the shared playwright runtime. Idempotent.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return nil
	}
	opts := &pw.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if d.cfg.InstallBrowsers {
		if err := pw.Install(opts); err != nil {
			return fmt.Errorf("install playwright browsers: %w", err)
		}
	}
	runtime, err := pw.Run(opts)
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	d.pw = runtime
	return nil
}

// Stop destroys all remaining handles and shuts the runtime down.
func (d *Driver) Stop() error {
	d.mu.Lock()
	remaining := make([]*handle, 0, len(d.handles))
	for _, h := range d.handles {
		remaining = append(remaining, h)
	}
	d.handles = make(map[string]*handle)
	runtime := d.pw
	d.pw = nil
	d.mu.Unlock()

	for _, h := range remaining {
		closeHandle(h)
	}
	if runtime != nil {
		return runtime.Stop()
	}
	return nil
}

// Create launches a fresh Chromium instance with its own browser context.
func (d *Driver) Create(ctx context.Context) (driver.Handle, error) {
	d.mu.Lock()
	runtime := d.pw
	d.mu.Unlock()
	if runtime == nil {
		return nil, fmt.Errorf("playwright runtime not started")
	}

	browser, err := runtime.Chromium.Launch(pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(d.cfg.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	bctx, err := browser.NewContext(pw.BrowserNewContextOptions{
		Viewport: &pw.Size{Width: defaultViewportWidth, Height: defaultViewportHeight},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	h := &handle{
		id:      uuid.NewString(),
		browser: browser,
		page:    page,
	}
	d.mu.Lock()
	d.handles[h.id] = h
	d.mu.Unlock()
	d.logger.Debug("browser handle created", "handle_id", h.id)
	return h, nil
}

// Destroy tears a handle down. Idempotent; unknown handles are ignored
// (they may already have been reconciled as orphans).
func (d *Driver) Destroy(ctx context.Context, dh driver.Handle) error {
	d.mu.Lock()
	h, ok := d.handles[dh.ID()]
	if ok {
		delete(d.handles, dh.ID())
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	closeHandle(h)
	d.logger.Debug("browser handle destroyed", "handle_id", h.id)
	return nil
}

// Probe reports whether the browser still responds. A page that cannot
// answer a title query before ctx expires counts as dead.
func (d *Driver) Probe(ctx context.Context, dh driver.Handle) bool {
	d.mu.Lock()
	h, ok := d.handles[dh.ID()]
	d.mu.Unlock()
	if !ok {
		return false
	}

	done := make(chan bool, 1)
	go func() {
		_, err := h.page.Title()
		done <- err == nil && h.browser.IsConnected()
	}()
	select {
	case <-ctx.Done():
		return false
	case alive := <-done:
		return alive
	}
}

// List enumerates every handle the driver currently tracks.
func (d *Driver) List(ctx context.Context) []driver.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.Handle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, h)
	}
	return out
}

func (d *Driver) lookup(id string) (*handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[id]
	return h, ok
}

func closeHandle(h *handle) {
	// Close the browser last; page and context hang off it.
	if h.page != nil {
		_ = h.page.Close()
	}
	if h.browser != nil {
		_ = h.browser.Close()
	}
}

// Compile-time interface verification.
var _ driver.Factory = (*Driver)(nil)
