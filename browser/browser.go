// Package browser provides the engine bootstrap layer using go-rod. It owns
// the shared Chromium handle and allocates the browsing surfaces that
// webpage controllers drive.
package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Options holds engine launch configuration.
type Options struct {
	// Headless determines whether the engine runs without a visible window.
	Headless bool

	// ControlURL attaches to an already running engine instead of launching
	// one. When set, launch flags are ignored.
	ControlURL string

	// UserDataDir is the profile directory. Empty means a temporary profile.
	UserDataDir string

	// WindowWidth and WindowHeight size the engine window. Zero values fall
	// back to 1280x800.
	WindowWidth  int
	WindowHeight int

	// ExtraFlags are additional command line switches, keyed by flag name
	// without the leading dashes.
	ExtraFlags map[string]string

	// Logger receives engine lifecycle logs. Nil means no logging.
	Logger *zap.Logger
}

// Browser wraps a rod browser handle shared by all page controllers.
type Browser struct {
	rod        *rod.Browser
	launcher   *launcher.Launcher
	log        *zap.Logger
	controlURL string

	mu     sync.Mutex
	closed bool
}

// New creates an unconnected browser wrapper.
func New(opts Options) *Browser {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Browser{log: log, launcher: buildLauncher(opts), controlURL: opts.ControlURL}
}

// Connect creates a browser wrapper and connects it in one step.
func Connect(opts Options) (*Browser, error) {
	b := New(opts)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// buildLauncher translates Options into a rod launcher.
func buildLauncher(opts Options) *launcher.Launcher {
	if opts.ControlURL != "" {
		return nil
	}

	w, h := opts.WindowWidth, opts.WindowHeight
	if w <= 0 || h <= 0 {
		w, h = 1280, 800
	}

	l := launcher.New().
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-hang-monitor").
		Set("disable-popup-blocking").
		Set("disable-prompt-on-repost").
		Set("disable-sync").
		Set("disable-translate").
		Set("metrics-recording-only").
		Set("window-size", fmt.Sprintf("%d,%d", w, h)).
		Headless(opts.Headless)

	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	for k, v := range opts.ExtraFlags {
		l = l.Set(flags.Flag(k), v)
	}
	return l
}

// Connect launches (or attaches to) the engine and connects the CDP client.
func (b *Browser) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("browser is closed")
	}
	if b.rod != nil {
		return nil
	}

	controlURL := b.controlURL
	if controlURL == "" {
		u, err := b.launcher.Launch()
		if err != nil {
			return fmt.Errorf("failed to launch engine: %w", err)
		}
		controlURL = u
	}

	client := rod.New().ControlURL(controlURL)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to engine: %w", err)
	}

	b.rod = client
	b.log.Info("engine connected", zap.String("control_url", controlURL))
	return nil
}

// NewSurface allocates a blank browsing surface.
func (b *Browser) NewSurface() (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rod == nil {
		return nil, fmt.Errorf("browser is not connected")
	}

	page, err := b.rod.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create browsing surface: %w", err)
	}
	return page, nil
}

// SurfaceFromTarget adopts an engine-created target (a popup) as a browsing
// surface, waiting up to timeout for the attach to complete.
func (b *Browser) SurfaceFromTarget(targetID proto.TargetTargetID, timeout time.Duration) (*rod.Page, error) {
	b.mu.Lock()
	client := b.rod
	b.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("browser is not connected")
	}

	type result struct {
		page *rod.Page
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := client.PageFromTarget(targetID)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to adopt target %s: %w", targetID, r.err)
		}
		return r.page, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out adopting target %s after %s", targetID, timeout)
	}
}

// Client returns the underlying rod browser for event subscription.
func (b *Browser) Client() *rod.Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rod
}

// Close shuts down the engine and releases the profile.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.rod != nil {
		err = b.rod.Close()
		b.rod = nil
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	b.log.Info("engine closed")
	return err
}
