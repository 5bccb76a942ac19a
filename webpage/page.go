package webpage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/vmeurisse/slimerjs/browser"
)

// Options configures a new page controller.
type Options struct {
	// Settings are the initial controller settings.
	Settings Settings

	// Logger receives controller and bridge logs. Nil means no logging.
	Logger *zap.Logger

	// FocusBudget overrides the focused-frame resolution budget.
	FocusBudget time.Duration

	// PopupWait overrides how long popup interception waits for child
	// surface construction.
	PopupWait time.Duration

	// LibraryPath is the fallback directory for InjectJS.
	LibraryPath string
}

// Page is a controller for one browsing surface. All operations are safe
// for concurrent use; callbacks are delivered one at a time.
type Page struct {
	mu   sync.Mutex
	cbMu sync.Mutex

	log     *zap.Logger
	engine  *browser.Browser
	surface *rod.Page

	state       State
	settings    Settings
	snapshot    Settings
	framePath   []FrameSelector
	clip        *ClipRect
	viewport    ViewportSize
	zoom        float64
	libraryPath string

	sandboxes *sandboxCache
	bridge    *bridge
	cb        callbacks

	children   []*Page
	childMu    sync.Mutex
	popupStop  context.CancelFunc
	exposeStop func() error

	focusBudget time.Duration
	popupWait   time.Duration

	// Engine call seams, bound to the surface on attach. Tests replace
	// them to exercise controller logic without an engine.
	treeFetch     func() (*proto.PageFrameTree, error)
	createWorld   func(frameID proto.PageFrameID) (proto.RuntimeExecutionContextID, error)
	evalInContext func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error)
	evalAwaited   func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error)
	navigate      func(url string) error
	applyConfig   func(s Settings) error
	capture       func(req *proto.PageCaptureScreenshot) ([]byte, error)
	dispatchKey   func(ev *proto.InputDispatchKeyEvent) error
	dispatchMouse func(ev *proto.InputDispatchMouseEvent) error
	focusSurface  func() error
}

// New creates an unopened page controller backed by the given engine.
func New(engine *browser.Browser, opts Options) *Page {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	focusBudget := opts.FocusBudget
	if focusBudget <= 0 {
		focusBudget = DefaultFocusBudget
	}
	popupWait := opts.PopupWait
	if popupWait <= 0 {
		popupWait = DefaultPopupWait
	}
	settings := opts.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}

	return &Page{
		log:         log,
		engine:      engine,
		state:       StateUnopened,
		settings:    settings,
		zoom:        1,
		libraryPath: opts.LibraryPath,
		sandboxes:   newSandboxCache(),
		focusBudget: focusBudget,
		popupWait:   popupWait,
	}
}

// State returns the controller lifecycle state.
func (p *Page) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open navigates the browsing surface to url, allocating the surface on
// first use. It blocks until the terminal load event and returns the
// navigation status. While a surface already exists the same surface is
// re-navigated and the same events bridge is reused. The optional callback
// fires with the status before Open returns.
func (p *Page) Open(ctx context.Context, url string, cb func(Status)) (Status, error) {
	p.mu.Lock()

	if p.state == StateClosed {
		p.mu.Unlock()
		return StatusFail, ErrPageNotOpen
	}

	if p.surface == nil {
		if err := p.allocateSurface(); err != nil {
			p.mu.Unlock()
			return StatusFail, err
		}
		p.state = StateOpening
	}

	// Configuration is snapshotted only when loading begins; later
	// mutation has no retroactive effect on this navigation.
	p.snapshot = p.settings
	if err := p.applyConfig(p.snapshot); err != nil {
		p.mu.Unlock()
		return StatusFail, fmt.Errorf("failed to apply settings: %w", err)
	}

	result := p.bridge.expectNavigation(url)
	timeout := p.snapshot.LoadTimeout
	p.mu.Unlock()

	if err := p.navigate(url); err != nil {
		// A navigation attempt rejected because the surface is locked is a
		// benign engine race and is absorbed; the pending result settles
		// through the usual load events or the caller's context.
		if !isLockedNavigation(err) {
			p.bridge.cancelNavigation()
			return StatusFail, fmt.Errorf("failed to navigate: %w", err)
		}
		p.log.Debug("locked navigation discarded", zap.String("url", url))
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var status Status
	select {
	case status = <-result:
	case <-waitCtx.Done():
		p.bridge.cancelNavigation()
		return StatusFail, waitCtx.Err()
	}

	p.mu.Lock()
	if p.state == StateOpening {
		p.state = StateOpen
	}
	p.mu.Unlock()

	if cb != nil {
		cb(status)
	}
	return status, nil
}

// allocateSurface creates the browsing surface, binds the engine seams and
// starts the events bridge and popup interception. Callers hold the mutex.
func (p *Page) allocateSurface() error {
	surface, err := p.engine.NewSurface()
	if err != nil {
		return err
	}
	p.adoptSurface(surface)
	return nil
}

// adoptSurface binds an existing surface (created here or by popup
// interception) to this controller.
func (p *Page) adoptSurface(surface *rod.Page) {
	p.surface = surface
	p.bindSeams(surface)
	p.bridge = newBridge(p, surface)
	p.bridge.attach()
	p.startPopupInterception()
	p.installCallbackBridge()
}

// bindSeams wires the engine call seams to a live surface.
func (p *Page) bindSeams(surface *rod.Page) {
	p.treeFetch = func() (*proto.PageFrameTree, error) {
		res, err := proto.PageGetFrameTree{}.Call(surface)
		if err != nil {
			return nil, err
		}
		return res.FrameTree, nil
	}
	p.createWorld = func(frameID proto.PageFrameID) (proto.RuntimeExecutionContextID, error) {
		res, err := proto.PageCreateIsolatedWorld{
			FrameID:   frameID,
			WorldName: sandboxWorldName,
		}.Call(surface)
		if err != nil {
			return 0, err
		}
		return res.ExecutionContextID, nil
	}
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return evalOnSurface(surface, expr, ctxID, false)
	}
	p.evalAwaited = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return evalOnSurface(surface, expr, ctxID, true)
	}
	p.navigate = surface.Navigate
	p.applyConfig = func(s Settings) error {
		return applySettings(surface, s)
	}
	p.capture = func(req *proto.PageCaptureScreenshot) ([]byte, error) {
		return surface.Screenshot(false, req)
	}
	p.dispatchKey = func(ev *proto.InputDispatchKeyEvent) error {
		return ev.Call(surface)
	}
	p.dispatchMouse = func(ev *proto.InputDispatchMouseEvent) error {
		return ev.Call(surface)
	}
	p.focusSurface = func() error {
		return proto.PageBringToFront{}.Call(surface)
	}
}

// evalOnSurface runs one Runtime.evaluate round trip and normalizes thrown
// failures into *EvalError. A zero context ID targets the top document's
// default world.
func evalOnSurface(surface *rod.Page, expr string, ctxID proto.RuntimeExecutionContextID, await bool) (json.RawMessage, error) {
	req := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
		AwaitPromise:  await,
		ContextID:     ctxID,
	}
	res, err := req.Call(surface)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, normalizeException(res.ExceptionDetails)
	}
	if res.Result == nil {
		return nil, nil
	}
	data, err := json.Marshal(res.Result.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode evaluation result: %w", err)
	}
	return data, nil
}

// normalizeException converts engine exception details to an *EvalError.
func normalizeException(details *proto.RuntimeExceptionDetails) *EvalError {
	msg := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		msg = details.Exception.Description
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
	}

	var stack []StackFrame
	if details.StackTrace != nil {
		for _, frame := range details.StackTrace.CallFrames {
			stack = append(stack, StackFrame{
				File:     frame.URL,
				Line:     frame.LineNumber + 1,
				Function: frame.FunctionName,
			})
		}
	}
	if stack == nil {
		stack = []StackFrame{{File: details.URL, Line: details.LineNumber + 1}}
	}
	return &EvalError{Message: msg, Stack: stack}
}

// isLockedNavigation reports whether a navigation error is the engine
// refusing a load because another navigation holds the surface.
func isLockedNavigation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "navigation is locked") ||
		strings.Contains(msg, "Navigation is locked")
}

// Close releases the browsing surface. Listener registrations are removed
// first, then the closing notification fires with this controller, then
// the surface is detached and released. The sandbox cache and frame path
// are cleared unconditionally. Closing an already closed controller is a
// no-op. Children spawned by popup interception are not closed.
func (p *Page) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	surface := p.surface
	p.surface = nil
	bridge := p.bridge
	popupStop := p.popupStop
	exposeStop := p.exposeStop
	p.popupStop = nil
	p.exposeStop = nil
	p.mu.Unlock()

	if bridge != nil {
		bridge.detach()
	}
	if popupStop != nil {
		popupStop()
	}

	if fn := p.handlers().closing; fn != nil {
		fn(p)
	}

	if exposeStop != nil {
		_ = exposeStop()
	}
	if surface != nil {
		if err := surface.Close(); err != nil {
			p.log.Debug("surface close failed", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.sandboxes.invalidate()
	p.framePath = nil
	p.mu.Unlock()

	p.log.Debug("page closed")
}

// Reload reloads the current document.
func (p *Page) Reload() error {
	surface, err := p.openSurface()
	if err != nil {
		return err
	}
	return proto.PageReload{}.Call(surface)
}

// Stop aborts the current load.
func (p *Page) Stop() error {
	surface, err := p.openSurface()
	if err != nil {
		return err
	}
	return proto.PageStopLoading{}.Call(surface)
}

// Go moves delta steps through the session history.
func (p *Page) Go(delta int) error {
	surface, err := p.openSurface()
	if err != nil {
		return err
	}

	history, err := proto.PageGetNavigationHistory{}.Call(surface)
	if err != nil {
		return fmt.Errorf("failed to read navigation history: %w", err)
	}
	index := history.CurrentIndex + delta
	if index < 0 || index >= len(history.Entries) {
		return usageErrorf("go", "history entry %d out of range", index)
	}
	return proto.PageNavigateToHistoryEntry{EntryID: history.Entries[index].ID}.Call(surface)
}

// GoBack moves one step back through the session history.
func (p *Page) GoBack() error { return p.Go(-1) }

// GoForward moves one step forward through the session history.
func (p *Page) GoForward() error { return p.Go(1) }

// openSurface returns the live surface or ErrPageNotOpen.
func (p *Page) openSurface() (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpen || p.surface == nil {
		return nil, ErrPageNotOpen
	}
	return p.surface, nil
}

// mainFrameID returns the surface's top frame ID, or empty while no
// surface exists.
func (p *Page) mainFrameID() proto.PageFrameID {
	if p.surface == nil {
		return ""
	}
	return p.surface.FrameID
}

// URL returns the current top document address.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridge == nil {
		return ""
	}
	return p.bridge.currentURL()
}

// Title returns the top document title.
func (p *Page) Title() (string, error) {
	return p.stringAccessor("", "function() { return document.title; }")
}

// Content returns the serialized markup of the top document.
func (p *Page) Content() (string, error) {
	return p.stringAccessor("", contentJS)
}

// PlainText returns the rendered text of the top document.
func (p *Page) PlainText() (string, error) {
	return p.stringAccessor("", plainTextJS)
}

// FrameURL returns the address of the frame the frame path points at.
func (p *Page) FrameURL() (string, error) {
	return p.frameStringAccessor("function() { return document.location.href; }")
}

// FrameTitle returns the title of the current frame document.
func (p *Page) FrameTitle() (string, error) {
	return p.frameStringAccessor("function() { return document.title; }")
}

// FrameContent returns the serialized markup of the current frame.
func (p *Page) FrameContent() (string, error) {
	return p.frameStringAccessor(contentJS)
}

// FramePlainText returns the rendered text of the current frame.
func (p *Page) FramePlainText() (string, error) {
	return p.frameStringAccessor(plainTextJS)
}

const contentJS = `function() {
	var doctype = '';
	if (document.doctype) {
		doctype = '<!DOCTYPE ' + document.doctype.name + '>\n';
	}
	return doctype + document.documentElement.outerHTML;
}`

const plainTextJS = `function() {
	return document.body ? document.body.innerText : '';
}`

func (p *Page) stringAccessor(frameID proto.PageFrameID, fn string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpen {
		return "", ErrPageNotOpen
	}
	raw, err := p.evalMainWorld(frameID, fn)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("unexpected accessor result: %w", err)
	}
	return s, nil
}

func (p *Page) frameStringAccessor(fn string) (string, error) {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return "", ErrPageNotOpen
	}
	frameID, err := p.currentFrameID()
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return p.stringAccessor(frameID, fn)
}

// SetContent replaces the top document markup. A non-empty url becomes the
// reported address where the engine allows it (same-origin replaceState).
func (p *Page) SetContent(html, url string) error {
	surface, err := p.openSurface()
	if err != nil {
		return err
	}
	if err := (proto.PageSetDocumentContent{
		FrameID: surface.FrameID,
		HTML:    html,
	}).Call(surface); err != nil {
		return fmt.Errorf("failed to set content: %w", err)
	}

	if url != "" {
		p.mu.Lock()
		_, evalErr := p.evalMainWorld("", "function(u) { try { history.replaceState(null, '', u); } catch (e) {} }", url)
		p.mu.Unlock()
		if evalErr != nil {
			p.log.Debug("address update after setContent failed", zap.Error(evalErr))
		}
	}
	return nil
}

// ViewportSize returns the configured viewport size.
func (p *Page) ViewportSize() ViewportSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// SetViewportSize resizes the browsing surface viewport.
func (p *Page) SetViewportSize(size ViewportSize) error {
	if size.Width <= 0 || size.Height <= 0 {
		return usageErrorf("viewportSize", "dimensions must be positive, got %dx%d", size.Width, size.Height)
	}

	surface, err := p.openSurface()
	if err != nil {
		return err
	}
	if err := surface.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             size.Width,
		Height:            size.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	p.mu.Lock()
	p.viewport = size
	p.mu.Unlock()
	return nil
}

// ZoomFactor returns the current zoom factor.
func (p *Page) ZoomFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zoom
}

// SetZoomFactor scales the rendered page.
func (p *Page) SetZoomFactor(factor float64) error {
	if factor <= 0 {
		return usageErrorf("zoomFactor", "factor must be positive, got %v", factor)
	}

	surface, err := p.openSurface()
	if err != nil {
		return err
	}
	if err := (proto.EmulationSetPageScaleFactor{PageScaleFactor: factor}).Call(surface); err != nil {
		return fmt.Errorf("failed to set zoom factor: %w", err)
	}

	p.mu.Lock()
	p.zoom = factor
	p.mu.Unlock()
	return nil
}

// Children returns the controllers spawned for this page's popups.
func (p *Page) Children() []*Page {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	out := make([]*Page, len(p.children))
	copy(out, p.children)
	return out
}

// installCallbackBridge exposes the host-callable bridge function inside
// the page. Content calls window.callPhantom(value); the registered
// OnCallback handler's return value (or error) round-trips back into the
// calling page. The exposed callable survives navigations.
func (p *Page) installCallbackBridge() {
	stop, err := p.surface.Expose("callPhantom", func(payload gson.JSON) (interface{}, error) {
		fn := p.handlers().callback
		if fn == nil {
			return nil, nil
		}
		return fn(payload.Val())
	})
	if err != nil {
		p.log.Debug("callback bridge unavailable", zap.Error(err))
		return
	}
	p.exposeStop = stop
}
