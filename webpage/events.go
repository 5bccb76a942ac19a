package webpage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// bridge subscribes to the engine's lifecycle, network and console signals
// for one browsing surface and republishes them as the controller's
// normalized callbacks. Exactly one bridge exists per open surface; it is
// reused across re-navigations of the same surface.
type bridge struct {
	page    *Page
	surface *rod.Page
	log     *zap.Logger

	cancel context.CancelFunc

	// emitMu serializes callback delivery so handlers never run
	// concurrently for one controller.
	emitMu sync.Mutex

	mu           sync.Mutex
	url          string
	announced    string
	requestedURL string
	mainFailed   bool
	docRequestID proto.NetworkRequestID
	docURL       string
	pending      chan Status
	contexts     map[proto.PageFrameID]proto.RuntimeExecutionContextID

	// replyDialog answers a content dialog; bound to the surface on attach.
	replyDialog func(accept bool, text string) error
}

func newBridge(p *Page, surface *rod.Page) *bridge {
	b := &bridge{
		page:     p,
		surface:  surface,
		log:      p.log,
		contexts: make(map[proto.PageFrameID]proto.RuntimeExecutionContextID),
	}
	if surface != nil {
		b.replyDialog = func(accept bool, text string) error {
			return proto.PageHandleJavaScriptDialog{Accept: accept, PromptText: text}.Call(surface)
		}
	}
	return b
}

// attach registers the listener set on the surface and fires the initial
// surface-ready notification.
func (b *bridge) attach() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	scoped := b.surface.Context(ctx)

	wait := scoped.EachEvent(
		b.onFrameStartedLoading,
		b.onFrameNavigated,
		b.onFrameStoppedLoading,
		b.onNavigatedWithinDocument,
		b.onLifecycleEvent,
		b.onFrameRequestedNavigation,
		b.onRequestWillBeSent,
		b.onResponseReceived,
		b.onLoadingFailed,
		b.onConsoleAPICalled,
		b.onExceptionThrown,
		b.onDialogOpening,
		b.onWindowOpen,
		b.onContextCreated,
		b.onContextDestroyed,
		b.onContextsCleared,
	)
	go wait()

	b.emitInitialized()
}

// detach unregisters every listener. Safe to call more than once.
func (b *bridge) detach() {
	if b.cancel != nil {
		b.cancel()
	}
}

// expectNavigation registers the single pending navigation result and
// records the announced target address. A navigation superseding an
// unresolved one settles the earlier waiter as failed so it never blocks
// past its replacement.
func (b *bridge) expectNavigation(url string) <-chan Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.pending <- StatusFail
	}
	b.requestedURL = url
	b.pending = make(chan Status, 1)
	return b.pending
}

// cancelNavigation abandons the pending navigation result.
func (b *bridge) cancelNavigation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

func (b *bridge) resolveNavigation(status Status) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if pending != nil {
		pending <- status
	}
}

func (b *bridge) currentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// mainWorldContext returns the page-identity execution context of a frame.
func (b *bridge) mainWorldContext(frameID proto.PageFrameID) (proto.RuntimeExecutionContextID, error) {
	// The context announcement can trail the frame tree; allow it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		b.mu.Lock()
		id, ok := b.contexts[frameID]
		b.mu.Unlock()
		if ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("no execution context for frame %s: %w", frameID, ErrNoSuchFrame)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (b *bridge) isMainFrame(id proto.PageFrameID) bool {
	return b.surface == nil || id == b.surface.FrameID
}

// --- engine event handlers ---

func (b *bridge) onFrameStartedLoading(e *proto.PageFrameStartedLoading) {
	isFrame := !b.isMainFrame(e.FrameID)

	// A replaced document must never run stale contexts.
	b.page.sandboxes.invalidate()

	if isFrame {
		b.emitLoadStarted("", true)
		return
	}

	b.mu.Lock()
	b.mainFailed = false
	announce := b.requestedURL
	if announce == "" {
		announce = b.url
	}
	b.announced = announce
	b.mu.Unlock()

	b.emitURLChanged(announce)
	b.emitLoadStarted(announce, false)
}

func (b *bridge) onFrameNavigated(e *proto.PageFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}
	b.mu.Lock()
	prev := b.announced
	b.url = e.Frame.URL
	b.announced = e.Frame.URL
	b.mu.Unlock()

	// A redirect commits a different address than the one announced when
	// loading began; observers get the final address too.
	if prev != "" && prev != e.Frame.URL {
		b.emitURLChanged(e.Frame.URL)
	}
}

func (b *bridge) onNavigatedWithinDocument(e *proto.PageNavigatedWithinDocument) {
	if !b.isMainFrame(e.FrameID) {
		return
	}
	b.mu.Lock()
	b.url = e.URL
	b.announced = e.URL
	b.mu.Unlock()
	b.page.sandboxes.invalidate()
	b.emitURLChanged(e.URL)
}

func (b *bridge) onLifecycleEvent(e *proto.PageLifecycleEvent) {
	if e.Name == "init" {
		b.page.sandboxes.invalidate()
	}
}

func (b *bridge) onFrameStoppedLoading(e *proto.PageFrameStoppedLoading) {
	b.page.sandboxes.invalidate()

	if !b.isMainFrame(e.FrameID) {
		b.emitLoadFinished(StatusSuccess, "", true)
		return
	}

	b.mu.Lock()
	failed := b.mainFailed
	url := b.url
	b.requestedURL = ""
	b.mu.Unlock()

	status := StatusSuccess
	if failed {
		status = StatusFail
	}

	if status == StatusSuccess {
		b.emitInitialized()
	}
	b.emitLoadFinished(status, url, false)
	b.resolveNavigation(status)
}

func (b *bridge) onFrameRequestedNavigation(e *proto.PageFrameRequestedNavigation) {
	isMain := b.isMainFrame(e.FrameID)
	if isMain {
		b.mu.Lock()
		b.requestedURL = e.URL
		b.mu.Unlock()
	}
	b.emitNavigationRequested(e.URL, navTypeForReason(string(e.Reason)), true, isMain)
}

func (b *bridge) onRequestWillBeSent(e *proto.NetworkRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	if e.Type == proto.NetworkResourceTypeDocument && b.isMainFrame(e.FrameID) {
		b.mu.Lock()
		b.docRequestID = e.RequestID
		b.docURL = e.Request.URL
		b.mu.Unlock()
	}
	b.emitResourceRequested(ResourceRequest{
		ID:      string(e.RequestID),
		URL:     e.Request.URL,
		Method:  e.Request.Method,
		Headers: headerMap(e.Request.Headers),
		Time:    time.Now(),
	})
}

func (b *bridge) onResponseReceived(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}
	b.emitResourceReceived(ResourceResponse{
		ID:          string(e.RequestID),
		URL:         e.Response.URL,
		Status:      e.Response.Status,
		StatusText:  e.Response.StatusText,
		ContentType: e.Response.MIMEType,
		Headers:     headerMap(e.Response.Headers),
		Time:        time.Now(),
	})
}

func (b *bridge) onLoadingFailed(e *proto.NetworkLoadingFailed) {
	b.mu.Lock()
	isDoc := e.RequestID == b.docRequestID && b.docRequestID != ""
	url := b.docURL
	if isDoc {
		b.mainFailed = true
	}
	b.mu.Unlock()

	if !isDoc {
		return
	}
	b.log.Debug("content load failed", zap.String("url", url), zap.String("error", e.ErrorText))

	// Observers detecting completion by matching requests to responses
	// must not be starved: synthesize an empty response for the document.
	b.emitResourceReceived(syntheticFailureResponse(string(e.RequestID), url))
}

// syntheticFailureResponse is the empty response paired with a failed
// content load: no status, no headers, no body.
func syntheticFailureResponse(id, url string) ResourceResponse {
	return ResourceResponse{
		ID:      id,
		URL:     url,
		Headers: map[string]string{},
		Time:    time.Now(),
	}
}

func (b *bridge) onConsoleAPICalled(e *proto.RuntimeConsoleAPICalled) {
	message := formatConsoleArgs(e.Args)
	line := 0
	file := ""
	if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
		top := e.StackTrace.CallFrames[0]
		line = top.LineNumber + 1
		file = top.URL
	}
	b.emitConsoleMessage(message, line, file)
}

func (b *bridge) onExceptionThrown(e *proto.RuntimeExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	evalErr := normalizeException(e.ExceptionDetails)
	b.emitPageError(evalErr.Message, evalErr.Stack)
}

func (b *bridge) onDialogOpening(e *proto.PageJavascriptDialogOpening) {
	h := b.page.handlers()
	accept := false
	text := ""

	switch string(e.Type) {
	case "alert":
		if h.alert != nil {
			b.emitLocked(func() { h.alert(e.Message) })
		}
		accept = true
	case "confirm":
		if h.confirm != nil {
			b.emitLocked(func() { accept = h.confirm(e.Message) })
		}
	case "prompt":
		if h.prompt != nil {
			b.emitLocked(func() { text = h.prompt(e.Message, e.DefaultPrompt) })
			accept = true
		}
	case "beforeunload":
		accept = true
	}

	if b.replyDialog == nil {
		return
	}
	if err := b.replyDialog(accept, text); err != nil {
		b.log.Debug("dialog reply failed", zap.Error(err))
	}
}

// onWindowOpen observes content-initiated window opens. Adoption of the
// new surface happens at the target layer; here the request is only
// surfaced as a navigation announcement for a window this surface does
// not own.
func (b *bridge) onWindowOpen(e *proto.PageWindowOpen) {
	b.log.Debug("window open requested", zap.String("url", e.URL))
	b.emitNavigationRequested(e.URL, NavigationOther, true, false)
}

func (b *bridge) onContextCreated(e *proto.RuntimeExecutionContextCreated) {
	if e.Context == nil {
		return
	}
	aux := e.Context.AuxData
	isDefault, ok := aux["isDefault"]
	if !ok || !isDefault.Bool() {
		return
	}
	frameID := proto.PageFrameID(aux["frameId"].Str())
	if frameID == "" {
		return
	}
	b.mu.Lock()
	b.contexts[frameID] = e.Context.ID
	b.mu.Unlock()
}

func (b *bridge) onContextDestroyed(e *proto.RuntimeExecutionContextDestroyed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for frameID, id := range b.contexts {
		if id == e.ExecutionContextID {
			delete(b.contexts, frameID)
		}
	}
}

func (b *bridge) onContextsCleared(e *proto.RuntimeExecutionContextsCleared) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts = make(map[proto.PageFrameID]proto.RuntimeExecutionContextID)
}

// --- normalized emission ---

func (b *bridge) emitLocked(fn func()) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	fn()
}

func (b *bridge) emitInitialized() {
	if fn := b.page.handlers().initialized; fn != nil {
		b.emitLocked(fn)
	}
}

func (b *bridge) emitLoadStarted(url string, isFrame bool) {
	if fn := b.page.handlers().loadStarted; fn != nil {
		b.emitLocked(func() { fn(url, isFrame) })
	}
}

func (b *bridge) emitLoadFinished(status Status, url string, isFrame bool) {
	if fn := b.page.handlers().loadFinished; fn != nil {
		b.emitLocked(func() { fn(status, url, isFrame) })
	}
}

func (b *bridge) emitURLChanged(url string) {
	if fn := b.page.handlers().urlChanged; fn != nil {
		b.emitLocked(func() { fn(url) })
	}
}

func (b *bridge) emitResourceRequested(req ResourceRequest) {
	if fn := b.page.handlers().resourceRequested; fn != nil {
		b.emitLocked(func() { fn(req) })
	}
}

func (b *bridge) emitResourceReceived(res ResourceResponse) {
	if fn := b.page.handlers().resourceReceived; fn != nil {
		b.emitLocked(func() { fn(res) })
	}
}

func (b *bridge) emitConsoleMessage(message string, line int, file string) {
	if fn := b.page.handlers().consoleMessage; fn != nil {
		b.emitLocked(func() { fn(message, line, file) })
	}
}

func (b *bridge) emitPageError(message string, stack []StackFrame) {
	if fn := b.page.handlers().pageError; fn != nil {
		b.emitLocked(func() { fn(message, stack) })
	}
}

func (b *bridge) emitNavigationRequested(url string, navType NavigationType, willNavigate, isMainFrame bool) {
	if fn := b.page.handlers().navigationRequested; fn != nil {
		b.emitLocked(func() { fn(url, navType, willNavigate, isMainFrame) })
	}
}

// navTypeForReason maps the engine's client navigation reason onto the
// controller's navigation type.
func navTypeForReason(reason string) NavigationType {
	switch reason {
	case "anchorClick":
		return NavigationLinkClicked
	case "formSubmissionGet", "formSubmissionPost":
		return NavigationFormSubmitted
	case "reload":
		return NavigationReload
	case "httpHeaderRefresh", "metaTagRefresh", "scriptInitiated", "pageBlockInterstitial":
		return NavigationOther
	case "":
		return NavigationUndefined
	default:
		return NavigationOther
	}
}

// headerMap flattens engine headers into plain strings.
func headerMap(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}
	return out
}

// formatConsoleArgs renders console call arguments the way the content
// developer would read them.
func formatConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case arg.Type == proto.RuntimeRemoteObjectTypeString:
			parts = append(parts, arg.Value.Str())
		case arg.Value.Val() != nil:
			parts = append(parts, arg.Value.JSON("", ""))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return joinNonEmpty(parts)
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, part := range parts {
		if out != "" {
			out += " "
		}
		out += part
	}
	return out
}
