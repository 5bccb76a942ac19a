package webpage

// callbacks is the set of single-slot event handlers of one controller.
// Each slot holds at most one handler; registering again replaces it and
// registering nil clears it. Slots have their own mutex so the bridge can
// read them while a page operation holds the main mutex.
type callbacks struct {
	initialized         func()
	loadStarted         func(url string, isFrame bool)
	loadFinished        func(status Status, url string, isFrame bool)
	urlChanged          func(url string)
	resourceRequested   func(req ResourceRequest)
	resourceReceived    func(res ResourceResponse)
	consoleMessage      func(message string, line int, file string)
	pageError           func(message string, stack []StackFrame)
	alert               func(message string)
	confirm             func(message string) bool
	prompt              func(message string, defaultValue string) string
	callback            func(value interface{}) (interface{}, error)
	pageCreated         func(child *Page)
	closing             func(p *Page)
	navigationRequested func(url string, navType NavigationType, willNavigate bool, isMainFrame bool)
}

// OnInitialized registers the handler fired when the surface becomes ready,
// and again after each completed content load.
func (p *Page) OnInitialized(fn func()) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.initialized = fn
}

// OnLoadStarted registers the handler fired when a navigation begins.
func (p *Page) OnLoadStarted(fn func(url string, isFrame bool)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.loadStarted = fn
}

// OnLoadFinished registers the handler fired when a navigation settles.
func (p *Page) OnLoadFinished(fn func(status Status, url string, isFrame bool)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.loadFinished = fn
}

// OnURLChanged registers the handler fired when the address changes.
func (p *Page) OnURLChanged(fn func(url string)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.urlChanged = fn
}

// OnResourceRequested registers the per-request handler.
func (p *Page) OnResourceRequested(fn func(req ResourceRequest)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.resourceRequested = fn
}

// OnResourceReceived registers the per-response handler. It also receives
// the synthetic empty response emitted for a failed content load.
func (p *Page) OnResourceReceived(fn func(res ResourceResponse)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.resourceReceived = fn
}

// OnConsoleMessage registers the handler for content console calls.
func (p *Page) OnConsoleMessage(fn func(message string, line int, file string)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.consoleMessage = fn
}

// OnError registers the handler for uncaught content errors and evaluation
// failures. While registered, Evaluate routes failures here instead of
// returning them.
func (p *Page) OnError(fn func(message string, stack []StackFrame)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.pageError = fn
}

// OnAlert registers the handler for content alert dialogs.
func (p *Page) OnAlert(fn func(message string)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.alert = fn
}

// OnConfirm registers the handler for content confirm dialogs. The return
// value accepts or dismisses the dialog; without a handler the dialog is
// dismissed.
func (p *Page) OnConfirm(fn func(message string) bool) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.confirm = fn
}

// OnPrompt registers the handler for content prompt dialogs. The returned
// string is submitted as the prompt answer.
func (p *Page) OnPrompt(fn func(message, defaultValue string) string) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.prompt = fn
}

// OnCallback registers the handler invoked when content calls the injected
// host bridge. The handler's return value (or error) round-trips back into
// the calling page.
func (p *Page) OnCallback(fn func(value interface{}) (interface{}, error)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.callback = fn
}

// OnPageCreated registers the handler receiving controllers spawned by
// popup interception.
func (p *Page) OnPageCreated(fn func(child *Page)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.pageCreated = fn
}

// OnClosing registers the handler fired with this controller when Close
// begins.
func (p *Page) OnClosing(fn func(p *Page)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.closing = fn
}

// OnNavigationRequested registers the handler observing intercepted
// navigation requests.
func (p *Page) OnNavigationRequested(fn func(url string, navType NavigationType, willNavigate, isMainFrame bool)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cb.navigationRequested = fn
}

// handlers returns a snapshot of the registered callback slots for the
// events bridge. Slots may change between snapshot and invocation; the
// last registration wins.
func (p *Page) handlers() callbacks {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	return p.cb
}
