package scripthost

import (
	"context"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/vmeurisse/slimerjs/webpage"
)

// webpageModule builds the require('webpage') module object with its
// create() factory.
func (h *Host) webpageModule() *goja.Object {
	mod := h.vm.NewObject()
	_ = mod.Set("create", func(call goja.FunctionCall) goja.Value {
		page := webpage.New(h.engine, webpage.Options{
			Logger:      h.log,
			LibraryPath: h.libraryPath,
		})
		return h.wrapPage(page)
	})
	return mod
}

// wrapPage exposes one page controller as a script-facing object.
// Notification callbacks (onLoadFinished and friends) are plain writable
// properties read at delivery time and invoked through the host event
// queue. Callbacks whose return value answers the engine (onConfirm,
// onPrompt, onCallback) are live accessors registering a handler that
// enters the interpreter synchronously.
func (h *Host) wrapPage(page *webpage.Page) *goja.Object {
	obj := h.vm.NewObject()

	// Engine callbacks arrive on bridge goroutines. fire queues the JS
	// callback named by prop, reading the property at delivery time so
	// reassignment between emission and delivery picks up the new one.
	fire := func(prop string, args ...interface{}) {
		h.enqueue(func() {
			fn, ok := goja.AssertFunction(obj.Get(prop))
			if !ok {
				return
			}
			vals := make([]goja.Value, len(args))
			for i, a := range args {
				vals[i] = h.vm.ToValue(a)
			}
			if _, err := fn(obj, vals...); err != nil {
				h.log.Error("callback failed", zap.String("callback", prop), zap.Error(err))
			}
		})
	}

	page.OnInitialized(func() { fire("onInitialized") })
	page.OnLoadStarted(func(url string, isFrame bool) { fire("onLoadStarted", url, isFrame) })
	page.OnLoadFinished(func(status webpage.Status, url string, isFrame bool) {
		fire("onLoadFinished", string(status), url, isFrame)
	})
	page.OnURLChanged(func(url string) { fire("onUrlChanged", url) })
	page.OnResourceRequested(func(req webpage.ResourceRequest) { fire("onResourceRequested", req) })
	page.OnResourceReceived(func(res webpage.ResourceResponse) { fire("onResourceReceived", res) })
	page.OnConsoleMessage(func(msg string, line int, file string) { fire("onConsoleMessage", msg, line, file) })
	page.OnError(func(msg string, stack []webpage.StackFrame) { fire("onError", msg, stack) })
	page.OnAlert(func(msg string) { fire("onAlert", msg) })
	page.OnNavigationRequested(func(url string, navType webpage.NavigationType, willNavigate, isMainFrame bool) {
		fire("onNavigationRequested", url, string(navType), willNavigate, isMainFrame)
	})
	page.OnClosing(func(*webpage.Page) { fire("onClosing", obj) })

	// Dialog answers and host-callable results feed back into the engine,
	// so their handlers cannot be queued. Assignment mirrors the property
	// into a controller registration that enters the interpreter
	// synchronously; clearing it restores the default dismissal.
	h.syncSlot(obj, "onConfirm", func(fn goja.Callable) {
		if fn == nil {
			page.OnConfirm(nil)
			return
		}
		page.OnConfirm(func(msg string) bool {
			accept := false
			h.withVM(func() {
				res, err := fn(obj, h.vm.ToValue(msg))
				if err != nil {
					h.log.Error("callback failed", zap.String("callback", "onConfirm"), zap.Error(err))
					return
				}
				accept = res.ToBoolean()
			})
			return accept
		})
	})
	h.syncSlot(obj, "onPrompt", func(fn goja.Callable) {
		if fn == nil {
			page.OnPrompt(nil)
			return
		}
		page.OnPrompt(func(msg, defaultValue string) string {
			text := ""
			h.withVM(func() {
				res, err := fn(obj, h.vm.ToValue(msg), h.vm.ToValue(defaultValue))
				if err != nil {
					h.log.Error("callback failed", zap.String("callback", "onPrompt"), zap.Error(err))
					return
				}
				if !goja.IsUndefined(res) && !goja.IsNull(res) {
					text = res.String()
				}
			})
			return text
		})
	})
	h.syncSlot(obj, "onCallback", func(fn goja.Callable) {
		if fn == nil {
			page.OnCallback(nil)
			return
		}
		page.OnCallback(func(value interface{}) (interface{}, error) {
			var out interface{}
			var callErr error
			h.withVM(func() {
				res, err := fn(obj, h.vm.ToValue(value))
				if err != nil {
					callErr = err
					return
				}
				out = res.Export()
			})
			return out, callErr
		})
	})
	page.OnPageCreated(func(child *webpage.Page) {
		h.enqueue(func() {
			fn, ok := goja.AssertFunction(obj.Get("onPageCreated"))
			if !ok {
				return
			}
			if _, err := fn(obj, h.wrapPage(child)); err != nil {
				h.log.Error("callback failed", zap.String("callback", "onPageCreated"), zap.Error(err))
			}
		})
	})

	_ = obj.Set("open", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		var cb goja.Callable
		if len(call.Arguments) > 1 {
			cb, _ = goja.AssertFunction(call.Argument(1))
		}
		// open blocks until the load settles; the interpreter is released
		// for the wait and reacquired to run the completion callback
		// inline rather than through the queue.
		var status webpage.Status
		err := h.engineCall(func() error {
			var e error
			status, e = page.Open(context.Background(), url, func(st webpage.Status) {
				if cb == nil {
					return
				}
				h.withVM(func() {
					if _, cerr := cb(obj, h.vm.ToValue(string(st))); cerr != nil {
						h.log.Error("open callback failed", zap.Error(cerr))
					}
				})
			})
			return e
		})
		if err != nil {
			h.log.Error("open failed", zap.Error(err))
		}
		return h.vm.ToValue(string(status))
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		_ = h.engineCall(func() error {
			page.Close()
			return nil
		})
		return goja.Undefined()
	})
	_ = obj.Set("reload", h.voidCall(page.Reload))
	_ = obj.Set("stop", h.voidCall(page.Stop))
	_ = obj.Set("goBack", h.voidCall(page.GoBack))
	_ = obj.Set("goForward", h.voidCall(page.GoForward))
	_ = obj.Set("go", func(call goja.FunctionCall) goja.Value {
		steps := int(call.Argument(0).ToInteger())
		h.report(h.engineCall(func() error { return page.Go(steps) }))
		return goja.Undefined()
	})

	_ = obj.Set("evaluate", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		expr := call.Argument(0).String()
		args := make([]interface{}, 0, len(call.Arguments)-1)
		for _, a := range call.Arguments[1:] {
			args = append(args, a.Export())
		}
		var res interface{}
		err := h.engineCall(func() error {
			var e error
			res, e = page.Evaluate(expr, args...)
			return e
		})
		if err != nil {
			h.report(err)
			return goja.Null()
		}
		return h.vm.ToValue(res)
	})
	_ = obj.Set("evaluateJavaScript", func(call goja.FunctionCall) goja.Value {
		src := call.Argument(0).String()
		var res interface{}
		err := h.engineCall(func() error {
			var e error
			res, e = page.EvaluateJavaScript(src)
			return e
		})
		if err != nil {
			h.report(err)
			return goja.Null()
		}
		return h.vm.ToValue(res)
	})
	_ = obj.Set("evaluateAsync", func(call goja.FunctionCall) goja.Value {
		src := call.Argument(0).String()
		h.report(h.engineCall(func() error { return page.EvaluateAsync(src) }))
		return goja.Undefined()
	})
	_ = obj.Set("injectJs", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		err := h.engineCall(func() error { return page.InjectJS(path) })
		h.report(err)
		return h.vm.ToValue(err == nil)
	})
	_ = obj.Set("includeJs", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		cb, _ := goja.AssertFunction(call.Argument(1))
		h.report(h.engineCall(func() error {
			return page.IncludeJS(url, func(err error) {
				if cb == nil {
					return
				}
				h.enqueue(func() {
					if _, cerr := cb(obj); cerr != nil {
						h.log.Error("includeJs callback failed", zap.Error(cerr))
					}
				})
			})
		}))
		return goja.Undefined()
	})

	_ = obj.Set("render", func(call goja.FunctionCall) goja.Value {
		ratio := 1.0
		if len(call.Arguments) > 1 {
			ratio = call.Argument(1).ToFloat()
		}
		path := call.Argument(0).String()
		err := h.engineCall(func() error { return page.Render(path, ratio) })
		h.report(err)
		return h.vm.ToValue(err == nil)
	})
	_ = obj.Set("renderBase64", func(call goja.FunctionCall) goja.Value {
		format := "png"
		if len(call.Arguments) > 0 {
			format = call.Argument(0).String()
		}
		var data string
		err := h.engineCall(func() error {
			var e error
			data, e = page.RenderBase64(format, 1)
			return e
		})
		if err != nil {
			h.report(err)
			return goja.Null()
		}
		return h.vm.ToValue(data)
	})

	_ = obj.Set("sendEvent", func(call goja.FunctionCall) goja.Value {
		var arg1, arg2 interface{}
		if len(call.Arguments) > 1 {
			arg1 = call.Argument(1).Export()
		}
		if len(call.Arguments) > 2 {
			arg2 = call.Argument(2).Export()
		}
		button := "left"
		if len(call.Arguments) > 3 && !goja.IsUndefined(call.Argument(3)) {
			button = call.Argument(3).String()
		}
		modifiers := 0
		if len(call.Arguments) > 4 {
			modifiers = int(call.Argument(4).ToInteger())
		}
		kind := call.Argument(0).String()
		h.report(h.engineCall(func() error {
			return page.SendEvent(kind, arg1, arg2, button, modifiers)
		}))
		return goja.Undefined()
	})

	_ = obj.Set("switchToFrame", func(call goja.FunctionCall) goja.Value {
		sel := frameSelector(call.Argument(0))
		err := h.engineCall(func() error { return page.SwitchToFrame(sel) })
		return h.vm.ToValue(err == nil)
	})
	_ = obj.Set("switchToChildFrame", func(call goja.FunctionCall) goja.Value {
		sel := frameSelector(call.Argument(0))
		err := h.engineCall(func() error { return page.SwitchToChildFrame(sel) })
		return h.vm.ToValue(err == nil)
	})
	_ = obj.Set("switchToParentFrame", func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(h.engineCall(page.SwitchToParentFrame) == nil)
	})
	_ = obj.Set("switchToMainFrame", func(goja.FunctionCall) goja.Value {
		_ = h.engineCall(page.SwitchToMainFrame)
		return goja.Undefined()
	})
	_ = obj.Set("switchToFocusedFrame", func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(h.engineCall(page.SwitchToFocusedFrame) == nil)
	})

	_ = obj.Set("setContent", func(call goja.FunctionCall) goja.Value {
		content := call.Argument(0).String()
		baseURL := call.Argument(1).String()
		h.report(h.engineCall(func() error { return page.SetContent(content, baseURL) }))
		return goja.Undefined()
	})

	h.defineAccessor(obj, "url", func() goja.Value { return h.vm.ToValue(page.URL()) }, nil)
	h.defineAccessor(obj, "title", h.stringGetter(page.Title), nil)
	h.defineAccessor(obj, "content", h.stringGetter(page.Content), func(v goja.Value) {
		content := v.String()
		h.report(h.engineCall(func() error { return page.SetContent(content, page.URL()) }))
	})
	h.defineAccessor(obj, "plainText", h.stringGetter(page.PlainText), nil)
	h.defineAccessor(obj, "frameUrl", h.stringGetter(page.FrameURL), nil)
	h.defineAccessor(obj, "frameTitle", h.stringGetter(page.FrameTitle), nil)
	h.defineAccessor(obj, "frameContent", h.stringGetter(page.FrameContent), nil)
	h.defineAccessor(obj, "framePlainText", h.stringGetter(page.FramePlainText), nil)
	h.defineAccessor(obj, "zoomFactor",
		func() goja.Value { return h.vm.ToValue(page.ZoomFactor()) },
		func(v goja.Value) {
			factor := v.ToFloat()
			h.report(h.engineCall(func() error { return page.SetZoomFactor(factor) }))
		})
	h.defineAccessor(obj, "viewportSize",
		func() goja.Value { return h.vm.ToValue(page.ViewportSize()) },
		func(v goja.Value) {
			var size webpage.ViewportSize
			if err := h.vm.ExportTo(v, &size); err != nil {
				h.report(err)
				return
			}
			h.report(h.engineCall(func() error { return page.SetViewportSize(size) }))
		})
	h.defineAccessor(obj, "clipRect",
		func() goja.Value {
			clip := page.ClipRect()
			if clip == nil {
				return h.vm.ToValue(webpage.ClipRect{})
			}
			return h.vm.ToValue(*clip)
		},
		func(v goja.Value) {
			var clip webpage.ClipRect
			if err := h.vm.ExportTo(v, &clip); err != nil {
				h.report(err)
				return
			}
			h.report(page.SetClipRect(&clip))
		})
	h.defineAccessor(obj, "settings",
		func() goja.Value { return h.vm.ToValue(page.Settings()) },
		func(v goja.Value) {
			s := page.Settings()
			if err := h.vm.ExportTo(v, &s); err != nil {
				h.report(err)
				return
			}
			page.SetSettings(s)
		})
	h.defineAccessor(obj, "libraryPath",
		func() goja.Value { return h.vm.ToValue(h.libraryPath) }, nil)

	return obj
}

// frameSelector turns a script argument into a frame selector: numbers
// address by position, anything else by name.
func frameSelector(v goja.Value) webpage.FrameSelector {
	if n, ok := v.Export().(int64); ok {
		return webpage.ByIndex(int(n))
	}
	if f, ok := v.Export().(float64); ok {
		return webpage.ByIndex(int(f))
	}
	return webpage.ByName(v.String())
}

func (h *Host) defineAccessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := h.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = h.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// syncSlot defines a callback property whose assignment must register or
// clear a controller handler immediately, because the handler's return
// value answers the engine.
func (h *Host) syncSlot(obj *goja.Object, name string, register func(fn goja.Callable)) {
	var current goja.Value = goja.Undefined()
	getter := h.vm.ToValue(func(goja.FunctionCall) goja.Value { return current })
	setter := h.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		current = call.Argument(0)
		if fn, ok := goja.AssertFunction(current); ok {
			register(fn)
		} else {
			register(nil)
		}
		return goja.Undefined()
	})
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (h *Host) stringGetter(get func() (string, error)) func() goja.Value {
	return func() goja.Value {
		var s string
		err := h.engineCall(func() error {
			var e error
			s, e = get()
			return e
		})
		if err != nil {
			h.report(err)
			return h.vm.ToValue("")
		}
		return h.vm.ToValue(s)
	}
}

func (h *Host) voidCall(fn func() error) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		h.report(h.engineCall(fn))
		return goja.Undefined()
	}
}

func (h *Host) report(err error) {
	if err != nil {
		h.log.Warn("page operation failed", zap.Error(err))
	}
}
