// Package scripthost runs external automation scripts against the page
// controller. One host owns one goja VM exposing the phantom-style globals
// (console, phantom, require('webpage')) so a JavaScript file can
// remote-control browsing surfaces.
package scripthost

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/vmeurisse/slimerjs/browser"
)

// errExit is the interrupt value used by phantom.exit.
type errExit struct{ code int }

func (e errExit) Error() string { return fmt.Sprintf("script exited with code %d", e.code) }

// Options configures a script host.
type Options struct {
	// Engine is the shared browser handle pages are created on.
	Engine *browser.Browser

	// Logger receives host logs. Nil means no logging.
	Logger *zap.Logger

	// LibraryPath resolves relative injectJs paths. Defaults to the
	// script's directory.
	LibraryPath string

	// IdleTimeout stops the post-script event loop when no engine event
	// arrives for this long and the script never called phantom.exit.
	IdleTimeout time.Duration

	// Stdout receives console output. Nil means os.Stdout.
	Stdout *os.File
}

// Host executes one automation script. The VM is single-threaded: engine
// callbacks are queued and drained on the host goroutine, never invoked
// concurrently with running script. Dialog answers and host-callable
// results cannot wait for the queue; they enter the VM through vmMu,
// which the host goroutine releases around blocking engine calls.
type Host struct {
	vm     *goja.Runtime
	vmMu   sync.Mutex
	engine *browser.Browser
	log    *zap.Logger
	out    *os.File

	libraryPath string
	idleTimeout time.Duration

	queue    chan func()
	exited   chan struct{}
	exitOnce sync.Once
	code     int

	phantom *goja.Object
}

// New creates a host with its globals installed.
func New(opts Options) (*Host, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Second
	}

	h := &Host{
		vm:          goja.New(),
		engine:      opts.Engine,
		log:         log,
		out:         out,
		libraryPath: opts.LibraryPath,
		idleTimeout: idle,
		queue:       make(chan func(), 256),
		exited:      make(chan struct{}),
	}
	if err := h.setupGlobals(); err != nil {
		return nil, err
	}
	return h, nil
}

// Run executes the script file and then drains queued engine events until
// phantom.exit, idleness or context cancellation. It returns the script's
// exit code.
func (h *Host) Run(ctx context.Context, path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 1, fmt.Errorf("failed to read script %s: %w", path, err)
	}

	stop := context.AfterFunc(ctx, func() {
		h.vm.Interrupt(ctx.Err())
	})
	defer stop()

	var runErr error
	h.withVM(func() {
		_, runErr = h.vm.RunScript(path, string(src))
	})
	if err := runErr; err != nil {
		if code, ok := exitCode(err); ok {
			return code, nil
		}
		if !h.handleScriptError(err) {
			h.log.Error("script failed", zap.Error(err))
			return 1, err
		}
	}

	// Keep servicing engine callbacks until the script signals
	// completion or goes quiet.
	idle := time.NewTimer(h.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case fn := <-h.queue:
			if err := h.runQueued(fn); err != nil {
				if code, ok := exitCode(err); ok {
					return code, nil
				}
				if !h.handleScriptError(err) {
					return 1, err
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.idleTimeout)
		case <-h.exited:
			return h.code, nil
		case <-idle.C:
			return h.code, nil
		case <-ctx.Done():
			return 1, ctx.Err()
		}
	}
}

// runQueued invokes one queued callback under the interpreter lock,
// translating a phantom.exit interrupt into the exit path.
func (h *Host) runQueued(fn func()) (err error) {
	h.vmMu.Lock()
	defer h.vmMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if ir, ok := r.(*goja.InterruptedError); ok {
				err = ir
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// withVM runs fn holding the interpreter lock. Engine goroutines use it
// to call script functions that must answer before the engine continues.
func (h *Host) withVM(fn func()) {
	h.vmMu.Lock()
	defer h.vmMu.Unlock()
	fn()
}

// engineCall runs a blocking engine-bound call from script with the
// interpreter lock released, so a dialog or host-callable handler firing
// while the call waits can still enter the interpreter.
func (h *Host) engineCall(fn func() error) error {
	h.vmMu.Unlock()
	defer h.vmMu.Lock()
	return fn()
}

// enqueue schedules a callback for the host goroutine. Used by engine
// event handlers, which must never touch the VM directly.
func (h *Host) enqueue(fn func()) {
	select {
	case h.queue <- fn:
	default:
		h.log.Warn("event queue full, dropping callback")
	}
}

// handleScriptError routes an uncaught script exception to the
// phantom.onError hook. It reports whether a hook consumed the error.
func (h *Host) handleScriptError(err error) bool {
	exc, ok := err.(*goja.Exception)
	if !ok {
		return false
	}
	handled := false
	h.withVM(func() {
		fn, ok := goja.AssertFunction(h.phantom.Get("onError"))
		if !ok {
			return
		}
		if _, cerr := fn(goja.Undefined(), h.vm.ToValue(exc.Error())); cerr != nil {
			// The hook may itself end the script; the exit settles
			// through the exited channel.
			if _, exiting := exitCode(cerr); exiting {
				handled = true
				return
			}
			h.log.Error("onError hook failed", zap.Error(cerr))
			return
		}
		handled = true
	})
	return handled
}

func exitCode(err error) (int, bool) {
	ir, ok := err.(*goja.InterruptedError)
	if !ok {
		return 0, false
	}
	if exit, ok := ir.Value().(errExit); ok {
		return exit.code, true
	}
	return 0, false
}

// setupGlobals installs console, phantom and require.
func (h *Host) setupGlobals() error {
	console := h.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, h.makeConsoleFunc(level)); err != nil {
			return err
		}
	}
	if err := h.vm.Set("console", console); err != nil {
		return err
	}

	phantom := h.vm.NewObject()
	if err := phantom.Set("exit", func(call goja.FunctionCall) goja.Value {
		code := 0
		if len(call.Arguments) > 0 {
			code = int(call.Arguments[0].ToInteger())
		}
		h.exitOnce.Do(func() {
			h.code = code
			close(h.exited)
		})
		h.vm.Interrupt(errExit{code: code})
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := phantom.Set("libraryPath", h.libraryPath); err != nil {
		return err
	}
	h.phantom = phantom
	if err := h.vm.Set("phantom", phantom); err != nil {
		return err
	}

	return h.vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		switch name {
		case "webpage":
			return h.webpageModule()
		case "system":
			return h.systemModule()
		default:
			panic(h.vm.ToValue(fmt.Sprintf("unknown module %q", name)))
		}
	})
}

func (h *Host) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		line := ""
		for i, arg := range call.Arguments {
			if i > 0 {
				line += " "
			}
			line += arg.String()
		}
		fmt.Fprintln(h.out, line)
		if level == "error" {
			h.log.Error(line)
		}
		return goja.Undefined()
	}
}

// systemModule exposes the few process facts scripts rely on.
func (h *Host) systemModule() *goja.Object {
	system := h.vm.NewObject()
	_ = system.Set("args", os.Args[1:])
	_ = system.Set("platform", "slimerjs")
	env := h.vm.NewObject()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				_ = env.Set(kv[:i], kv[i+1:])
				break
			}
		}
	}
	_ = system.Set("env", env)
	return system
}
