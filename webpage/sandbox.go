package webpage

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// sandboxWorldName identifies the isolated worlds this controller creates.
const sandboxWorldName = "webpage-sandbox"

// sandbox is one isolated execution context bound to a frame.
type sandbox struct {
	contextID  proto.RuntimeExecutionContextID
	generation uint64
}

// sandboxCache lazily creates one sandbox per live frame and prunes them
// all whenever the controller observes initialization, load-start,
// load-finish or a URL change. Entries are tagged with a monotonically
// increasing generation so a context created before an invalidation can
// never be reused after it.
type sandboxCache struct {
	mu         sync.Mutex
	generation uint64
	worlds     map[proto.PageFrameID]sandbox
}

func newSandboxCache() *sandboxCache {
	return &sandboxCache{worlds: make(map[proto.PageFrameID]sandbox)}
}

// invalidate discards every cached context and bumps the generation.
func (c *sandboxCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.worlds = make(map[proto.PageFrameID]sandbox)
}

// worldFor returns the cached context for a frame, creating one through
// create when the cache has no current-generation entry.
func (c *sandboxCache) worldFor(frameID proto.PageFrameID, create func() (proto.RuntimeExecutionContextID, error)) (proto.RuntimeExecutionContextID, error) {
	c.mu.Lock()
	gen := c.generation
	if sb, ok := c.worlds[frameID]; ok && sb.generation == gen {
		c.mu.Unlock()
		return sb.contextID, nil
	}
	c.mu.Unlock()

	ctxID, err := create()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A lifecycle event may have landed while the world was being created;
	// the stale context must not be cached or used.
	if c.generation != gen {
		return 0, fmt.Errorf("sandbox invalidated during creation")
	}
	c.worlds[frameID] = sandbox{contextID: ctxID, generation: gen}
	return ctxID, nil
}

// callExpression wraps a function literal and its arguments into a single
// evaluatable expression.
func callExpression(fn string, args []interface{}) (string, error) {
	encoded := make([]string, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("failed to encode argument: %w", err)
		}
		encoded = append(encoded, string(data))
	}
	return fmt.Sprintf("(%s)(%s)", fn, strings.Join(encoded, ", ")), nil
}

// Evaluate runs a function literal with the given arguments inside the
// current frame's sandbox and returns its JSON-decoded result. A thrown
// failure is normalized to an *EvalError; while an error callback is
// registered the failure is routed there and Evaluate returns nil, nil.
func (p *Page) Evaluate(fn string, args ...interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return nil, ErrPageNotOpen
	}

	expr, err := callExpression(fn, args)
	if err != nil {
		return nil, err
	}

	raw, err := p.evalSandboxed(expr)
	if err != nil {
		return nil, p.routeEvalError(err)
	}
	return decodeJSONValue(raw), nil
}

// EvaluateJavaScript runs raw source in the current frame's sandbox.
func (p *Page) EvaluateJavaScript(src string) (interface{}, error) {
	return p.Evaluate("function() { return eval(arguments[0]); }", src)
}

// EvaluateAsync schedules a function literal to run in the current frame's
// sandbox without waiting for a result.
func (p *Page) EvaluateAsync(fn string, args ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return ErrPageNotOpen
	}

	call, err := callExpression(fn, args)
	if err != nil {
		return err
	}
	_, err = p.evalSandboxed(fmt.Sprintf("setTimeout(function() { %s; }, 0); undefined", call))
	if err != nil {
		return p.routeEvalError(err)
	}
	return nil
}

// evalSandboxed evaluates an expression in the sandbox of the frame the
// frame path currently points at. Callers hold the page mutex.
func (p *Page) evalSandboxed(expr string) (json.RawMessage, error) {
	frameID, err := p.currentFrameID()
	if err != nil {
		return nil, err
	}

	ctxID, err := p.sandboxes.worldFor(frameID, func() (proto.RuntimeExecutionContextID, error) {
		return p.createWorld(frameID)
	})
	if err != nil {
		return nil, err
	}

	return p.evalInContext(expr, ctxID)
}

// evalMainWorld evaluates a function call expression with the live identity
// of the page itself: symbols defined by page scripts are shared. An empty
// frame ID targets the top document.
func (p *Page) evalMainWorld(frameID proto.PageFrameID, fn string, args ...interface{}) (json.RawMessage, error) {
	expr, err := callExpression(fn, args)
	if err != nil {
		return nil, err
	}

	var ctxID proto.RuntimeExecutionContextID
	if frameID != "" && frameID != p.mainFrameID() {
		ctxID, err = p.bridge.mainWorldContext(frameID)
		if err != nil {
			return nil, err
		}
	}
	return p.evalInContext(expr, ctxID)
}

// routeEvalError delivers an evaluation failure to the error callback when
// one is registered; otherwise the failure goes back to the caller.
func (p *Page) routeEvalError(err error) error {
	evalErr, ok := err.(*EvalError)
	if !ok {
		return err
	}
	if fn := p.handlers().pageError; fn != nil {
		fn(evalErr.Message, evalErr.Stack)
		return nil
	}
	return err
}

// InjectJS evaluates a local script file in the current frame, as if it
// were page-authored code. The path is tried as-is, then against the
// configured library path.
func (p *Page) InjectJS(path string) error {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return ErrPageNotOpen
	}
	libraryPath := p.libraryPath
	p.mu.Unlock()

	src, err := os.ReadFile(path)
	if err != nil && libraryPath != "" {
		src, err = os.ReadFile(libraryPath + string(os.PathSeparator) + path)
	}
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpen {
		return ErrPageNotOpen
	}
	frameID, err := p.currentFrameID()
	if err != nil {
		return err
	}
	if _, err := p.evalMainWorld(frameID, "function(src) { return eval(src); }", string(src)); err != nil {
		return p.routeEvalError(err)
	}
	return nil
}

// includeJSTemplate appends a script element and resolves once it loads.
const includeJSTemplate = `function(url) {
	return new Promise(function(resolve, reject) {
		var el = document.createElement('script');
		el.src = url;
		el.onload = function() { resolve(true); };
		el.onerror = function() { reject(new Error('failed to load ' + url)); };
		document.head.appendChild(el);
	});
}`

// IncludeJS loads a remote script into the current frame with page
// identity and invokes cb once the script element finishes loading.
func (p *Page) IncludeJS(url string, cb func(err error)) error {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return ErrPageNotOpen
	}
	frameID, err := p.currentFrameID()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	expr, err := callExpression(includeJSTemplate, []interface{}{url})
	if err != nil {
		p.mu.Unlock()
		return err
	}
	eval := p.evalAwaited
	mainFrame := p.mainFrameID()
	bridge := p.bridge
	p.mu.Unlock()

	go func() {
		var ctxID proto.RuntimeExecutionContextID
		if frameID != mainFrame {
			id, err := bridge.mainWorldContext(frameID)
			if err != nil {
				if cb != nil {
					cb(err)
				}
				return
			}
			ctxID = id
		}
		_, err := eval(expr, ctxID)
		if cb != nil {
			cb(err)
		}
	}()
	return nil
}

// decodeJSONValue turns a raw evaluation result into a Go value.
func decodeJSONValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
