package webpage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSandboxPage returns an open controller whose sandbox evaluation is
// served by fakes. Every evaluation records the expression it received.
func newSandboxPage(t *testing.T) (*Page, *[]string) {
	t.Helper()
	var exprs []string
	p := New(nil, Options{})
	p.state = StateOpen
	p.bridge = newBridge(p, nil)
	p.treeFetch = func() (*proto.PageFrameTree, error) {
		return &proto.PageFrameTree{Frame: &proto.PageFrame{ID: "top"}}, nil
	}
	p.createWorld = func(frameID proto.PageFrameID) (proto.RuntimeExecutionContextID, error) {
		return 7, nil
	}
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		exprs = append(exprs, expr)
		return json.RawMessage(`42`), nil
	}
	return p, &exprs
}

func TestCallExpression(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []interface{}
		want string
	}{
		{
			name: "no arguments",
			fn:   "function() { return 1; }",
			want: "(function() { return 1; })()",
		},
		{
			name: "arguments are JSON encoded",
			fn:   "function(a, b) {}",
			args: []interface{}{"x", 2},
			want: `(function(a, b) {})("x", 2)`,
		},
		{
			name: "structured argument",
			fn:   "function(o) {}",
			args: []interface{}{map[string]interface{}{"k": true}},
			want: `(function(o) {})({"k":true})`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := callExpression(tt.fn, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallExpressionUnencodableArgument(t *testing.T) {
	_, err := callExpression("function() {}", []interface{}{make(chan int)})
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	p, exprs := newSandboxPage(t)

	res, err := p.Evaluate("function(n) { return n; }", 42)
	require.NoError(t, err)
	assert.Equal(t, float64(42), res)
	require.Len(t, *exprs, 1)
	assert.Equal(t, "(function(n) { return n; })(42)", (*exprs)[0])
}

func TestEvaluateNotOpen(t *testing.T) {
	p := New(nil, Options{})
	_, err := p.Evaluate("function() {}")
	assert.ErrorIs(t, err, ErrPageNotOpen)
}

func TestEvaluateRoutesErrorToCallback(t *testing.T) {
	p, _ := newSandboxPage(t)
	evalErr := &EvalError{
		Message: "ReferenceError: nope is not defined",
		Stack:   []StackFrame{{File: "about:blank", Line: 1}},
	}
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return nil, evalErr
	}

	// Without a handler the failure surfaces to the caller.
	_, err := p.Evaluate("function() { nope(); }")
	var got *EvalError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, evalErr.Message, got.Message)

	// With a handler the failure is swallowed and delivered there.
	var delivered string
	p.OnError(func(message string, stack []StackFrame) { delivered = message })
	_, err = p.Evaluate("function() { nope(); }")
	require.NoError(t, err)
	assert.Equal(t, evalErr.Message, delivered)
}

func TestEvaluateAsyncWrapsInTimeout(t *testing.T) {
	p, exprs := newSandboxPage(t)

	require.NoError(t, p.EvaluateAsync("function() { done(); }"))
	require.Len(t, *exprs, 1)
	assert.Contains(t, (*exprs)[0], "setTimeout(function() {")
	assert.Contains(t, (*exprs)[0], "(function() { done(); })()")
}

func TestSandboxCacheReuse(t *testing.T) {
	c := newSandboxCache()
	created := 0
	create := func() (proto.RuntimeExecutionContextID, error) {
		created++
		return proto.RuntimeExecutionContextID(created), nil
	}

	id1, err := c.worldFor("f1", create)
	require.NoError(t, err)
	id2, err := c.worldFor("f1", create)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, created)

	// Another frame gets its own world.
	_, err = c.worldFor("f2", create)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestSandboxCacheInvalidate(t *testing.T) {
	c := newSandboxCache()
	created := 0
	create := func() (proto.RuntimeExecutionContextID, error) {
		created++
		return proto.RuntimeExecutionContextID(created), nil
	}

	_, err := c.worldFor("f1", create)
	require.NoError(t, err)
	c.invalidate()
	_, err = c.worldFor("f1", create)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestSandboxCacheInvalidatedDuringCreation(t *testing.T) {
	c := newSandboxCache()

	// A lifecycle event lands while the world is being created; the
	// freshly created context belongs to the old document and must be
	// rejected, not cached.
	_, err := c.worldFor("f1", func() (proto.RuntimeExecutionContextID, error) {
		c.invalidate()
		return 9, nil
	})
	assert.Error(t, err)

	created := 0
	_, err = c.worldFor("f1", func() (proto.RuntimeExecutionContextID, error) {
		created++
		return 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestSandboxCacheCreateError(t *testing.T) {
	c := newSandboxCache()
	boom := errors.New("boom")
	_, err := c.worldFor("f1", func() (proto.RuntimeExecutionContextID, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDecodeJSONValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{name: "empty is nil", raw: "", want: nil},
		{name: "null", raw: "null", want: nil},
		{name: "number", raw: "1.5", want: 1.5},
		{name: "string", raw: `"hi"`, want: "hi"},
		{name: "object", raw: `{"a":1}`, want: map[string]interface{}{"a": float64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeJSONValue(json.RawMessage(tt.raw)))
		})
	}
}
