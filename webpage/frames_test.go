package webpage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTree builds a three-level frame hierarchy:
//
//	top "outer"
//	  #0 "menu"
//	  #1 ""      (anonymous)
//	       #0 "inner"
func testTree() *proto.PageFrameTree {
	return &proto.PageFrameTree{
		Frame: &proto.PageFrame{ID: "top", Name: "outer"},
		ChildFrames: []*proto.PageFrameTree{
			{Frame: &proto.PageFrame{ID: "menu", Name: "menu"}},
			{
				Frame: &proto.PageFrame{ID: "anon"},
				ChildFrames: []*proto.PageFrameTree{
					{Frame: &proto.PageFrame{ID: "inner", Name: "inner"}},
				},
			},
		},
	}
}

// newFramePage returns an open controller whose frame tree is served from
// a fixture instead of an engine.
func newFramePage(t *testing.T, tree *proto.PageFrameTree) *Page {
	t.Helper()
	p := New(nil, Options{})
	p.state = StateOpen
	p.bridge = newBridge(p, nil)
	p.treeFetch = func() (*proto.PageFrameTree, error) { return tree, nil }
	return p
}

func TestResolveFramePath(t *testing.T) {
	tree := testTree()

	tests := []struct {
		name    string
		path    []FrameSelector
		want    proto.PageFrameID
		wantErr error
	}{
		{name: "empty path is top", path: nil, want: "top"},
		{name: "child by index", path: []FrameSelector{ByIndex(0)}, want: "menu"},
		{name: "child by name", path: []FrameSelector{ByName("menu")}, want: "menu"},
		{name: "nested by mixed steps", path: []FrameSelector{ByIndex(1), ByName("inner")}, want: "inner"},
		{name: "top name never matches", path: []FrameSelector{ByName("outer")}, wantErr: ErrNoSuchFrame},
		{name: "index out of range", path: []FrameSelector{ByIndex(2)}, wantErr: ErrNoSuchFrame},
		{name: "negative index", path: []FrameSelector{ByIndex(-1)}, wantErr: ErrNoSuchFrame},
		{name: "unknown name", path: []FrameSelector{ByName("nope")}, wantErr: ErrNoSuchFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := resolveFramePath(tree, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestResolveFramePathNilTree(t *testing.T) {
	_, err := resolveFramePath(nil, nil)
	assert.ErrorIs(t, err, ErrNoSuchFrame)
}

func TestSwitchToFrame(t *testing.T) {
	p := newFramePage(t, testTree())

	require.NoError(t, p.SwitchToFrame(ByIndex(1)))
	require.NoError(t, p.SwitchToFrame(ByName("inner")))
	assert.Len(t, p.FramePath(), 2)
}

func TestSwitchToFrameRollsBackOnFailure(t *testing.T) {
	p := newFramePage(t, testTree())
	require.NoError(t, p.SwitchToFrame(ByIndex(1)))

	err := p.SwitchToFrame(ByName("nope"))
	assert.ErrorIs(t, err, ErrNoSuchFrame)

	// The failed push must leave the path where it was.
	path := p.FramePath()
	require.Len(t, path, 1)
	assert.Equal(t, "#1", path[0].String())
}

func TestSwitchToParentFrame(t *testing.T) {
	p := newFramePage(t, testTree())
	require.NoError(t, p.SwitchToFrame(ByIndex(0)))

	require.NoError(t, p.SwitchToParentFrame())
	assert.Empty(t, p.FramePath())

	assert.ErrorIs(t, p.SwitchToParentFrame(), ErrNoSuchFrame)
}

func TestSwitchToMainFrame(t *testing.T) {
	p := newFramePage(t, testTree())
	require.NoError(t, p.SwitchToFrame(ByIndex(1)))
	require.NoError(t, p.SwitchToFrame(ByIndex(0)))

	require.NoError(t, p.SwitchToMainFrame())
	assert.Empty(t, p.FramePath())
}

func TestFrameSwitchingRequiresOpenPage(t *testing.T) {
	p := New(nil, Options{})

	assert.ErrorIs(t, p.SwitchToFrame(ByIndex(0)), ErrPageNotOpen)
	assert.ErrorIs(t, p.SwitchToParentFrame(), ErrPageNotOpen)
	assert.ErrorIs(t, p.SwitchToMainFrame(), ErrPageNotOpen)
}

func TestSwitchToFocusedFrame(t *testing.T) {
	p := newFramePage(t, testTree())
	require.NoError(t, p.SwitchToFrame(ByIndex(0)))

	// The focused window is the anonymous frame's inner child: one index
	// step, one name step.
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return json.RawMessage(`{"path":[1,"inner"],"complete":true}`), nil
	}

	require.NoError(t, p.SwitchToFocusedFrame())
	path := p.FramePath()
	require.Len(t, path, 2)
	assert.Equal(t, "#1", path[0].String())
	assert.Equal(t, "inner", path[1].String())
}

func TestSwitchToFocusedFrameBeyondBoundary(t *testing.T) {
	p := newFramePage(t, testTree())

	// Focus sits inside a frame whose document the walker cannot enter.
	// The reachable prefix is committed and the caller is told the path
	// stops short of the focused window.
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return json.RawMessage(`{"path":[0],"complete":false}`), nil
	}

	assert.ErrorIs(t, p.SwitchToFocusedFrame(), ErrFocusBeyondBoundary)
	path := p.FramePath()
	require.Len(t, path, 1)
	assert.Equal(t, "#0", path[0].String())
}

func TestSwitchToFocusedFrameNoFocus(t *testing.T) {
	p := newFramePage(t, testTree())
	p.focusBudget = 30 * time.Millisecond // keeps the retry loop short
	require.NoError(t, p.SwitchToFrame(ByIndex(0)))

	// null means no document holds focus; the budget must expire and the
	// path must stay untouched.
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	}

	assert.ErrorIs(t, p.SwitchToFocusedFrame(), ErrNoFocusedFrame)
	require.Len(t, p.FramePath(), 1)
}

func TestFramePathReturnsCopy(t *testing.T) {
	p := newFramePage(t, testTree())
	require.NoError(t, p.SwitchToFrame(ByIndex(0)))

	path := p.FramePath()
	path[0] = ByName("mutated")
	assert.Equal(t, "#0", p.FramePath()[0].String())
}
