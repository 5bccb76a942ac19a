package webpage

import (
	"encoding/json"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newInputPage returns an open controller that records dispatched input
// events instead of sending them to an engine.
func newInputPage(t *testing.T) (*Page, *[]interface{}) {
	t.Helper()
	var events []interface{}
	p := New(nil, Options{})
	p.state = StateOpen
	p.bridge = newBridge(p, nil)
	p.treeFetch = func() (*proto.PageFrameTree, error) {
		return &proto.PageFrameTree{Frame: &proto.PageFrame{ID: "top"}}, nil
	}
	p.evalInContext = func(expr string, ctxID proto.RuntimeExecutionContextID) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	}
	p.focusSurface = func() error { return nil }
	p.dispatchKey = func(ev *proto.InputDispatchKeyEvent) error {
		events = append(events, ev)
		return nil
	}
	p.dispatchMouse = func(ev *proto.InputDispatchMouseEvent) error {
		events = append(events, ev)
		return nil
	}
	return p, &events
}

func TestBuildKeyEventsKeypressExpandsPerCharacter(t *testing.T) {
	events, err := buildKeyEvents("keypress", "ab", 0)
	require.NoError(t, err)
	require.Len(t, events, 6)

	// Per character the legacy triple is raw key down, char, key up, in
	// exactly that order.
	wantTypes := []proto.InputDispatchKeyEventType{
		proto.InputDispatchKeyEventTypeRawKeyDown,
		proto.InputDispatchKeyEventTypeChar,
		proto.InputDispatchKeyEventTypeKeyUp,
		proto.InputDispatchKeyEventTypeRawKeyDown,
		proto.InputDispatchKeyEventTypeChar,
		proto.InputDispatchKeyEventTypeKeyUp,
	}
	for i, ev := range events {
		assert.Equal(t, wantTypes[i], ev.Type, "event %d", i)
	}
	assert.Equal(t, "a", events[1].Text)
	assert.Equal(t, "b", events[4].Text)
}

func TestBuildKeyEventsSingle(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		key       string
		wantType  proto.InputDispatchKeyEventType
	}{
		{name: "keydown character", eventType: "keydown", key: "a", wantType: proto.InputDispatchKeyEventTypeKeyDown},
		{name: "keyup character", eventType: "keyup", key: "a", wantType: proto.InputDispatchKeyEventTypeKeyUp},
		{name: "keydown named key", eventType: "keydown", key: "enter", wantType: proto.InputDispatchKeyEventTypeKeyDown},
		{name: "keyup named key mixed case", eventType: "keyup", key: "Escape", wantType: proto.InputDispatchKeyEventTypeKeyUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := buildKeyEvents(tt.eventType, tt.key, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantType, events[0].Type)
		})
	}
}

func TestBuildKeyEventsErrors(t *testing.T) {
	_, err := buildKeyEvents("keydown", "", 0)
	var usage *UsageError
	assert.ErrorAs(t, err, &usage)

	_, err = buildKeyEvents("keydown", "notakey", 0)
	assert.ErrorAs(t, err, &usage)
}

func TestBuildMouseEvents(t *testing.T) {
	press := proto.InputDispatchMouseEventTypeMousePressed
	release := proto.InputDispatchMouseEventTypeMouseReleased

	tests := []struct {
		name       string
		eventType  string
		wantTypes  []proto.InputDispatchMouseEventType
		wantClicks []int
	}{
		{name: "mousemove", eventType: "mousemove",
			wantTypes:  []proto.InputDispatchMouseEventType{proto.InputDispatchMouseEventTypeMouseMoved},
			wantClicks: []int{0}},
		{name: "mousedown", eventType: "mousedown",
			wantTypes: []proto.InputDispatchMouseEventType{press}, wantClicks: []int{1}},
		{name: "mouseup", eventType: "mouseup",
			wantTypes: []proto.InputDispatchMouseEventType{release}, wantClicks: []int{1}},
		{name: "click is press release", eventType: "click",
			wantTypes: []proto.InputDispatchMouseEventType{press, release}, wantClicks: []int{1, 1}},
		{name: "doubleclick is two full clicks", eventType: "doubleclick",
			wantTypes:  []proto.InputDispatchMouseEventType{press, release, press, release},
			wantClicks: []int{1, 1, 2, 2}},
		// The press-only double click is a historical contract.
		{name: "mousedoubleclick presses only", eventType: "mousedoubleclick",
			wantTypes: []proto.InputDispatchMouseEventType{press}, wantClicks: []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := buildMouseEvents(tt.eventType, 10, 20, "left")
			require.NoError(t, err)
			require.Len(t, events, len(tt.wantTypes))
			for i, ev := range events {
				assert.Equal(t, tt.wantTypes[i], ev.Type, "event %d", i)
				assert.Equal(t, tt.wantClicks[i], ev.ClickCount, "event %d", i)
				assert.Equal(t, float64(10), ev.X)
				assert.Equal(t, float64(20), ev.Y)
			}
		})
	}
}

func TestMouseButtonCode(t *testing.T) {
	tests := []struct {
		in      string
		want    proto.InputMouseButton
		wantErr bool
	}{
		{in: "", want: proto.InputMouseButtonLeft},
		{in: "left", want: proto.InputMouseButtonLeft},
		{in: "middle", want: proto.InputMouseButtonMiddle},
		{in: "Right", want: proto.InputMouseButtonRight},
		{in: "fourth", wantErr: true},
	}
	for _, tt := range tests {
		got, err := mouseButtonCode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSendEventKeypress(t *testing.T) {
	p, events := newInputPage(t)

	require.NoError(t, p.SendEvent("keypress", "hi", nil, "", 0))
	assert.Len(t, *events, 6)
}

func TestSendEventClick(t *testing.T) {
	p, events := newInputPage(t)

	require.NoError(t, p.SendEvent("click", 100, 200, "left", 0))
	require.Len(t, *events, 2)
	first := (*events)[0].(*proto.InputDispatchMouseEvent)
	assert.Equal(t, float64(100), first.X)
	assert.Equal(t, float64(200), first.Y)
}

func TestSendEventErrors(t *testing.T) {
	p, _ := newInputPage(t)
	var usage *UsageError

	assert.ErrorAs(t, p.SendEvent("flick", nil, nil, "", 0), &usage)
	assert.ErrorAs(t, p.SendEvent("click", "x", "y", "", 0), &usage)
	assert.ErrorAs(t, p.SendEvent("keydown", nil, nil, "", 0), &usage)
}

func TestSendEventNotOpen(t *testing.T) {
	p := New(nil, Options{})
	assert.ErrorIs(t, p.SendEvent("click", 1, 2, "", 0), ErrPageNotOpen)
}
