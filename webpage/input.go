package webpage

import (
	"strings"
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// MouseButton names the buttons accepted by SendEvent.
const (
	MouseButtonLeft   = "left"
	MouseButtonMiddle = "middle"
	MouseButtonRight  = "right"
)

// namedKeys resolves the key names accepted by SendEvent onto the engine
// key table. Single characters resolve directly.
var namedKeys = map[string]input.Key{
	"enter":     input.Enter,
	"return":    input.Enter,
	"tab":       input.Tab,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"escape":    input.Escape,
	"space":     input.Key(' '),
	"up":        input.ArrowUp,
	"down":      input.ArrowDown,
	"left":      input.ArrowLeft,
	"right":     input.ArrowRight,
	"home":      input.Home,
	"end":       input.End,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"shift":     input.ShiftLeft,
	"control":   input.ControlLeft,
	"alt":       input.AltLeft,
}

// SendEvent synthesizes one abstract input event on the surface. Key
// events take the key name or text as arg1; mouse events take coordinates
// as arg1/arg2 and a button name. The target content window receives focus
// before synthesis. Unknown event types are usage errors.
func (p *Page) SendEvent(eventType string, arg1, arg2 interface{}, button string, modifiers int) error {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return ErrPageNotOpen
	}
	focus := p.focusSurface
	dispatchKey := p.dispatchKey
	dispatchMouse := p.dispatchMouse
	frameID, frameErr := p.currentFrameID()
	evalMain := func() {
		_, _ = p.evalMainWorld(frameID, "function() { window.focus(); }")
	}
	p.mu.Unlock()

	switch normalizeEventType(eventType) {
	case "keydown", "keyup", "keypress":
		events, err := buildKeyEvents(normalizeEventType(eventType), keyArgument(arg1), modifiers)
		if err != nil {
			return err
		}
		if err := focus(); err != nil {
			return err
		}
		if frameErr == nil {
			evalMain()
		}
		for _, ev := range events {
			if err := dispatchKey(ev); err != nil {
				return err
			}
		}
		return nil

	case "mousedown", "mouseup", "mousemove", "click", "doubleclick", "mousedoubleclick":
		x, okX := numberArgument(arg1)
		y, okY := numberArgument(arg2)
		if !okX || !okY {
			return usageErrorf("sendEvent", "mouse event %q needs numeric coordinates", eventType)
		}
		events, err := buildMouseEvents(normalizeEventType(eventType), x, y, button)
		if err != nil {
			return err
		}
		if err := focus(); err != nil {
			return err
		}
		if frameErr == nil {
			evalMain()
		}
		for _, ev := range events {
			if err := dispatchMouse(ev); err != nil {
				return err
			}
		}
		return nil

	default:
		return usageErrorf("sendEvent", "unknown event type %q", eventType)
	}
}

func normalizeEventType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func keyArgument(arg interface{}) string {
	switch v := arg.(type) {
	case string:
		return v
	case rune:
		return string(v)
	default:
		return ""
	}
}

func numberArgument(arg interface{}) (float64, bool) {
	switch v := arg.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// resolveKey maps a key name or single character onto the key table.
func resolveKey(name string) (input.Key, error) {
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		return input.Key(r), nil
	}
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	return 0, usageErrorf("sendEvent", "unknown key %q", name)
}

// buildKeyEvents expands one abstract key event into the low-level event
// sequence. keydown and keyup emit a single event from a named key or one
// character. keypress over a multi-character string expands, per
// character, to an ordered keydown, keypress, keyup triple; the triple is
// a legacy contract and is preserved exactly.
func buildKeyEvents(eventType, key string, modifiers int) ([]*proto.InputDispatchKeyEvent, error) {
	if key == "" {
		return nil, usageErrorf("sendEvent", "key event %q needs a key", eventType)
	}

	switch eventType {
	case "keydown", "keyup":
		k, err := resolveKey(key)
		if err != nil {
			return nil, err
		}
		t := proto.InputDispatchKeyEventTypeKeyDown
		if eventType == "keyup" {
			t = proto.InputDispatchKeyEventTypeKeyUp
		}
		return []*proto.InputDispatchKeyEvent{k.Encode(t, modifiers)}, nil

	case "keypress":
		var events []*proto.InputDispatchKeyEvent
		for _, r := range key {
			k := input.Key(r)
			events = append(events,
				k.Encode(proto.InputDispatchKeyEventTypeRawKeyDown, modifiers),
				k.Encode(proto.InputDispatchKeyEventTypeChar, modifiers),
				k.Encode(proto.InputDispatchKeyEventTypeKeyUp, modifiers),
			)
		}
		return events, nil
	}
	return nil, usageErrorf("sendEvent", "unknown key event %q", eventType)
}

// mouseButtonCode resolves a button name onto the engine button; the
// default is the left button.
func mouseButtonCode(button string) (proto.InputMouseButton, error) {
	switch strings.ToLower(button) {
	case "", MouseButtonLeft:
		return proto.InputMouseButtonLeft, nil
	case MouseButtonMiddle:
		return proto.InputMouseButtonMiddle, nil
	case MouseButtonRight:
		return proto.InputMouseButtonRight, nil
	default:
		return "", usageErrorf("sendEvent", "unknown mouse button %q", button)
	}
}

// buildMouseEvents expands one abstract mouse event into the low-level
// event sequence at (x, y).
//
// Two historical quirks are contractual: "mousedoubleclick" emits only a
// double-click-flagged press, and "click" is a window-scoped press/release
// pair distinct from the point-scoped raw events.
func buildMouseEvents(eventType string, x, y float64, button string) ([]*proto.InputDispatchMouseEvent, error) {
	btn, err := mouseButtonCode(button)
	if err != nil {
		return nil, err
	}

	press := func(clicks int) *proto.InputDispatchMouseEvent {
		return &proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMousePressed,
			X:          x,
			Y:          y,
			Button:     btn,
			ClickCount: clicks,
		}
	}
	release := func(clicks int) *proto.InputDispatchMouseEvent {
		return &proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMouseReleased,
			X:          x,
			Y:          y,
			Button:     btn,
			ClickCount: clicks,
		}
	}

	switch eventType {
	case "mousemove":
		return []*proto.InputDispatchMouseEvent{{
			Type:   proto.InputDispatchMouseEventTypeMouseMoved,
			X:      x,
			Y:      y,
			Button: btn,
		}}, nil
	case "mousedown":
		return []*proto.InputDispatchMouseEvent{press(1)}, nil
	case "mouseup":
		return []*proto.InputDispatchMouseEvent{release(1)}, nil
	case "click":
		return []*proto.InputDispatchMouseEvent{press(1), release(1)}, nil
	case "doubleclick":
		return []*proto.InputDispatchMouseEvent{press(1), release(1), press(2), release(2)}, nil
	case "mousedoubleclick":
		return []*proto.InputDispatchMouseEvent{press(2)}, nil
	}
	return nil, usageErrorf("sendEvent", "unknown mouse event %q", eventType)
}
