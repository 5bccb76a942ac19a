package webpage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// FrameSelector identifies one step into the frame hierarchy, either the
// nth immediate child frame or the first immediate child with a matching
// declared name.
type FrameSelector struct {
	byName bool
	index  int
	name   string
}

// ByIndex selects the nth immediate child frame.
func ByIndex(n int) FrameSelector {
	return FrameSelector{index: n}
}

// ByName selects the first immediate child frame with the given name.
func ByName(name string) FrameSelector {
	return FrameSelector{byName: true, name: name}
}

func (s FrameSelector) String() string {
	if s.byName {
		return s.name
	}
	return fmt.Sprintf("#%d", s.index)
}

// resolveFramePath walks a selector path down a live frame tree, starting
// at the top frame. The top frame's name never participates in name
// comparisons. Any step that does not resolve stops the walk with
// ErrNoSuchFrame.
func resolveFramePath(tree *proto.PageFrameTree, path []FrameSelector) (proto.PageFrameID, error) {
	if tree == nil || tree.Frame == nil {
		return "", ErrNoSuchFrame
	}

	node := tree
	for _, sel := range path {
		var next *proto.PageFrameTree
		if sel.byName {
			for _, child := range node.ChildFrames {
				if child.Frame != nil && child.Frame.Name == sel.name {
					next = child
					break
				}
			}
		} else if sel.index >= 0 && sel.index < len(node.ChildFrames) {
			next = node.ChildFrames[sel.index]
		}
		if next == nil || next.Frame == nil {
			return "", ErrNoSuchFrame
		}
		node = next
	}
	return node.Frame.ID, nil
}

// currentFrameID resolves the controller's frame path against the current
// content tree. Callers hold the page mutex.
func (p *Page) currentFrameID() (proto.PageFrameID, error) {
	tree, err := p.treeFetch()
	if err != nil {
		return "", fmt.Errorf("failed to fetch frame tree: %w", err)
	}
	return resolveFramePath(tree, p.framePath)
}

// FramePath returns a copy of the current frame path.
func (p *Page) FramePath() []FrameSelector {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FrameSelector, len(p.framePath))
	copy(out, p.framePath)
	return out
}

// SwitchToFrame pushes one selector onto the frame path. When the extended
// path does not resolve, the push is rolled back and ErrNoSuchFrame is
// returned, leaving the path unchanged.
func (p *Page) SwitchToFrame(sel FrameSelector) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return ErrPageNotOpen
	}

	p.framePath = append(p.framePath, sel)
	if _, err := p.currentFrameID(); err != nil {
		p.framePath = p.framePath[:len(p.framePath)-1]
		return ErrNoSuchFrame
	}
	return nil
}

// SwitchToChildFrame is an alias of SwitchToFrame.
func (p *Page) SwitchToChildFrame(sel FrameSelector) error {
	return p.SwitchToFrame(sel)
}

// SwitchToParentFrame pops the innermost selector. At the top document it
// returns ErrNoSuchFrame.
func (p *Page) SwitchToParentFrame() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return ErrPageNotOpen
	}
	if len(p.framePath) == 0 {
		return ErrNoSuchFrame
	}
	p.framePath = p.framePath[:len(p.framePath)-1]
	return nil
}

// SwitchToMainFrame resets the frame path to the top document.
func (p *Page) SwitchToMainFrame() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return ErrPageNotOpen
	}
	p.framePath = p.framePath[:0]
	return nil
}

// focusedFramePathJS walks from the top document down the activeElement
// chain, emitting a name-or-sibling-index selector per hop. It returns
// null while no document holds focus. complete is false when the walk
// stopped at a frame whose document is not reachable from here.
const focusedFramePathJS = `() => {
	if (!document.hasFocus()) {
		return null;
	}
	const path = [];
	let doc = document;
	for (;;) {
		const active = doc.activeElement;
		if (!active || (active.tagName !== 'IFRAME' && active.tagName !== 'FRAME')) {
			return { path: path, complete: true };
		}
		const frames = doc.querySelectorAll('iframe, frame');
		let index = -1;
		for (let i = 0; i < frames.length; i++) {
			if (frames[i] === active) { index = i; break; }
		}
		const name = active.getAttribute('name');
		path.push(name ? name : index);
		let inner = null;
		try { inner = active.contentDocument; } catch (e) { inner = null; }
		if (!inner) {
			return { path: path, complete: false };
		}
		doc = inner;
	}
}`

// SwitchToFocusedFrame rebuilds the frame path from the engine's focused
// window. Resolution retries under the focus budget; when no window gains
// focus in time, ErrNoFocusedFrame is returned and the path is unchanged.
// A focused window outside this surface's reachable tree (a cross-origin
// boundary) commits the deepest reachable prefix and returns
// ErrFocusBeyondBoundary.
func (p *Page) SwitchToFocusedFrame() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return ErrPageNotOpen
	}

	deadline := time.Now().Add(p.focusBudget)
	for {
		raw, err := p.evalMainWorld("", focusedFramePathJS)
		if err == nil {
			var walk struct {
				Path     []json.RawMessage `json:"path"`
				Complete bool              `json:"complete"`
			}
			if json.Unmarshal(raw, &walk) == nil && walk.Path != nil {
				path := make([]FrameSelector, 0, len(walk.Path))
				for _, step := range walk.Path {
					var name string
					var index int
					switch {
					case json.Unmarshal(step, &name) == nil:
						path = append(path, ByName(name))
					case json.Unmarshal(step, &index) == nil:
						path = append(path, ByIndex(index))
					default:
						return ErrNoSuchFrame
					}
				}
				p.framePath = path
				if !walk.Complete {
					return ErrFocusBeyondBoundary
				}
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrNoFocusedFrame
		}
		time.Sleep(10 * time.Millisecond)
	}
}
