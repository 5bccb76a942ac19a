package webpage

import (
	"errors"
	"fmt"
)

// ErrPageNotOpen is returned by operations that need a live browsing
// surface while the controller is not in the open state.
var ErrPageNotOpen = errors.New("page not open")

// ErrNoSuchFrame is returned when a frame selector does not resolve
// against the current content tree.
var ErrNoSuchFrame = errors.New("no such frame")

// ErrNoFocusedFrame is returned when no focused window could be resolved
// within the focus budget.
var ErrNoFocusedFrame = errors.New("no focused frame")

// ErrFocusBeyondBoundary is returned when the focused window sits past a
// boundary this surface cannot walk into, such as a cross-origin frame.
// The deepest reachable prefix of the path is still committed.
var ErrFocusBeyondBoundary = errors.New("focused frame beyond reachable boundary")

// UsageError reports invalid arguments or calls in the wrong state. It is
// always raised synchronously to the caller, never swallowed.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func usageErrorf(op, format string, args ...interface{}) error {
	return &UsageError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// NotImplementedError marks a surface that exists in the API but has no
// behavior yet. It is raised explicitly instead of silently doing nothing.
type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s: not implemented", e.Op)
}

// StackFrame is one entry of a normalized content stack trace.
type StackFrame struct {
	File     string
	Line     int
	Function string
}

// EvalError is a content evaluation failure caught at the sandbox
// boundary, normalized to a message and stack frames.
type EvalError struct {
	Message string
	Stack   []StackFrame
}

func (e *EvalError) Error() string {
	return e.Message
}
