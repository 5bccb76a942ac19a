// Package webpage implements a callback-driven controller for one browsing
// surface of a Chromium engine driven over the DevTools protocol. One Page
// exclusively owns one surface; it can navigate it, evaluate and inject
// script, synthesize input, walk frame hierarchies, capture rendered output
// and republish engine lifecycle and network signals as normalized
// callbacks.
package webpage

import "time"

// State is the controller lifecycle state.
type State int

const (
	// StateUnopened means no browsing surface has been allocated yet.
	StateUnopened State = iota
	// StateOpening means the surface exists and the first load is running.
	StateOpening
	// StateOpen means the surface is ready for operations.
	StateOpen
	// StateClosed is terminal; the surface has been released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the outcome of a navigation.
type Status string

const (
	// StatusSuccess marks a navigation that reached its terminal load event.
	StatusSuccess Status = "success"
	// StatusFail marks a navigation that failed to load.
	StatusFail Status = "fail"
)

// ClipRect restricts rendered output to a rectangle of the surface.
// Top and Left must be non-negative, Width and Height positive.
type ClipRect struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

// ViewportSize is the logical size of the browsing surface.
type ViewportSize struct {
	Width  int
	Height int
}

// ResourceRequest describes one outgoing network request.
type ResourceRequest struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
	Time    time.Time
}

// ResourceResponse describes one network response, or a synthetic empty
// response for a failed content load.
type ResourceResponse struct {
	ID          string
	URL         string
	Status      int
	StatusText  string
	ContentType string
	Headers     map[string]string
	Time        time.Time
}

// NavigationType classifies an intercepted navigation request.
type NavigationType string

// Navigation types reported by OnNavigationRequested.
const (
	NavigationUndefined       NavigationType = "Undefined"
	NavigationLinkClicked     NavigationType = "LinkClicked"
	NavigationFormSubmitted   NavigationType = "FormSubmitted"
	NavigationBackOrForward   NavigationType = "BackOrForward"
	NavigationReload          NavigationType = "Reload"
	NavigationFormResubmitted NavigationType = "FormResubmitted"
	NavigationOther           NavigationType = "Other"
)

// DefaultFocusBudget bounds how long focused-frame resolution may retry
// before reporting that no window has focus.
const DefaultFocusBudget = 300 * time.Millisecond

// DefaultPopupWait bounds how long popup interception waits for the engine
// to finish constructing a child surface.
const DefaultPopupWait = 10 * time.Second
