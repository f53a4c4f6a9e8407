package browser

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the session bridge or the link
// extractor matches exactly one of these with errors.Is.
var (
	ErrSession    = errors.New("session error")
	ErrNavigation = errors.New("navigation error")
	ErrQuery      = errors.New("query error")
)

// Causes.
var (
	ErrSessionOpen       = errors.New("session already open")
	ErrSessionClosed     = errors.New("session not open")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrLoadFailed        = errors.New("page load failed")
	ErrNoDocument        = errors.New("no document loaded")
	ErrDocumentClosed    = errors.New("document no longer valid")
)

// SessionError reports a control channel that could not be opened, used or
// released.
type SessionError struct {
	Op   string // "open", "navigate", "close"
	Addr string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool { return target == ErrSession }

// NavigationError reports a load failure or an expired navigation timeout.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

func (e *NavigationError) Is(target error) bool { return target == ErrNavigation }

// QueryError reports a read against a missing or invalid document.
type QueryError struct {
	Selector string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Selector, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrQuery }
