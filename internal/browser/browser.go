// Package browser defines the capabilities the session bridge and the link
// extractor consume from a remote browser, independent of the protocol client
// that provides them.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LoadStrategy decides when a navigation is considered complete.
type LoadStrategy string

const (
	// LoadNormal waits for the load event.
	LoadNormal LoadStrategy = "normal"
	// LoadEager waits for DOMContentLoaded.
	LoadEager LoadStrategy = "eager"
	// LoadNone returns as soon as the navigation command is acknowledged.
	LoadNone LoadStrategy = "none"
)

// ParseLoadStrategy parses a strategy name. The empty string means LoadNormal.
func ParseLoadStrategy(s string) (LoadStrategy, error) {
	switch LoadStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case LoadNormal, "":
		return LoadNormal, nil
	case LoadEager:
		return LoadEager, nil
	case LoadNone:
		return LoadNone, nil
	}
	return "", fmt.Errorf("unknown load strategy: %q (want normal, eager or none)", s)
}

// Driver is the command interface to one browser page.
type Driver interface {
	// Navigate loads url and blocks until strategy reports the page loaded.
	Navigate(ctx context.Context, url string, strategy LoadStrategy) (Document, error)
	// Close releases the connection and anything the driver created.
	Close() error
}

// Document is a handle on the page loaded by a navigation.
type Document interface {
	// QueryAll returns every element matching selector, in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Element is a read-only view of one DOM element.
type Element interface {
	// Attribute returns the value of the named attribute and whether it is
	// present on the element.
	Attribute(ctx context.Context, name string) (value string, ok bool, err error)
}

// Event is a protocol event observed on the control channel.
type Event struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// EventStream is the event-driven side of a control session.
type EventStream interface {
	// Events is closed when the underlying connection goes away.
	Events() <-chan Event
	// Ping round-trips a cheap command to keep the channel alive.
	Ping(ctx context.Context) error
	Close() error
}
