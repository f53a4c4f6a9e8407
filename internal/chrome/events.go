package chrome

import (
	"context"
	"fmt"

	"github.com/tomyan/linkdump/internal/browser"
)

// EventStream is a browser-level connection used only for events. It enables
// target discovery so target lifecycle events flow while the command
// connection is busy.
type EventStream struct {
	client *Client
}

// DialEvents opens a dedicated event connection to the browser at addr.
func DialEvents(ctx context.Context, addr string) (*EventStream, error) {
	client, err := Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	_, err = client.Call(ctx, "Target.setDiscoverTargets", map[string]interface{}{
		"discover": true,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("enabling target discovery: %w", err)
	}

	return &EventStream{client: client}, nil
}

func (s *EventStream) Events() <-chan browser.Event {
	return s.client.Events()
}

// Ping round-trips Browser.getVersion.
func (s *EventStream) Ping(ctx context.Context) error {
	_, err := s.client.Version(ctx)
	return err
}

func (s *EventStream) Close() error {
	return s.client.Close()
}
