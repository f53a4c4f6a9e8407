package chrome

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomyan/linkdump/internal/browser"
)

// Version returns the browser version information.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	result, err := c.Call(ctx, "Browser.getVersion", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Product         string `json:"product"`
		ProtocolVersion string `json:"protocolVersion"`
		UserAgent       string `json:"userAgent"`
		JsVersion       string `json:"jsVersion"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling version: %w", err)
	}

	return &VersionInfo{
		Browser:         resp.Product,
		ProtocolVersion: resp.ProtocolVersion,
		UserAgent:       resp.UserAgent,
		V8Version:       resp.JsVersion,
	}, nil
}

// Targets returns all browser targets (pages, workers, etc.).
func (c *Client) Targets(ctx context.Context) ([]TargetInfo, error) {
	result, err := c.Call(ctx, "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			Title    string `json:"title"`
			URL      string `json:"url"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling targets: %w", err)
	}

	targets := make([]TargetInfo, 0, len(resp.TargetInfos))
	for _, t := range resp.TargetInfos {
		targets = append(targets, TargetInfo{
			ID:    t.TargetID,
			Type:  t.Type,
			Title: t.Title,
			URL:   t.URL,
		})
	}

	return targets, nil
}

// Pages returns only page targets (tabs).
func (c *Client) Pages(ctx context.Context) ([]TargetInfo, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}

	pages := make([]TargetInfo, 0)
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// NewTab creates a new browser tab and returns its target ID.
func (c *Client) NewTab(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}

	result, err := c.Call(ctx, "Target.createTarget", map[string]interface{}{
		"url": url,
	})
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}

	var resp struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	return resp.TargetID, nil
}

// CloseTab closes a browser tab by its target ID.
func (c *Client) CloseTab(ctx context.Context, targetID string) error {
	c.sessionsMu.Lock()
	delete(c.sessions, targetID)
	c.sessionsMu.Unlock()

	_, err := c.Call(ctx, "Target.closeTarget", map[string]interface{}{
		"targetId": targetID,
	})
	if err != nil {
		return fmt.Errorf("closing target: %w", err)
	}
	return nil
}

// Page is a flattened protocol session attached to one page target.
type Page struct {
	client    *Client
	TargetID  string
	SessionID string
}

// AttachPage attaches to the page target and returns a handle on its session.
func (c *Client) AttachPage(ctx context.Context, targetID string) (*Page, error) {
	sessionID, err := c.attachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return &Page{client: c, TargetID: targetID, SessionID: sessionID}, nil
}

func (p *Page) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return p.client.CallSession(ctx, p.SessionID, method, params)
}

// lifecycleEvent returns the Page.lifecycleEvent name that completes a
// navigation under strategy, or "" when the navigation completes with the
// command itself.
func lifecycleEvent(strategy browser.LoadStrategy) string {
	switch strategy {
	case browser.LoadEager:
		return "DOMContentLoaded"
	case browser.LoadNone:
		return ""
	default:
		return "load"
	}
}

type lifecycleParams struct {
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId"`
	Name     string `json:"name"`
}

// Navigate navigates the page to url and waits until the document it
// commits reaches the lifecycle event selected by strategy. Events from any
// other document are ignored. A navigation the browser reports as failed
// returns browser.ErrLoadFailed.
func (p *Page) Navigate(ctx context.Context, url string, strategy browser.LoadStrategy) (*NavigateResult, error) {
	_, err := p.call(ctx, "Page.enable", nil)
	if err != nil {
		return nil, fmt.Errorf("enabling Page domain: %w", err)
	}

	// Subscribe before navigating so the event cannot be missed
	name := lifecycleEvent(strategy)
	var lifeCh chan json.RawMessage
	if name != "" {
		_, err := p.call(ctx, "Page.setLifecycleEventsEnabled", map[string]bool{"enabled": true})
		if err != nil {
			return nil, fmt.Errorf("enabling lifecycle events: %w", err)
		}
		lifeCh = p.client.subscribeEvent(p.SessionID, "Page.lifecycleEvent")
		defer p.client.unsubscribeEvent(p.SessionID, "Page.lifecycleEvent", lifeCh)
	}

	navResult, err := p.call(ctx, "Page.navigate", map[string]string{
		"url": url,
	})
	if err != nil {
		return nil, fmt.Errorf("navigating: %w", err)
	}

	var navResp struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(navResult, &navResp); err != nil {
		return nil, fmt.Errorf("parsing navigate response: %w", err)
	}

	if navResp.ErrorText != "" {
		return nil, fmt.Errorf("%w: %s", browser.ErrLoadFailed, navResp.ErrorText)
	}

	// A same-document navigation has no loader and fires no load events.
	if lifeCh != nil && navResp.LoaderID != "" {
		if err := p.waitLifecycle(ctx, lifeCh, navResp.FrameID, navResp.LoaderID, name); err != nil {
			return nil, err
		}
	}

	return &NavigateResult{
		FrameID:  navResp.FrameID,
		LoaderID: navResp.LoaderID,
		URL:      url,
	}, nil
}

// waitLifecycle blocks until ch delivers event name for the given frame and
// loader.
func (p *Page) waitLifecycle(ctx context.Context, ch chan json.RawMessage, frameID, loaderID, name string) error {
	for {
		select {
		case raw := <-ch:
			var ev lifecycleParams
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if ev.FrameID == frameID && ev.LoaderID == loaderID && ev.Name == name {
				return nil
			}
		case <-p.client.closeCh:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
