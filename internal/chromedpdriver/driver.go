// Package chromedpdriver implements browser.Driver on top of chromedp.
package chromedpdriver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/tomyan/linkdump/internal/browser"
)

// Driver drives one tab of a remote browser through chromedp.
type Driver struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	logger      *slog.Logger
}

// Dial connects to the browser at addr (host:port or a ws:// URL) and opens
// a tab. ctx bounds the connection attempt only; the tab lives until Close.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	wsURL := addr
	if !strings.Contains(addr, "://") {
		wsURL = "ws://" + addr
	}

	d := &Driver{logger: logger}

	var allocCtx context.Context
	allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), wsURL)
	d.tabCtx, d.tabCancel = chromedp.NewContext(allocCtx,
		chromedp.WithDebugf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// The first Run binds the tab to the context it is given, so it must
	// not be derived from ctx.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(d.tabCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connecting to browser: %w", err)
		}
	case <-ctx.Done():
		d.Close()
		return nil, fmt.Errorf("connecting to browser: %w", ctx.Err())
	}

	logger.Debug("chromedp tab opened", "addr", wsURL, "target", string(chromedp.FromContext(d.tabCtx).Target.TargetID))
	return d, nil
}

// runContext derives a context from the tab that is also cancelled with ctx.
func (d *Driver) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(d.tabCtx)
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, url string, strategy browser.LoadStrategy) (browser.Document, error) {
	rctx, cancel := d.runContext(ctx)
	defer cancel()

	if err := chromedp.Run(rctx, navigateAction(url, strategy)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &document{driver: d}, nil
}

// lifecycleEvent returns the lifecycle event name that completes a
// navigation under strategy, or "" when the command alone completes it.
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

// navigateAction issues Page.navigate and waits for the lifecycle event of
// the document it commits. Load events of the previous document are ignored
// and errorText is reported as browser.ErrLoadFailed.
func navigateAction(url string, strategy browser.LoadStrategy) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		name := lifecycleEvent(strategy)

		var events chan *page.EventLifecycleEvent
		if name != "" {
			if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enabling lifecycle events: %w", err)
			}
			events = make(chan *page.EventLifecycleEvent, 64)
			lctx, cancel := context.WithCancel(ctx)
			defer cancel()
			chromedp.ListenTarget(lctx, func(ev any) {
				if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == name {
					select {
					case events <- e:
					default:
					}
				}
			})
		}

		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("%w: %s", browser.ErrLoadFailed, res.ErrorText)
		}

		// A same-document navigation has no loader and fires no load events.
		if events == nil || res.LoaderID == "" {
			return nil
		}
		for {
			select {
			case e := <-events:
				if e.FrameID == res.FrameID && e.LoaderID == res.LoaderID {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Close closes the tab and drops the connection. The remote browser keeps
// running.
func (d *Driver) Close() error {
	if d.tabCancel != nil {
		d.tabCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	return nil
}

type document struct {
	driver *Driver
}

func (doc *document) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	rctx, cancel := doc.driver.runContext(ctx)
	defer cancel()

	// Bound the wait for the document root; an empty result is not an error.
	rctx, cancelWait := context.WithTimeout(rctx, 30*time.Second)
	defer cancelWait()

	var nodes []*cdp.Node
	if err := chromedp.Run(rctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("querying selector: %w", err)
	}

	elems := make([]browser.Element, len(nodes))
	for i, n := range nodes {
		elems[i] = element{node: n}
	}
	return elems, nil
}

// element reads attributes from the node snapshot chromedp fetched with the
// query.
type element struct {
	node *cdp.Node
}

func (e element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.node.Attribute(name)
	return v, ok, nil
}
