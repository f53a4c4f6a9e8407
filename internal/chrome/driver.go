package chrome

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomyan/linkdump/internal/browser"
)

// Options configures Dial.
type Options struct {
	// NewTab opens a dedicated tab instead of attaching to the first page.
	NewTab bool
	Logger *slog.Logger
}

// Driver implements browser.Driver over a single page session.
type Driver struct {
	client     *Client
	page       *Page
	ownsTarget bool
	logger     *slog.Logger
}

// Dial connects to the browser at addr and attaches to a page. When no page
// exists, or opts.NewTab is set, a tab is created and closed again by Close.
func Dial(ctx context.Context, addr string, opts Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	d := &Driver{client: client, logger: logger}

	targetID, err := d.pickTarget(ctx, opts.NewTab)
	if err != nil {
		d.Close()
		return nil, err
	}

	page, err := client.AttachPage(ctx, targetID)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.page = page

	logger.Debug("attached to page", "target", targetID, "session", page.SessionID, "new_tab", d.ownsTarget)
	return d, nil
}

func (d *Driver) pickTarget(ctx context.Context, newTab bool) (string, error) {
	if !newTab {
		pages, err := d.client.Pages(ctx)
		if err != nil {
			return "", fmt.Errorf("listing pages: %w", err)
		}
		if len(pages) > 0 {
			return pages[0].ID, nil
		}
	}

	targetID, err := d.client.NewTab(ctx, "")
	if err != nil {
		return "", err
	}
	d.ownsTarget = true
	return targetID, nil
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, url string, strategy browser.LoadStrategy) (browser.Document, error) {
	res, err := d.page.Navigate(ctx, url, strategy)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("page loaded", "url", res.URL, "frame", res.FrameID, "strategy", string(strategy))
	return &document{page: d.page}, nil
}

// Close closes the tab the driver opened, if any, then the connection.
func (d *Driver) Close() error {
	if d.ownsTarget && d.page != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.client.CloseTab(ctx, d.page.TargetID); err != nil {
			d.logger.Warn("closing tab", "target", d.page.TargetID, "err", err)
		}
	}
	return d.client.Close()
}

type document struct {
	page *Page
}

func (doc *document) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	ids, err := doc.page.QuerySelectorAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	elems := make([]browser.Element, len(ids))
	for i, id := range ids {
		elems[i] = &element{page: doc.page, nodeID: id}
	}
	return elems, nil
}

type element struct {
	page   *Page
	nodeID int64
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	attrs, err := e.page.Attributes(ctx, e.nodeID)
	if err != nil {
		return "", false, err
	}
	v, ok := attrs[name]
	return v, ok, nil
}
