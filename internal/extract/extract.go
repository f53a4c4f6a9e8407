// Package extract reads hyperlink targets out of a loaded document.
package extract

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/tracer"
)

const (
	anchorSelector = "a"
	hrefAttribute  = "href"
)

// Links returns the raw href value of every anchor in doc, in document order.
// An anchor without an href contributes "". Values are not resolved or
// deduplicated.
func Links(ctx context.Context, doc browser.Document) (links []string, err error) {
	ctx, span := tracer.StartSpan(ctx, "extract.links")
	defer func() {
		span.SetAttributes(attribute.Int("links", len(links)))
		tracer.End(span, err)
	}()

	if doc == nil {
		return nil, &browser.QueryError{Selector: anchorSelector, Err: browser.ErrNoDocument}
	}

	elems, err := doc.QueryAll(ctx, anchorSelector)
	if err != nil {
		return nil, asQueryError(err)
	}

	links = make([]string, 0, len(elems))
	for _, el := range elems {
		href, _, err := el.Attribute(ctx, hrefAttribute)
		if err != nil {
			return nil, asQueryError(err)
		}
		links = append(links, href)
	}
	return links, nil
}

func asQueryError(err error) error {
	if errors.Is(err, browser.ErrQuery) {
		return err
	}
	return &browser.QueryError{Selector: anchorSelector, Err: err}
}
