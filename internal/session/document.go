package session

import (
	"context"
	"errors"

	"github.com/tomyan/linkdump/internal/browser"
)

// document guards a driver document so it can only be read while the
// navigation that produced it is still current.
type document struct {
	bridge *Bridge
	sess   *session
	gen    uint64
	doc    browser.Document
}

func (d *document) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if !d.bridge.valid(d.sess, d.gen) {
		return nil, &browser.QueryError{Selector: selector, Err: browser.ErrDocumentClosed}
	}

	elems, err := d.doc.QueryAll(ctx, selector)
	if err != nil {
		var qerr *browser.QueryError
		if errors.As(err, &qerr) {
			return nil, err
		}
		return nil, &browser.QueryError{Selector: selector, Err: err}
	}

	wrapped := make([]browser.Element, len(elems))
	for i, el := range elems {
		wrapped[i] = &element{doc: d, selector: selector, el: el}
	}
	return wrapped, nil
}

type element struct {
	doc      *document
	selector string
	el       browser.Element
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	if !e.doc.bridge.valid(e.doc.sess, e.doc.gen) {
		return "", false, &browser.QueryError{Selector: e.selector, Err: browser.ErrDocumentClosed}
	}

	v, ok, err := e.el.Attribute(ctx, name)
	if err != nil {
		var qerr *browser.QueryError
		if errors.As(err, &qerr) {
			return "", false, err
		}
		return "", false, &browser.QueryError{Selector: e.selector, Err: err}
	}
	return v, ok, nil
}
