package extract_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/chrome"
	"github.com/tomyan/linkdump/internal/extract"
	"github.com/tomyan/linkdump/internal/session"
	"github.com/tomyan/linkdump/internal/testutil"
)

// anchor is a stub element; a nil href means the attribute is absent.
type anchor struct {
	href *string
	err  error
}

func (a anchor) Attribute(_ context.Context, name string) (string, bool, error) {
	if a.err != nil {
		return "", false, a.err
	}
	if name != "href" || a.href == nil {
		return "", false, nil
	}
	return *a.href, true, nil
}

type stubDoc struct {
	anchors []browser.Element
	err     error
	queried []string
}

func (d *stubDoc) QueryAll(_ context.Context, selector string) ([]browser.Element, error) {
	d.queried = append(d.queried, selector)
	return d.anchors, d.err
}

func href(s string) anchor { return anchor{href: &s} }

func TestLinks_DocumentOrder(t *testing.T) {
	doc := &stubDoc{anchors: []browser.Element{href("/z"), href("/a"), href("/z"), href("#top")}}

	links, err := extract.Links(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, []string{"/z", "/a", "/z", "#top"}, links)
	assert.Equal(t, []string{"a"}, doc.queried)
}

func TestLinks_MissingHrefIsEmpty(t *testing.T) {
	doc := &stubDoc{anchors: []browser.Element{href("/a"), anchor{}, href("")}}

	links, err := extract.Links(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "", ""}, links)
}

func TestLinks_NoAnchors(t *testing.T) {
	links, err := extract.Links(context.Background(), &stubDoc{})
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestLinks_Idempotent(t *testing.T) {
	doc := &stubDoc{anchors: []browser.Element{href("/a"), anchor{}}}

	first, err := extract.Links(context.Background(), doc)
	require.NoError(t, err)
	second, err := extract.Links(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLinks_NilDocument(t *testing.T) {
	_, err := extract.Links(context.Background(), nil)
	assert.ErrorIs(t, err, browser.ErrQuery)
	assert.ErrorIs(t, err, browser.ErrNoDocument)
}

func TestLinks_QueryFailureIsQueryError(t *testing.T) {
	gone := errors.New("target detached")

	_, err := extract.Links(context.Background(), &stubDoc{err: gone})
	assert.ErrorIs(t, err, browser.ErrQuery)
	assert.ErrorIs(t, err, gone)

	_, err = extract.Links(context.Background(), &stubDoc{anchors: []browser.Element{anchor{err: gone}}})
	assert.ErrorIs(t, err, browser.ErrQuery)
	assert.ErrorIs(t, err, gone)
}

func TestLinks_KeepsExistingQueryError(t *testing.T) {
	qerr := &browser.QueryError{Selector: "a", Err: browser.ErrDocumentClosed}

	_, err := extract.Links(context.Background(), &stubDoc{err: qerr})
	assert.Same(t, qerr, err)
}

func TestLinks_FromBrowser(t *testing.T) {
	fake := testutil.NewBrowser(t)
	fake.SetPage("http://x.test/", `<html><body>
<a href="/a">first</a>
<div><p><a href="https://x.test/b">second</a></p></div>
<a name="anchor-only">third</a>
</body></html>`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := session.New(session.Config{Addr: fake.Addr()}, func(ctx context.Context, addr string) (browser.Driver, error) {
		return chrome.Dial(ctx, addr, chrome.Options{})
	})

	var links []string
	err := b.Run(ctx, "http://x.test/", func(ctx context.Context, doc browser.Document) error {
		var err error
		links, err = extract.Links(ctx, doc)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "https://x.test/b", ""}, links)
}

func TestLinks_AfterSessionClosed(t *testing.T) {
	fake := testutil.NewBrowser(t)
	fake.SetPage("http://x.test/", `<a href="/a">a</a>`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := session.New(session.Config{Addr: fake.Addr()}, func(ctx context.Context, addr string) (browser.Driver, error) {
		return chrome.Dial(ctx, addr, chrome.Options{})
	})

	var doc browser.Document
	require.NoError(t, b.Run(ctx, "http://x.test/", func(_ context.Context, d browser.Document) error {
		doc = d
		return nil
	}))

	_, err := extract.Links(ctx, doc)
	assert.ErrorIs(t, err, browser.ErrQuery)
	assert.ErrorIs(t, err, browser.ErrDocumentClosed)
}
