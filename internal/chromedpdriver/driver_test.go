package chromedpdriver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/chromedpdriver"
)

// browserAddr returns the DevTools address of a real browser to test against.
func browserAddr(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr := os.Getenv("LINKDUMP_TEST_ADDR")
	if addr == "" {
		t.Skip("LINKDUMP_TEST_ADDR not set")
	}
	return addr
}

func TestDial_FailsWithBadPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := chromedpdriver.Dial(ctx, "127.0.0.1:1", nil)
	assert.Error(t, err)
}

func TestDriver_ExtractsAnchors(t *testing.T) {
	addr := browserAddr(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><a href="/a">a</a><a href="https://x.test/b">b</a><a>c</a></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d, err := chromedpdriver.Dial(ctx, addr, nil)
	require.NoError(t, err)
	defer d.Close()

	for _, strategy := range []browser.LoadStrategy{browser.LoadNormal, browser.LoadEager} {
		doc, err := d.Navigate(ctx, srv.URL, strategy)
		require.NoError(t, err, "strategy %s", strategy)

		elems, err := doc.QueryAll(ctx, "a")
		require.NoError(t, err)
		require.Len(t, elems, 3)

		var hrefs []string
		for _, el := range elems {
			v, _, err := el.Attribute(ctx, "href")
			require.NoError(t, err)
			hrefs = append(hrefs, v)
		}
		assert.Equal(t, []string{"/a", "https://x.test/b", ""}, hrefs)
	}
}

func TestDriver_LoadFailureIsErrLoadFailed(t *testing.T) {
	addr := browserAddr(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d, err := chromedpdriver.Dial(ctx, addr, nil)
	require.NoError(t, err)
	defer d.Close()

	for _, strategy := range []browser.LoadStrategy{browser.LoadNormal, browser.LoadEager, browser.LoadNone} {
		_, err := d.Navigate(ctx, "http://nowhere.invalid/", strategy)
		assert.ErrorIs(t, err, browser.ErrLoadFailed, "strategy %s", strategy)
	}
}
