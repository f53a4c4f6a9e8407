package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/chrome"
	"github.com/tomyan/linkdump/internal/session"
	"github.com/tomyan/linkdump/internal/testutil"
)

// fakeDriver records calls and lets tests decide how navigation behaves.
type fakeDriver struct {
	navigate func(ctx context.Context, url string) (browser.Document, error)
	closeErr error

	navigated atomic.Int32
	closed    atomic.Int32
	strategy  atomic.Value
}

func (d *fakeDriver) Navigate(ctx context.Context, url string, strategy browser.LoadStrategy) (browser.Document, error) {
	d.navigated.Add(1)
	d.strategy.Store(strategy)
	if d.navigate != nil {
		return d.navigate(ctx, url)
	}
	return fakeDoc{"/a", "/b"}, nil
}

func (d *fakeDriver) Close() error {
	d.closed.Add(1)
	return d.closeErr
}

// hang blocks until ctx ends.
func hang(ctx context.Context, _ string) (browser.Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeDoc []string

func (d fakeDoc) QueryAll(_ context.Context, _ string) ([]browser.Element, error) {
	elems := make([]browser.Element, len(d))
	for i, href := range d {
		elems[i] = fakeElement(href)
	}
	return elems, nil
}

type fakeElement string

func (e fakeElement) Attribute(_ context.Context, _ string) (string, bool, error) {
	return string(e), true, nil
}

type fakeEvents struct {
	ch     chan browser.Event
	pings  atomic.Int32
	closed atomic.Int32
	once   sync.Once
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{ch: make(chan browser.Event, 16)}
}

func (e *fakeEvents) Events() <-chan browser.Event { return e.ch }

func (e *fakeEvents) Ping(context.Context) error {
	e.pings.Add(1)
	return nil
}

func (e *fakeEvents) Close() error {
	e.closed.Add(1)
	e.once.Do(func() { close(e.ch) })
	return nil
}

func dialer(d *fakeDriver) session.DialFunc {
	return func(context.Context, string) (browser.Driver, error) { return d, nil }
}

func eventDialer(e *fakeEvents) session.Option {
	return session.WithEventDialer(func(context.Context, string) (browser.EventStream, error) { return e, nil })
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBridge_Run_ClosesOnceOnSuccess(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{Addr: "fake:1"}, dialer(d))

	var got []string
	err := b.Run(testContext(t), "http://x.test/", func(ctx context.Context, doc browser.Document) error {
		assert.Equal(t, session.Open, b.State())
		elems, err := doc.QueryAll(ctx, "a")
		if err != nil {
			return err
		}
		for _, el := range elems {
			v, _, err := el.Attribute(ctx, "href")
			if err != nil {
				return err
			}
			got = append(got, v)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b"}, got)
	assert.Equal(t, int32(1), d.navigated.Load())
	assert.Equal(t, int32(1), d.closed.Load())
	assert.Equal(t, session.Closed, b.State())
	assert.Equal(t, browser.LoadNormal, d.strategy.Load())
}

func TestBridge_Run_ClosesOnceWhenCallbackFails(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{}, dialer(d))
	boom := errors.New("boom")

	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), d.closed.Load())
}

func TestBridge_Run_CloseErrorDoesNotMaskEarlierFailure(t *testing.T) {
	d := &fakeDriver{closeErr: errors.New("socket gone")}
	b := session.New(session.Config{}, dialer(d))
	boom := errors.New("boom")

	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, browser.ErrSession)

	err = b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return nil })
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.Contains(t, err.Error(), "socket gone")
}

func TestBridge_Open_FailureIsSessionError(t *testing.T) {
	refused := errors.New("connection refused")
	b := session.New(session.Config{Addr: "127.0.0.1:1"}, func(context.Context, string) (browser.Driver, error) {
		return nil, refused
	})

	called := false
	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, browser.ErrSession)
	assert.ErrorIs(t, err, refused)
	assert.NotErrorIs(t, err, browser.ErrNavigation)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
	assert.False(t, called)
	assert.Equal(t, session.Closed, b.State())
}

func TestBridge_Open_Twice(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{}, dialer(d))
	ctx := testContext(t)

	require.NoError(t, b.Open(ctx))
	defer b.Close()

	err := b.Open(ctx)
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.ErrorIs(t, err, browser.ErrSessionOpen)
}

func TestBridge_Open_ConnectTimeout(t *testing.T) {
	b := session.New(session.Config{ConnectTimeout: 50 * time.Millisecond}, func(ctx context.Context, _ string) (browser.Driver, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	err := b.Open(testContext(t))
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_Open_EventChannelFailureReleasesDriver(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{EnableBiDi: true}, dialer(d),
		session.WithEventDialer(func(context.Context, string) (browser.EventStream, error) {
			return nil, errors.New("no events")
		}),
	)

	err := b.Open(testContext(t))
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.Equal(t, int32(1), d.closed.Load())
	assert.Equal(t, session.Closed, b.State())
}

func TestBridge_Navigate_BeforeOpen(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{}, dialer(d))

	_, err := b.Navigate(testContext(t), "http://x.test/")
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.Equal(t, int32(0), d.navigated.Load())
}

func TestBridge_Navigate_LoadFailureIsNavigationError(t *testing.T) {
	d := &fakeDriver{navigate: func(context.Context, string) (browser.Document, error) {
		return nil, browser.ErrLoadFailed
	}}
	b := session.New(session.Config{}, dialer(d))

	err := b.Run(testContext(t), "http://nowhere.invalid/", func(context.Context, browser.Document) error {
		t.Fatal("callback must not run")
		return nil
	})

	require.ErrorIs(t, err, browser.ErrNavigation)
	assert.ErrorIs(t, err, browser.ErrLoadFailed)
	assert.Equal(t, int32(1), d.closed.Load())
}

func TestBridge_Navigate_Timeout(t *testing.T) {
	d := &fakeDriver{navigate: hang}
	b := session.New(session.Config{NavigationTimeout: 50 * time.Millisecond}, dialer(d))

	start := time.Now()
	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return nil })

	require.ErrorIs(t, err, browser.ErrNavigation)
	assert.ErrorIs(t, err, browser.ErrNavigationTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), d.closed.Load())
	assert.Equal(t, session.Closed, b.State())
}

func TestBridge_Navigate_CancellationIsNotNavigationError(t *testing.T) {
	d := &fakeDriver{navigate: hang}
	b := session.New(session.Config{}, dialer(d))

	ctx, cancel := context.WithCancel(testContext(t))
	time.AfterFunc(50*time.Millisecond, cancel)

	err := b.Run(ctx, "http://x.test/", func(context.Context, browser.Document) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, browser.ErrNavigation)
	assert.Equal(t, int32(1), d.closed.Load())
}

func TestBridge_Navigate_PassesLoadStrategy(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{LoadStrategy: browser.LoadEager}, dialer(d))

	require.NoError(t, b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return nil }))
	assert.Equal(t, browser.LoadEager, d.strategy.Load())
}

func TestBridge_Document_InvalidAfterClose(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{}, dialer(d))
	ctx := testContext(t)

	require.NoError(t, b.Open(ctx))
	doc, err := b.Navigate(ctx, "http://x.test/")
	require.NoError(t, err)

	elems, err := doc.QueryAll(ctx, "a")
	require.NoError(t, err)
	require.NotEmpty(t, elems)

	require.NoError(t, b.Close())

	_, err = doc.QueryAll(ctx, "a")
	assert.ErrorIs(t, err, browser.ErrQuery)
	assert.ErrorIs(t, err, browser.ErrDocumentClosed)

	_, _, err = elems[0].Attribute(ctx, "href")
	assert.ErrorIs(t, err, browser.ErrQuery)
}

func TestBridge_Document_InvalidAfterNextNavigation(t *testing.T) {
	d := &fakeDriver{}
	b := session.New(session.Config{}, dialer(d))
	ctx := testContext(t)

	require.NoError(t, b.Open(ctx))
	defer b.Close()

	first, err := b.Navigate(ctx, "http://x.test/1")
	require.NoError(t, err)
	second, err := b.Navigate(ctx, "http://x.test/2")
	require.NoError(t, err)

	_, err = first.QueryAll(ctx, "a")
	assert.ErrorIs(t, err, browser.ErrDocumentClosed)

	_, err = second.QueryAll(ctx, "a")
	assert.NoError(t, err)
}

func TestBridge_Document_WrapsDriverErrors(t *testing.T) {
	d := &fakeDriver{navigate: func(context.Context, string) (browser.Document, error) {
		return failingDoc{}, nil
	}}
	b := session.New(session.Config{}, dialer(d))

	err := b.Run(testContext(t), "http://x.test/", func(ctx context.Context, doc browser.Document) error {
		_, err := doc.QueryAll(ctx, "a")
		return err
	})

	var qerr *browser.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "a", qerr.Selector)
}

type failingDoc struct{}

func (failingDoc) QueryAll(context.Context, string) ([]browser.Element, error) {
	return nil, errors.New("node gone")
}

func TestBridge_Close_Idempotent(t *testing.T) {
	d := &fakeDriver{}
	e := newFakeEvents()
	b := session.New(session.Config{EnableBiDi: true}, dialer(d), eventDialer(e))

	require.NoError(t, b.Close())
	require.NoError(t, b.Open(testContext(t)))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, int32(1), d.closed.Load())
	assert.Equal(t, int32(1), e.closed.Load())
}

func TestBridge_Close_WaitsForHungNavigation(t *testing.T) {
	release := make(chan struct{})
	var returned atomic.Bool
	d := &fakeDriver{navigate: func(ctx context.Context, _ string) (browser.Document, error) {
		<-release
		returned.Store(true)
		return nil, errors.New("closed")
	}}
	b := session.New(session.Config{NavigationTimeout: 20 * time.Millisecond}, dialer(d))
	ctx := testContext(t)

	require.NoError(t, b.Open(ctx))
	_, err := b.Navigate(ctx, "http://x.test/")
	require.ErrorIs(t, err, browser.ErrNavigationTimeout)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	require.NoError(t, b.Close())
	assert.True(t, returned.Load(), "Close returned before the navigation worker")
}

func TestBridge_EventsFlowDuringNavigation(t *testing.T) {
	e := newFakeEvents()
	received := make(chan browser.Event, 4)

	d := &fakeDriver{navigate: func(ctx context.Context, _ string) (browser.Document, error) {
		e.ch <- browser.Event{Method: "Target.targetInfoChanged"}
		select {
		case ev := <-received:
			assert.Equal(t, "Target.targetInfoChanged", ev.Method)
			return fakeDoc{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	b := session.New(session.Config{EnableBiDi: true, NavigationTimeout: 2 * time.Second}, dialer(d),
		eventDialer(e),
		session.WithEventHandler(func(ev browser.Event) { received <- ev }),
	)

	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.closed.Load())
}

func TestBridge_PingsEventChannel(t *testing.T) {
	d := &fakeDriver{}
	e := newFakeEvents()
	b := session.New(session.Config{EnableBiDi: true, PingInterval: 10 * time.Millisecond}, dialer(d), eventDialer(e))

	require.NoError(t, b.Open(testContext(t)))
	assert.Eventually(t, func() bool { return e.pings.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
}

func TestBridge_WithBrowser(t *testing.T) {
	fake := testutil.NewBrowser(t)
	fake.SetPage("http://x.test/", `<a href="/a">a</a><a>b</a>`)

	dial := func(ctx context.Context, addr string) (browser.Driver, error) {
		return chrome.Dial(ctx, addr, chrome.Options{})
	}
	events := func(ctx context.Context, addr string) (browser.EventStream, error) {
		return chrome.DialEvents(ctx, addr)
	}

	created := make(chan struct{})
	var once sync.Once
	b := session.New(session.Config{Addr: fake.Addr(), EnableBiDi: true}, dial,
		session.WithEventDialer(events),
		session.WithEventHandler(func(ev browser.Event) {
			if ev.Method == "Target.targetCreated" {
				once.Do(func() { close(created) })
			}
		}),
	)

	var n int
	err := b.Run(testContext(t), "http://x.test/", func(ctx context.Context, doc browser.Document) error {
		select {
		case <-created:
		case <-ctx.Done():
			return ctx.Err()
		}
		elems, err := doc.QueryAll(ctx, "a")
		n = len(elems)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Eventually(t, func() bool { return fake.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_WithBrowser_HungLoadTimesOut(t *testing.T) {
	fake := testutil.NewBrowser(t)
	fake.HangLoad(true)

	dial := func(ctx context.Context, addr string) (browser.Driver, error) {
		return chrome.Dial(ctx, addr, chrome.Options{})
	}
	b := session.New(session.Config{Addr: fake.Addr(), NavigationTimeout: 100 * time.Millisecond}, dial)

	err := b.Run(testContext(t), "http://x.test/", func(context.Context, browser.Document) error { return nil })
	assert.ErrorIs(t, err, browser.ErrNavigationTimeout)
	assert.Equal(t, session.Closed, b.State())
}
