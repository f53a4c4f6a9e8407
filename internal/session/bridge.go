// Package session owns the lifecycle of one browser control session.
//
// A Bridge opens the session, hands the single blocking navigation to a
// worker goroutine while its own scheduler goroutines keep draining the
// event channel, and releases everything on Close. Run wraps the whole
// sequence so release happens on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/tracer"
)

// State is the lifecycle state of a Bridge.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// DialFunc connects the command driver.
type DialFunc func(ctx context.Context, addr string) (browser.Driver, error)

// EventDialFunc connects the event channel.
type EventDialFunc func(ctx context.Context, addr string) (browser.EventStream, error)

// Config holds the session settings.
type Config struct {
	Addr              string
	LoadStrategy      browser.LoadStrategy
	EnableBiDi        bool
	NavigationTimeout time.Duration // zero waits for the load strategy indefinitely
	ConnectTimeout    time.Duration // zero leaves the caller's context in charge
	PingInterval      time.Duration // zero disables keepalive pings
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithEventDialer sets how the event channel is opened when EnableBiDi is set.
func WithEventDialer(dial EventDialFunc) Option {
	return func(b *Bridge) { b.dialEvents = dial }
}

// WithEventHandler registers fn to receive every event on the control
// channel. fn runs on the scheduler goroutine and must not block.
func WithEventHandler(fn func(browser.Event)) Option {
	return func(b *Bridge) { b.onEvent = fn }
}

// Bridge coordinates session setup, one blocking navigation and teardown.
type Bridge struct {
	cfg        Config
	dial       DialFunc
	dialEvents EventDialFunc
	onEvent    func(browser.Event)
	logger     *slog.Logger

	mu   sync.Mutex
	sess *session // nil while Closed
}

// session is one Open period of a Bridge.
type session struct {
	driver browser.Driver
	events browser.EventStream
	stop   context.CancelFunc
	sched  *errgroup.Group
	nav    sync.WaitGroup // in-flight navigation workers
	gen    uint64         // bumped by each navigation; older documents are stale
}

// New returns a closed Bridge.
func New(cfg Config, dial DialFunc, opts ...Option) *Bridge {
	if cfg.LoadStrategy == "" {
		cfg.LoadStrategy = browser.LoadNormal
	}
	b := &Bridge{
		cfg:    cfg,
		dial:   dial,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports whether a session is open.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil {
		return Open
	}
	return Closed
}

// Open establishes the control session. On failure nothing is left open.
func (b *Bridge) Open(ctx context.Context) (err error) {
	ctx, span := tracer.StartSpan(ctx, "session.open",
		attribute.String("addr", b.cfg.Addr),
		attribute.Bool("bidi", b.cfg.EnableBiDi),
	)
	defer func() { tracer.End(span, err) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		return &browser.SessionError{Op: "open", Addr: b.cfg.Addr, Err: browser.ErrSessionOpen}
	}

	if b.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
	}

	driver, err := b.dial(ctx, b.cfg.Addr)
	if err != nil {
		return &browser.SessionError{Op: "open", Addr: b.cfg.Addr, Err: err}
	}

	var events browser.EventStream
	if b.cfg.EnableBiDi {
		if b.dialEvents == nil {
			err = errors.New("no event channel configured")
		} else {
			events, err = b.dialEvents(ctx, b.cfg.Addr)
		}
		if err != nil {
			driver.Close()
			return &browser.SessionError{Op: "open", Addr: b.cfg.Addr, Err: fmt.Errorf("event channel: %w", err)}
		}
	}

	// The scheduler outlives ctx; it is stopped by Close.
	schedCtx, stop := context.WithCancel(context.Background())
	sched, schedCtx := errgroup.WithContext(schedCtx)
	s := &session{driver: driver, events: events, stop: stop, sched: sched}

	if events != nil {
		sched.Go(func() error { return b.eventLoop(schedCtx, events) })
		if b.cfg.PingInterval > 0 {
			sched.Go(func() error { return b.pingLoop(schedCtx, events) })
		}
	}

	b.sess = s
	b.logger.Info("session opened", "addr", b.cfg.Addr, "bidi", events != nil)
	return nil
}

func (b *Bridge) eventLoop(ctx context.Context, events browser.EventStream) error {
	ch := events.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				b.logger.Debug("event channel closed")
				return nil
			}
			b.logger.Debug("session event", "method", ev.Method, "session", ev.SessionID)
			if b.onEvent != nil {
				b.onEvent(ev)
			}
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, events browser.EventStream) error {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, b.cfg.PingInterval)
			err := events.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("session ping failed", "err", err)
			}
		}
	}
}

type navResult struct {
	doc browser.Document
	err error
}

// Navigate loads url and returns a handle on the loaded document. The
// driver call runs on its own goroutine; the caller waits for it to report
// back or for ctx to end. Cancellation is returned as the context's error,
// a NavigationTimeout expiry as a NavigationError.
func (b *Bridge) Navigate(ctx context.Context, url string) (_ browser.Document, err error) {
	ctx, span := tracer.StartSpan(ctx, "session.navigate",
		attribute.String("url", url),
		attribute.String("load_strategy", string(b.cfg.LoadStrategy)),
	)
	defer func() { tracer.End(span, err) }()

	b.mu.Lock()
	s := b.sess
	if s == nil {
		b.mu.Unlock()
		return nil, &browser.SessionError{Op: "navigate", Addr: b.cfg.Addr, Err: browser.ErrSessionClosed}
	}
	s.gen++
	gen := s.gen
	s.nav.Add(1)
	b.mu.Unlock()

	var navCtx context.Context
	var cancel context.CancelFunc
	if b.cfg.NavigationTimeout > 0 {
		navCtx, cancel = context.WithTimeoutCause(ctx, b.cfg.NavigationTimeout, browser.ErrNavigationTimeout)
	} else {
		navCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	b.logger.Debug("navigation delegated to worker", "url", url, "timeout", b.cfg.NavigationTimeout)
	done := make(chan navResult, 1)
	go func() {
		defer s.nav.Done()
		doc, err := s.driver.Navigate(navCtx, url, b.cfg.LoadStrategy)
		done <- navResult{doc: doc, err: err}
	}()

	var res navResult
	select {
	case res = <-done:
	case <-navCtx.Done():
		res.err = navCtx.Err()
	}

	if res.err != nil {
		if errors.Is(context.Cause(navCtx), browser.ErrNavigationTimeout) {
			return nil, &browser.NavigationError{URL: url, Err: browser.ErrNavigationTimeout}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("navigate %s: %w", url, ctx.Err())
		}
		return nil, &browser.NavigationError{URL: url, Err: res.err}
	}

	b.logger.Info("page loaded", "url", url)
	return &document{bridge: b, sess: s, gen: gen, doc: res.doc}, nil
}

// Close releases the session: the scheduler is stopped, the driver and event
// channel are closed and every goroutine the session started has exited
// before Close returns. Closing a closed Bridge does nothing.
func (b *Bridge) Close() (err error) {
	b.mu.Lock()
	s := b.sess
	b.sess = nil
	b.mu.Unlock()

	if s == nil {
		return nil
	}

	_, span := tracer.StartSpan(context.Background(), "session.close", attribute.String("addr", b.cfg.Addr))
	defer func() { tracer.End(span, err) }()

	s.stop()

	var errs []error
	if cerr := s.driver.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("closing driver: %w", cerr))
	}
	if s.events != nil {
		if cerr := s.events.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("closing event channel: %w", cerr))
		}
	}

	s.nav.Wait()
	if werr := s.sched.Wait(); werr != nil {
		errs = append(errs, werr)
	}

	b.logger.Info("session closed", "addr", b.cfg.Addr)

	if len(errs) > 0 {
		return &browser.SessionError{Op: "close", Addr: b.cfg.Addr, Err: errors.Join(errs...)}
	}
	return nil
}

// Run opens the session, navigates to url and calls fn with the loaded
// document. The session is closed before Run returns on every path; a close
// error is reported only when nothing failed before it.
func (b *Bridge) Run(ctx context.Context, url string, fn func(context.Context, browser.Document) error) (err error) {
	if err := b.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	doc, err := b.Navigate(ctx, url)
	if err != nil {
		return err
	}
	return fn(ctx, doc)
}

// valid reports whether a document from navigation gen of s may still be read.
func (b *Bridge) valid(s *session, gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess == s && s.gen == gen
}
