// Command linkdump attaches to a running browser, loads one page and prints
// the href of every anchor on it, one per line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tomyan/linkdump/internal/browser"
	"github.com/tomyan/linkdump/internal/chrome"
	"github.com/tomyan/linkdump/internal/chromedpdriver"
	"github.com/tomyan/linkdump/internal/extract"
	"github.com/tomyan/linkdump/internal/logger"
	"github.com/tomyan/linkdump/internal/session"
	"github.com/tomyan/linkdump/internal/tracer"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// Backends
const (
	BackendNative   = "native"
	BackendChromedp = "chromedp"
)

// Config holds the CLI configuration.
type Config struct {
	Addr           string
	LoadStrategy   string
	BiDi           bool
	URL            string
	NavTimeout     time.Duration // zero means no timeout
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	Backend        string
	NewTab         bool
	Output         string // text, json, ndjson
	LogLevel       string
	LogFormat      string
	Trace          string // "", noop, stderr

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the default configuration with built-in defaults.
// The config file and environment variables are applied later in the chain.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:9222",
		LoadStrategy:   string(browser.LoadNormal),
		BiDi:           true,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   10 * time.Second,
		Backend:        BackendNative,
		Output:         "text",
		LogLevel:       "info",
		LogFormat:      "text",
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

func main() {
	cfg := DefaultConfig()
	os.Exit(run(os.Args[1:], cfg))
}

// flagValues stores values parsed from CLI flags before they get overwritten.
type flagValues struct {
	addr           string
	loadStrategy   string
	bidi           bool
	navTimeout     time.Duration
	connectTimeout time.Duration
	pingInterval   time.Duration
	backend        string
	newTab         bool
	output         string
	logLevel       string
	verbose        bool
	logFormat      string
	trace          string
}

func run(args []string, cfg *Config) int {
	var fv flagValues
	fs := flag.NewFlagSet("linkdump", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&fv.addr, "addr", cfg.Addr, "Browser debug address, host:port or ws:// URL (env: LINKDUMP_ADDR)")
	fs.StringVar(&fv.loadStrategy, "load-strategy", cfg.LoadStrategy, "Page load strategy: normal, eager, none (env: LINKDUMP_LOAD_STRATEGY)")
	fs.BoolVar(&fv.bidi, "bidi", cfg.BiDi, "Open the event channel alongside the driver (env: LINKDUMP_BIDI)")
	fs.DurationVar(&fv.navTimeout, "nav-timeout", cfg.NavTimeout, "Navigation timeout, 0 waits for the load strategy")
	fs.DurationVar(&fv.connectTimeout, "connect-timeout", cfg.ConnectTimeout, "Session setup timeout")
	fs.DurationVar(&fv.pingInterval, "ping-interval", cfg.PingInterval, "Event channel keepalive interval, 0 disables")
	fs.StringVar(&fv.backend, "backend", cfg.Backend, "Driver backend: native, chromedp (env: LINKDUMP_BACKEND)")
	fs.BoolVar(&fv.newTab, "new-tab", cfg.NewTab, "Load the page in a new tab instead of the first one")
	fs.StringVar(&fv.output, "output", cfg.Output, "Output format: text, json, ndjson")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error (env: LINKDUMP_LOG_LEVEL)")
	fs.BoolVar(&fv.verbose, "verbose", false, "Shorthand for -log-level debug")
	fs.StringVar(&fv.logFormat, "log-format", cfg.LogFormat, "Log format: text, json")
	fs.StringVar(&fv.trace, "trace", cfg.Trace, "Trace exporter: noop, stderr")

	fs.Usage = func() { printUsage(cfg, fs) }

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	// Track which flags were explicitly set on the command line
	explicitFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	// Config precedence: built-in defaults < .linkdumprc < env vars < CLI flags
	if err := loadConfigFile(cfg); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if err := applyEnvVars(cfg, explicitFlags); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	reapplyExplicitFlags(cfg, &fv, explicitFlags)

	remaining := fs.Args()
	switch len(remaining) {
	case 0:
	case 1:
		cfg.URL = remaining[0]
	default:
		fmt.Fprintf(cfg.Stderr, "error: expected one URL, got %d arguments\n", len(remaining))
		return ExitError
	}
	if cfg.URL == "" {
		printUsage(cfg, fs)
		return ExitError
	}

	strategy, err := browser.ParseLoadStrategy(cfg.LoadStrategy)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if err := validate(cfg); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	log, err := logger.New(cfg.Stderr, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Setup(ctx, cfg.Trace, cfg.Stderr)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("trace shutdown failed", "err", err)
		}
	}()

	bridge := session.New(session.Config{
		Addr:              cfg.Addr,
		LoadStrategy:      strategy,
		EnableBiDi:        cfg.BiDi,
		NavigationTimeout: cfg.NavTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		PingInterval:      cfg.PingInterval,
	}, dialer(cfg, log),
		session.WithLogger(log),
		session.WithEventDialer(func(ctx context.Context, addr string) (browser.EventStream, error) {
			s, err := chrome.DialEvents(ctx, addr)
			if err != nil {
				return nil, err
			}
			return s, nil
		}),
	)

	log.Debug("starting", "addr", cfg.Addr, "url", cfg.URL, "backend", cfg.Backend, "load_strategy", strategy)

	var links []string
	err = bridge.Run(ctx, cfg.URL, func(ctx context.Context, doc browser.Document) error {
		var err error
		links, err = extract.Links(ctx, doc)
		return err
	})
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return exitCode(err)
	}

	log.Debug("links extracted", "count", len(links))
	return outputLinks(cfg, links)
}

// dialer returns the driver constructor for the configured backend.
func dialer(cfg *Config, log *slog.Logger) session.DialFunc {
	if cfg.Backend == BackendChromedp {
		return func(ctx context.Context, addr string) (browser.Driver, error) {
			d, err := chromedpdriver.Dial(ctx, addr, log)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return func(ctx context.Context, addr string) (browser.Driver, error) {
		d, err := chrome.Dial(ctx, addr, chrome.Options{NewTab: cfg.NewTab, Logger: log})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend {
	case BackendNative, BackendChromedp:
	default:
		return fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
	switch cfg.Output {
	case "text", "json", "ndjson":
	default:
		return fmt.Errorf("unknown output format: %s", cfg.Output)
	}
	if cfg.NavTimeout < 0 || cfg.ConnectTimeout < 0 || cfg.PingInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, browser.ErrNavigationTimeout):
		return ExitTimeout
	case errors.Is(err, browser.ErrSession):
		return ExitConnFailed
	default:
		return ExitError
	}
}

// applyEnvVars applies environment variables to cfg, but only for fields
// not already set by explicit CLI flags.
func applyEnvVars(cfg *Config, explicit map[string]bool) error {
	if !explicit["addr"] {
		if v := os.Getenv("LINKDUMP_ADDR"); v != "" {
			cfg.Addr = v
		}
	}
	if !explicit["load-strategy"] {
		if v := os.Getenv("LINKDUMP_LOAD_STRATEGY"); v != "" {
			cfg.LoadStrategy = v
		}
	}
	if !explicit["bidi"] {
		if v := os.Getenv("LINKDUMP_BIDI"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid LINKDUMP_BIDI %q: want true or false", v)
			}
			cfg.BiDi = b
		}
	}
	if v := os.Getenv("LINKDUMP_URL"); v != "" {
		cfg.URL = v
	}
	if !explicit["backend"] {
		if v := os.Getenv("LINKDUMP_BACKEND"); v != "" {
			cfg.Backend = strings.ToLower(v)
		}
	}
	if !explicit["log-level"] && !explicit["verbose"] {
		if v := os.Getenv("LINKDUMP_LOG_LEVEL"); v != "" {
			cfg.LogLevel = v
		}
	}
	return nil
}

// reapplyExplicitFlags re-applies flag values that were explicitly set
// on the command line, since .linkdumprc loading may have overwritten them.
func reapplyExplicitFlags(cfg *Config, fv *flagValues, explicit map[string]bool) {
	if explicit["addr"] {
		cfg.Addr = fv.addr
	}
	if explicit["load-strategy"] {
		cfg.LoadStrategy = fv.loadStrategy
	}
	if explicit["bidi"] {
		cfg.BiDi = fv.bidi
	}
	if explicit["nav-timeout"] {
		cfg.NavTimeout = fv.navTimeout
	}
	if explicit["connect-timeout"] {
		cfg.ConnectTimeout = fv.connectTimeout
	}
	if explicit["ping-interval"] {
		cfg.PingInterval = fv.pingInterval
	}
	if explicit["backend"] {
		cfg.Backend = fv.backend
	}
	if explicit["new-tab"] {
		cfg.NewTab = fv.newTab
	}
	if explicit["output"] {
		cfg.Output = fv.output
	}
	if explicit["log-level"] {
		cfg.LogLevel = fv.logLevel
	}
	if explicit["verbose"] && fv.verbose {
		cfg.LogLevel = "debug"
	}
	if explicit["log-format"] {
		cfg.LogFormat = fv.logFormat
	}
	if explicit["trace"] {
		cfg.Trace = fv.trace
	}
}

func printUsage(cfg *Config, fs *flag.FlagSet) {
	w := cfg.Stderr
	fmt.Fprintln(w, "Usage: linkdump [flags] <url>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Loads <url> in a running browser and prints the href of every anchor.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}
