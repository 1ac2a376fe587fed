// Command revlens overlays review analysis on product pages.
//
// Usage:
//
//	revlens serve  [-config revlens.yaml]                     # relay HTTP server
//	revlens inject -url https://www.flipkart.com/.../p/itm... # live tab, runs until signal
//	revlens render -file page.html -page-url URL [-format md] # offline injection on a saved page
//	revlens mcp                                               # MCP server over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/revlens/dbopen"
	"github.com/hazyhaar/revlens/inject"
	"github.com/hazyhaar/revlens/inject/htmldoc"
	"github.com/hazyhaar/revlens/inject/rodpage"
	"github.com/hazyhaar/revlens/internal/browser"
	"github.com/hazyhaar/revlens/internal/config"
	"github.com/hazyhaar/revlens/journal"
	"github.com/hazyhaar/revlens/origin"
	"github.com/hazyhaar/revlens/relay"
	"github.com/hazyhaar/revlens/surface"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet("revlens "+cmd, flag.ExitOnError)
	configPath := fs.String("config", env("REVLENS_CONFIG", ""), "path to revlens.yaml")
	logLevel := fs.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	var (
		pageURL  *string
		file     *string
		savedURL *string
		format   *string
	)
	switch cmd {
	case "inject":
		pageURL = fs.String("url", "", "product page to open")
	case "render":
		file = fs.String("file", "", "saved page to render")
		savedURL = fs.String("page-url", "", "address the saved page was loaded from")
		format = fs.String("format", "html", "output: html or md")
	case "serve", "mcp":
	default:
		usage()
		os.Exit(2)
	}
	fs.Parse(args)

	logger := newLogger(os.Stderr, *logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("revlens: config", "error", err)
		os.Exit(1)
	}

	switch cmd {
	case "serve":
		err = runServe(ctx, logger, cfg)
	case "inject":
		err = runInject(ctx, logger, cfg, *pageURL)
	case "render":
		err = runRender(ctx, logger, cfg, *file, *savedURL, *format, os.Stdout)
	case "mcp":
		err = runMCP(ctx, logger, cfg)
	}
	if err != nil {
		logger.Error("revlens: fatal", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: revlens serve | inject -url <url> | render -file <page.html> -page-url <url> [-format html|md] | mcp")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// openJournal returns a nil Logger when no journal path is configured.
func openJournal(cfg *config.Config, logger *slog.Logger) (*journal.Logger, func(), error) {
	if cfg.Journal.Path == "" {
		return nil, func() {}, nil
	}
	db, err := dbopen.Open(cfg.Journal.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(journal.Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("journal db: %w", err)
	}
	j := journal.NewLogger(db, journal.WithLogger(logger))
	return j, func() {
		j.Close()
		db.Close()
	}, nil
}

func newService(cfg *config.Config, logger *slog.Logger, j *journal.Logger) (*relay.Service, error) {
	opts := []relay.Option{
		relay.WithHTTPClient(&http.Client{Timeout: cfg.Relay.Timeout}),
		relay.WithLogger(logger),
	}
	if j != nil {
		opts = append(opts, relay.WithJournal(j))
	}
	return relay.NewService(cfg.Relay.BaseURL, origin.NewGuard(cfg.Relay.AllowedOrigins...), opts...)
}

// newAnalyzer relays through a remote server when one is configured and
// in-process otherwise.
func newAnalyzer(cfg *config.Config, logger *slog.Logger, j *journal.Logger) (relay.Analyzer, error) {
	if cfg.Relay.ServerURL != "" {
		logger.Info("revlens: using remote relay", "server", cfg.Relay.ServerURL)
		return relay.NewClient(cfg.Relay.ServerURL, &http.Client{Timeout: cfg.Relay.Timeout})
	}
	return newService(cfg, logger, j)
}

func runServe(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	j, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	if j != nil {
		if n, err := j.Cleanup(ctx, cfg.Journal.Retention); err != nil {
			logger.Warn("revlens: journal cleanup", "error", err)
		} else if n > 0 {
			logger.Info("revlens: journal cleanup", "deleted", n)
		}
	}

	svc, err := newService(cfg, logger, j)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("revlens: relay listening", "addr", ln.Addr().String(), "backend", svc.BaseURL(), "version", version)
	return serveUntilDone(ctx, logger, srv, ln, 10*time.Second)
}

// serveUntilDone serves on ln until ctx is cancelled, then drains in-flight
// requests for at most grace before returning.
func serveUntilDone(ctx context.Context, logger *slog.Logger, srv *http.Server, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("revlens: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("revlens: shutdown", "error", err)
	}
	return nil
}

func runInject(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string) error {
	if pageURL == "" {
		return errors.New("inject: -url is required")
	}
	j, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()
	analyzer, err := newAnalyzer(cfg, logger, j)
	if err != nil {
		return err
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Headful:          cfg.Browser.Headful,
		Stealth:          !cfg.Browser.NoStealth,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	tab, err := mgr.OpenTab(ctx, pageURL)
	if err != nil {
		return err
	}
	page := rodpage.New(tab, logger)

	out, s, err := runController(ctx, logger, cfg, page, page, analyzer)
	if err != nil {
		return err
	}
	s.Wait()
	logWidgets(logger, s)
	logger.Info("revlens: injection done, waiting for signal", "state", out.State.String())

	<-ctx.Done()
	return nil
}

func runRender(ctx context.Context, logger *slog.Logger, cfg *config.Config, file, pageURL, format string, w io.Writer) error {
	if file == "" || pageURL == "" {
		return errors.New("render: -file and -page-url are required")
	}
	if format != "html" && format != "md" {
		return fmt.Errorf("render: unknown format %q", format)
	}
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	defer f.Close()
	doc, err := htmldoc.Parse(f, pageURL)
	if err != nil {
		return err
	}

	j, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()
	analyzer, err := newAnalyzer(cfg, logger, j)
	if err != nil {
		return err
	}

	_, s, err := runController(ctx, logger, cfg, doc, doc, analyzer)
	if err != nil {
		return err
	}
	s.Wait()
	logWidgets(logger, s)

	if format == "md" {
		md, err := surface.WidgetsMarkdown(s.Widgets(), siteOf(pageURL))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, md)
		return err
	}
	return doc.Render(w)
}

func runMCP(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	j, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()
	analyzer, err := newAnalyzer(cfg, logger, j)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "revlens", Version: version}, nil)
	relay.RegisterMCP(srv, analyzer, j)
	logger.Info("revlens: MCP server on stdio")
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// runController runs one controller over doc with a Surface drawing on canvas.
func runController(ctx context.Context, logger *slog.Logger, cfg *config.Config, doc inject.Document, canvas surface.Canvas, a relay.Analyzer) (inject.Outcome, *surface.Surface, error) {
	s := surface.New(canvas, a, surface.WithLogger(logger))
	cc := cfg.ControllerConfig()
	cc.Logger = logger
	c, err := inject.New(doc, s, cc)
	if err != nil {
		return inject.Outcome{}, nil, err
	}
	out, err := c.Run(ctx)
	if err != nil {
		return out, nil, err
	}
	pending := make([]string, len(out.Pending))
	for i, p := range out.Pending {
		pending[i] = p.ID
	}
	logger.Info("revlens: injection finished",
		"state", out.State.String(), "claimed", len(out.Results), "pending", pending, "badges_removed", out.BadgesRemoved)
	return out, s, nil
}

func logWidgets(logger *slog.Logger, s *surface.Surface) {
	for _, w := range s.Widgets() {
		logger.Info("revlens: widget", "id", w.ID, "variant", w.Variant, "status", string(w.Status), "message", w.Message)
	}
}

// siteOf returns scheme://host of raw, or "" when it does not parse.
func siteOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
