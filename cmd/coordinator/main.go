package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tryxpath/internal/api"
	"github.com/dgnsrekt/tryxpath/internal/assets"
	"github.com/dgnsrekt/tryxpath/internal/browser"
	"github.com/dgnsrekt/tryxpath/internal/cdp"
	"github.com/dgnsrekt/tryxpath/internal/cdpcontrol"
	"github.com/dgnsrekt/tryxpath/internal/config"
	"github.com/dgnsrekt/tryxpath/internal/controller"
	"github.com/dgnsrekt/tryxpath/internal/coordinator"
	"github.com/dgnsrekt/tryxpath/internal/hub"
	"github.com/dgnsrekt/tryxpath/internal/kvstore"
	"github.com/dgnsrekt/tryxpath/internal/netutil"
	"github.com/dgnsrekt/tryxpath/internal/storage"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load coordinator config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("coordinator config loaded",
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"port_auto_fallback", cfg.PortAutoFallback,
		"cdp_url", cfg.CDPURL(),
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"store_path", cfg.StorePath,
		"journal_dir", cfg.JournalDir,
		"watch_tabs", cfg.WatchTabs,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("coordinator stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("coordinator stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	attrs := types.DefaultAttributes()
	cssOverride := ""
	defaults, err := config.LoadDefaults(cfg.DefaultsFile)
	switch {
	case err == nil:
		attrs, cssOverride = defaults.Attributes, defaults.CSSFile
		slog.Info("defaults file loaded", "path", cfg.DefaultsFile, "css_file", cssOverride)
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no defaults file", "path", cfg.DefaultsFile)
	default:
		return err
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.BindCandidates(), cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	publicURL := cfg.ResolvePublicURL(ln.Addr().String())

	kv, err := kvstore.OpenFile(cfg.StorePath)
	if err != nil {
		_ = ln.Close()
		return err
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	if err := cdpClient.Connect(ctx); err != nil {
		// Tab operations reconnect on demand; routing works without a browser.
		slog.Warn("CDP not reachable at startup", "cdp_url", cfg.CDPURL(), "error", err)
	}
	defer func() { _ = cdpClient.Close() }()

	var journal *storage.Journal
	hubOpts := hub.Options{Active: cdpClient, Mirror: hub.NewMirror(128)}
	if cfg.JournalDir != "" {
		journal = storage.NewJournal(cfg.JournalDir, cfg.JournalBuffer, cfg.JournalMaxSizeMB)
		hubOpts.Journal = journal
		defer func() { _ = journal.Close() }()
	}
	h := hub.New(hubOpts)

	coord := coordinator.New(coordinator.Config{
		PublicURL:      publicURL,
		Attributes:     attrs,
		LoadDefaultCSS: assets.CSSLoader(cssOverride),
	}, kv, h, cdpClient)
	if err := coord.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	h.Bind(coord)

	var tabs controller.TabSource = cdpClient
	var watcher *cdp.Watcher
	if cfg.WatchTabs {
		watcher = cdp.NewWatcher(cfg.CDPURL(), cdpClient, nil)
		watcher.OnClosed(func(tab types.TabID) {
			h.DropTab(tab)
			cdpClient.Forget(tab)
		})
		tabs = watcher.Registry()
	}

	page, err := assets.ResultsPage("/api/v1/results")
	if err != nil {
		_ = ln.Close()
		return err
	}
	svc := controller.NewService(coord.State(), coord, tabs, h)
	srv := &http.Server{
		Handler: api.NewServer(svc, api.Options{
			Hub:         h,
			Events:      hubOpts.Mirror,
			ResultsPage: page,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return kv.Watch(gctx) })
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				slog.Warn("tab watcher unavailable, using target list", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("coordinator listening", "addr", ln.Addr().String(), "public_url", publicURL, "docs", publicURL+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("coordinator shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	coord.Wait()
	return err
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
