package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tryxpath/internal/config"
	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/popup"
	"github.com/dgnsrekt/tryxpath/internal/types"
	"github.com/dgnsrekt/tryxpath/internal/wsclient"
)

func main() {
	cfg, err := config.LoadPopup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load popup config:", err)
		os.Exit(1)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("popup stopped with error", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lazyTransport lets the controller exist before the hub connection does.
// Only inbound handlers run before the client is set and they never send.
type lazyTransport struct {
	client *wsclient.Client
}

func (l *lazyTransport) SendRuntime(ctx context.Context, env message.Envelope) error {
	return l.client.SendRuntime(ctx, env)
}

func (l *lazyTransport) SendTab(ctx context.Context, tab types.TabID, env message.Envelope) error {
	return l.client.SendTab(ctx, tab, env)
}

func (l *lazyTransport) SendActiveTab(ctx context.Context, env message.Envelope) error {
	return l.client.SendActiveTab(ctx, env)
}

func run(cfg *config.PopupConfig) error {
	transport := &lazyTransport{}
	ctrl := popup.New(transport)

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := wsclient.Dial(dialCtx, cfg.HubURL(), wsclient.Options{
		Kind:    message.KindPopup,
		Handler: ctrl.Handle,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to coordinator at %s: %w", cfg.HubURL(), err)
	}
	defer client.Close()
	transport.client = client
	slog.Info("popup connected", "hub_url", cfg.HubURL())

	program := tea.NewProgram(newModel(ctrl, cfg.OptionsURL()), tea.WithAltScreen())
	ctrl.OnUpdate(func(v popup.View) {
		program.Send(viewMsg(v))
	})
	go func() {
		<-client.Done()
		program.Send(disconnectedMsg{err: client.Err()})
	}()

	_, err = program.Run()
	return err
}

// setupLogger writes to a rotating file only; the terminal belongs to the UI.
func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     7,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelWarn
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slogLevel})))
	return nil
}
