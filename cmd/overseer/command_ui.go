package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"overseer/internal/app"
	"overseer/internal/config"
	"overseer/internal/engine"
	"overseer/internal/logging"
	"overseer/internal/notify"
	"overseer/internal/store"
)

type UICommand struct {
	stderr     io.Writer
	loadConfig func() (config.Config, error)
	version    string
}

func NewUICommand(stderr io.Writer, loadConfig func() (config.Config, error), version string) *UICommand {
	return &UICommand{stderr: stderr, loadConfig: loadConfig, version: version}
}

func (c *UICommand) Run(args []string) error {
	flags := flag.NewFlagSet("ui", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	var directories stringList
	flags.Var(&directories, "directory", "scope the event feed to a directory (repeatable)")
	logFile := flags.String("log-file", "", "write logs to this file instead of the default")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file.
	logger, closeLog, err := openFileLogger(cfg, *logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("ui_starting", logging.F("version", c.version))

	dbPath, err := config.DBPath()
	if err != nil {
		return err
	}
	repo, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open session db: %w", err)
	}
	defer repo.Close()

	var notifier *notify.Notifier
	if cfg.NotificationsEnabled() {
		notifier = notify.New(notify.Options{
			Logger:       logger.With(logging.F("component", "notify")),
			DedupeWindow: cfg.NotificationDedupeWindow(),
		})
	}

	rt, err := newRuntime(cfg, logger, store.NewRecorder(repo, logger), notifierOrNop(notifier))
	if err != nil {
		return err
	}

	for _, dir := range append(cfg.StreamDirectories(), directories...) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if abs, absErr := filepath.Abs(dir); absErr == nil {
			dir = abs
		}
		// Interests stay held for the lifetime of the UI.
		_ = rt.streams.AddDirectoryInterest(dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.streams.Start(ctx)
	defer rt.streams.Stop()
	go func() {
		_ = rt.engine.Run(ctx)
	}()

	model := app.NewModel(rt.store, rt.engine)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus())
	if _, err := program.Run(); err != nil {
		return err
	}
	rt.engine.ReportVisibility(false, "")
	return nil
}

func notifierOrNop(n *notify.Notifier) engine.Notifier {
	if n == nil {
		return engine.NopNotifier{}
	}
	return n
}

func openFileLogger(cfg config.Config, override string) (logging.Logger, func(), error) {
	path := strings.TrimSpace(override)
	if path == "" {
		path = strings.TrimSpace(cfg.Logging.File)
	}
	if path == "" {
		defaultPath, err := config.LogPath()
		if err != nil {
			return nil, nil, err
		}
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(file, logging.ParseLevel(cfg.LogLevel()))
	return logger, func() { _ = file.Close() }, nil
}
