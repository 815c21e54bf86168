package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"overseer/internal/config"
	"overseer/internal/engine"
	"overseer/internal/logging"
	"overseer/internal/state"
	"overseer/internal/store"
)

// WatchCommand follows the event feed headlessly and prints one line
// per observed change. Useful for scripting and for debugging what the
// console would see.
type WatchCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

func NewWatchCommand(stdout, stderr io.Writer, loadConfig func() (config.Config, error)) *WatchCommand {
	return &WatchCommand{stdout: stdout, stderr: stderr, loadConfig: loadConfig}
}

type watchLine struct {
	TS        string `json:"ts"`
	Kind      string `json:"kind"`
	SessionID string `json:"sessionID,omitempty"`
	Status    string `json:"status,omitempty"`
	Title     string `json:"title,omitempty"`
	Connected *bool  `json:"connected,omitempty"`
}

func (c *WatchCommand) Run(args []string) error {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	var directories stringList
	flags.Var(&directories, "directory", "scope the event feed to a directory (repeatable)")
	asJSON := flags.Bool("json", false, "emit JSON lines instead of text")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(c.stderr, logging.ParseLevel(cfg.LogLevel()))

	dbPath, err := config.DBPath()
	if err != nil {
		return err
	}
	repo, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open session db: %w", err)
	}
	defer repo.Close()

	rt, err := newRuntime(cfg, logger, store.NewRecorder(repo, logger), engine.NopNotifier{})
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
		_ = rt.streams.AddDirectoryInterest(dir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt.streams.Start(ctx)
	defer rt.streams.Stop()
	go func() {
		_ = rt.engine.Run(ctx)
	}()

	changes, unsub := rt.store.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			c.printChange(rt.store, change, *asJSON)
		}
	}
}

func (c *WatchCommand) printChange(st *state.Store, change state.Change, asJSON bool) {
	line := watchLine{
		TS:        time.Now().Format(time.RFC3339),
		SessionID: change.SessionID,
	}
	switch change.Kind {
	case state.ChangeConnection:
		line.Kind = "connection"
		connected := st.Connected()
		line.Connected = &connected
	case state.ChangeSessions:
		line.Kind = "session"
	case state.ChangeStatus:
		line.Kind = "status"
	case state.ChangeMessages:
		line.Kind = "messages"
	case state.ChangeTodos:
		line.Kind = "todos"
	default:
		line.Kind = "change"
	}
	if change.SessionID != "" {
		if session, ok := st.Session(change.SessionID); ok {
			line.Status = string(session.Status)
			line.Title = session.Title
		}
	}

	if asJSON {
		data, err := json.Marshal(line)
		if err != nil {
			return
		}
		fmt.Fprintln(c.stdout, string(data))
		return
	}
	switch {
	case line.Connected != nil:
		fmt.Fprintf(c.stdout, "%s connection connected=%t\n", line.TS, *line.Connected)
	case line.Status != "":
		fmt.Fprintf(c.stdout, "%s %s session=%s status=%s title=%q\n", line.TS, line.Kind, line.SessionID, line.Status, line.Title)
	default:
		fmt.Fprintf(c.stdout, "%s %s session=%s\n", line.TS, line.Kind, line.SessionID)
	}
}
