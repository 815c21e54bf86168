package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"overseer/internal/client"
	"overseer/internal/config"
	"overseer/internal/store"
	"overseer/internal/types"
)

// StatusCommand lists sessions and their last known status. By default
// it reads the local record database; --live asks the backend instead.
type StatusCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

func NewStatusCommand(stdout, stderr io.Writer, loadConfig func() (config.Config, error)) *StatusCommand {
	return &StatusCommand{stdout: stdout, stderr: stderr, loadConfig: loadConfig}
}

func (c *StatusCommand) Run(args []string) error {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	live := flags.Bool("live", false, "query the backend instead of the local record")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *live {
		return c.runLive()
	}
	return c.runLocal()
}

func (c *StatusCommand) runLocal() error {
	dbPath, err := config.DBPath()
	if err != nil {
		return err
	}
	repo, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open session db: %w", err)
	}
	defer repo.Close()

	records, err := repo.Sessions()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.stdout, "No sessions recorded yet. Run `overseer ui` or `overseer watch` first.")
		return nil
	}

	writer := tabwriter.NewWriter(c.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tCHANGED\tTITLE")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			record.Session.ID,
			statusOrDash(record.Status),
			relativeTime(record.StatusChangedAt),
			record.Session.Title,
		)
	}
	return writer.Flush()
}

func (c *StatusCommand) runLive() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	restClient, err := client.New(client.Config{
		BaseURL:  cfg.ServerBaseURL(),
		Username: cfg.ServerUsername(),
		Token:    cfg.ServerToken(),
		Timeout:  cfg.RequestTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()

	sessions, err := restClient.ListSessions(ctx, "")
	if err != nil {
		return err
	}
	statuses, err := restClient.SessionStatuses(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(c.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tTITLE")
	for _, session := range sessions {
		status := session.Status
		if fromSnapshot, ok := statuses[session.ID]; ok {
			status = fromSnapshot
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", session.ID, statusOrDash(status), session.Title)
	}
	return writer.Flush()
}

func statusOrDash(status types.SessionStatus) string {
	if status == "" {
		return "-"
	}
	return string(status)
}

func relativeTime(at time.Time) string {
	if at.IsZero() {
		return "-"
	}
	d := time.Since(at)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return at.Local().Format("2006-01-02 15:04")
	}
}
