// Package notify surfaces background session errors on the desktop.
// It shells out to whichever notification command the host provides
// and degrades to a terminal bell when none is found.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"overseer/internal/logging"
)

// Notifier sends one desktop notification per distinct session error,
// suppressing repeats inside the dedupe window. DismissSession forgets
// a session's recent errors so the next one fires again.
type Notifier struct {
	logger       logging.Logger
	dedupeWindow time.Duration
	command      string

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

type Options struct {
	Logger       logging.Logger
	DedupeWindow time.Duration
	// Command overrides auto-detection; used by tests.
	Command string
}

func New(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	window := opts.DedupeWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	command := opts.Command
	if command == "" {
		command = detectCommand()
	}
	return &Notifier{
		logger:       logger,
		dedupeWindow: window,
		command:      command,
		seen:         map[string]time.Time{},
		now:          time.Now,
	}
}

func detectCommand() string {
	for _, candidate := range []string{"notify-send", "dunstify"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func (n *Notifier) SessionError(sessionID, name, message string) {
	key := sessionID + "\x00" + name
	now := n.now()

	n.mu.Lock()
	if last, ok := n.seen[key]; ok && now.Sub(last) < n.dedupeWindow {
		n.mu.Unlock()
		n.logger.Debug("notification_deduped", logging.F("session_id", sessionID), logging.F("error", name))
		return
	}
	n.seen[key] = now
	n.mu.Unlock()

	title := "Session error"
	if name = strings.TrimSpace(name); name != "" {
		title = fmt.Sprintf("Session error: %s", name)
	}
	body := strings.TrimSpace(message)
	if sessionID != "" {
		if body != "" {
			body += "\n"
		}
		body += "session " + sessionID
	}
	n.deliver(title, body)
}

func (n *Notifier) DismissSession(sessionID string) {
	prefix := sessionID + "\x00"
	n.mu.Lock()
	for key := range n.seen {
		if strings.HasPrefix(key, prefix) {
			delete(n.seen, key)
		}
	}
	n.mu.Unlock()
}

func (n *Notifier) deliver(title, body string) {
	if n.command == "" {
		// Terminal bell is the lowest common denominator.
		fmt.Fprint(os.Stderr, "\a")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, n.command, title, body)
		if err := cmd.Run(); err != nil {
			n.logger.Debug("notification_send_failed", logging.F("command", n.command), logging.Err(err))
		}
	}()
}
