package notify

import (
	"testing"
	"time"
)

// newTestNotifier pins the clock and leaves the command empty so
// delivery degrades to the terminal bell instead of shelling out.
func newTestNotifier(window time.Duration) (*Notifier, *time.Time) {
	n := New(Options{DedupeWindow: window, Command: "bell"})
	n.command = ""
	now := time.UnixMilli(1_700_000_000_000)
	n.now = func() time.Time { return now }
	return n, &now
}

func (n *Notifier) lastSeen(sessionID, name string) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.seen[sessionID+"\x00"+name]
	return at, ok
}

func TestSessionErrorDedupesWithinWindow(t *testing.T) {
	n, now := newTestNotifier(30 * time.Second)
	start := *now

	n.SessionError("s1", "ProviderAuthError", "token expired")
	first, ok := n.lastSeen("s1", "ProviderAuthError")
	if !ok || !first.Equal(start) {
		t.Fatalf("first delivery not recorded: %v ok=%t", first, ok)
	}

	*now = start.Add(10 * time.Second)
	n.SessionError("s1", "ProviderAuthError", "token expired")
	repeat, _ := n.lastSeen("s1", "ProviderAuthError")
	if !repeat.Equal(start) {
		t.Fatalf("repeat inside window delivered again at %v", repeat)
	}

	*now = start.Add(31 * time.Second)
	n.SessionError("s1", "ProviderAuthError", "token expired")
	later, _ := n.lastSeen("s1", "ProviderAuthError")
	if !later.Equal(start.Add(31 * time.Second)) {
		t.Fatalf("delivery after window not recorded: %v", later)
	}
}

func TestSessionErrorKeyedPerSessionAndName(t *testing.T) {
	n, _ := newTestNotifier(30 * time.Second)

	n.SessionError("s1", "ProviderAuthError", "x")
	n.SessionError("s1", "UnknownToolError", "y")
	n.SessionError("s2", "ProviderAuthError", "z")

	for _, key := range [][2]string{
		{"s1", "ProviderAuthError"},
		{"s1", "UnknownToolError"},
		{"s2", "ProviderAuthError"},
	} {
		if _, ok := n.lastSeen(key[0], key[1]); !ok {
			t.Fatalf("no delivery recorded for %v", key)
		}
	}
}

func TestDismissSessionResetsDedupe(t *testing.T) {
	n, now := newTestNotifier(30 * time.Second)
	start := *now

	n.SessionError("s1", "ProviderAuthError", "x")
	n.SessionError("s2", "ProviderAuthError", "x")

	n.DismissSession("s1")
	if _, ok := n.lastSeen("s1", "ProviderAuthError"); ok {
		t.Fatalf("dismiss left s1 entries")
	}
	if _, ok := n.lastSeen("s2", "ProviderAuthError"); !ok {
		t.Fatalf("dismiss of s1 dropped s2 entries")
	}

	// The same error fires again immediately after dismissal.
	*now = start.Add(time.Second)
	n.SessionError("s1", "ProviderAuthError", "x")
	at, ok := n.lastSeen("s1", "ProviderAuthError")
	if !ok || !at.Equal(start.Add(time.Second)) {
		t.Fatalf("redelivery after dismiss not recorded: %v ok=%t", at, ok)
	}
}

func TestDefaultWindow(t *testing.T) {
	n := New(Options{Command: "notify-send"})
	if n.dedupeWindow != 30*time.Second {
		t.Fatalf("default window = %v", n.dedupeWindow)
	}
}
