package state

import (
	"testing"
	"time"

	"overseer/internal/types"
)

func TestUpsertSessionPreservesStatus(t *testing.T) {
	store := NewStore()

	store.UpsertSession(types.Session{ID: "s1", Title: "one"})
	session, _ := store.Session("s1")
	if session.Status != types.SessionStatusIdle {
		t.Fatalf("new session status = %q, want idle", session.Status)
	}

	store.SetSessionStatus("s1", types.SessionStatusBusy)
	store.UpsertSession(types.Session{ID: "s1", Title: "two", Status: types.SessionStatusIdle})

	session, _ = store.Session("s1")
	if session.Title != "two" {
		t.Fatalf("title = %q", session.Title)
	}
	if session.Status != types.SessionStatusBusy {
		t.Fatalf("status = %q, metadata upsert overwrote it", session.Status)
	}
}

func TestSetSessionStatusCreatesStub(t *testing.T) {
	store := NewStore()
	store.SetSessionStatus("ghost", types.SessionStatusBusy)
	session, ok := store.Session("ghost")
	if !ok || session.Status != types.SessionStatusBusy {
		t.Fatalf("stub session = %+v ok=%t", session, ok)
	}
}

func TestSessionsSortedByCreation(t *testing.T) {
	store := NewStore()
	early := time.UnixMilli(1000)
	late := time.UnixMilli(2000)
	store.UpsertSession(types.Session{ID: "b", CreatedAt: &late})
	store.UpsertSession(types.Session{ID: "a", CreatedAt: &early})
	store.UpsertSession(types.Session{ID: "c"})

	sessions := store.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if sessions[0].ID != "a" || sessions[1].ID != "b" {
		t.Fatalf("order = %s,%s,%s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	store := NewStore()
	changes, cancel := store.Subscribe()
	defer cancel()

	store.UpsertSession(types.Session{ID: "s1"})

	select {
	case change := <-changes:
		if change.Kind != ChangeSessions || change.SessionID != "s1" {
			t.Fatalf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change delivered")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	store := NewStore()
	changes, cancel := store.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-changes; ok {
		t.Fatalf("channel not closed after cancel")
	}
	// Emitting after cancel must not panic.
	store.UpsertSession(types.Session{ID: "s1"})
}

func TestSetConnectedEmitsOnTransitionOnly(t *testing.T) {
	store := NewStore()
	changes, cancel := store.Subscribe()
	defer cancel()

	store.SetConnected(true)
	store.SetConnected(true)
	store.SetConnected(false)

	count := 0
	for {
		select {
		case <-changes:
			count++
		default:
			if count != 2 {
				t.Fatalf("got %d connection changes, want 2", count)
			}
			return
		}
	}
}

func TestUpsertMessageReplacePreservesParts(t *testing.T) {
	store := NewStore()
	created := store.UpsertMessage(types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}})
	if !created {
		t.Fatalf("first upsert reported not created")
	}
	store.UpsertPart(types.MessagePart{ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "hi"})

	completed := int64(9)
	created = store.UpsertMessage(types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1, Completed: &completed}})
	if created {
		t.Fatalf("replace reported created")
	}

	messages := store.Messages("s1")
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[0].Message.Time.Completed == nil {
		t.Fatalf("metadata replace lost completion time")
	}
	if len(messages[0].Parts) != 1 || messages[0].Parts[0].Text != "hi" {
		t.Fatalf("parts lost on metadata replace: %+v", messages[0].Parts)
	}
}

func TestUpsertPartRequiresKnownMessage(t *testing.T) {
	store := NewStore()
	if store.UpsertPart(types.MessagePart{ID: "p1", MessageID: "nope", SessionID: "s1"}) {
		t.Fatalf("part accepted for unknown message")
	}
}

func TestRemovePlaceholders(t *testing.T) {
	store := NewStore()
	store.UpsertMessage(types.Message{ID: "optimistic_1", SessionID: "s1", Role: types.MessageRoleUser, Pending: true, Time: types.MessageTime{Created: 1}})
	store.UpsertPart(types.MessagePart{ID: "pp", MessageID: "optimistic_1", SessionID: "s1", Type: types.PartTypeText, Text: "draft"})
	store.UpsertMessage(types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 2}})

	if removed := store.RemovePlaceholders("s1"); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	messages := store.Messages("s1")
	if len(messages) != 1 || messages[0].Message.ID != "m1" {
		t.Fatalf("messages = %+v", messages)
	}
	if store.HasMessage("optimistic_1") {
		t.Fatalf("placeholder still indexed")
	}
}

func TestCompleteMessageStampsOnce(t *testing.T) {
	store := NewStore()
	store.UpsertMessage(types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}})

	if !store.CompleteMessage("m1", 100) {
		t.Fatalf("first stamp failed")
	}
	if store.CompleteMessage("m1", 200) {
		t.Fatalf("second stamp overwrote completion")
	}
	messages := store.Messages("s1")
	if got := *messages[0].Message.Time.Completed; got != 100 {
		t.Fatalf("completed = %d, want 100", got)
	}
	if store.CompleteMessage("missing", 100) {
		t.Fatalf("stamped unknown message")
	}
}

func TestReplaceMessagesKeepsPendingPlaceholders(t *testing.T) {
	store := NewStore()
	store.UpsertMessage(types.Message{ID: "stale", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 1}})
	store.UpsertMessage(types.Message{ID: "optimistic_9", SessionID: "s1", Role: types.MessageRoleUser, Pending: true, Time: types.MessageTime{Created: 2}})

	store.ReplaceMessages("s1", []MessageWithParts{
		{
			Message: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 1}},
			Parts:   []types.MessagePart{{ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "hi"}},
		},
	})

	messages := store.Messages("s1")
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want authoritative + placeholder", len(messages))
	}
	if messages[0].Message.ID != "m1" {
		t.Fatalf("first message = %q", messages[0].Message.ID)
	}
	if messages[1].Message.ID != "optimistic_9" || !messages[1].Message.Pending {
		t.Fatalf("placeholder lost in replace: %+v", messages[1].Message)
	}
	if store.HasMessage("stale") {
		t.Fatalf("stale message still indexed")
	}
	if len(messages[0].Parts) != 1 {
		t.Fatalf("authoritative parts missing")
	}
}

func TestMarkAndConsumeStale(t *testing.T) {
	store := NewStore()
	if store.ConsumeMessagesStale("s1") {
		t.Fatalf("fresh session reported stale")
	}
	store.MarkMessagesStale("s1")
	if !store.ConsumeMessagesStale("s1") {
		t.Fatalf("stale flag not set")
	}
	if store.ConsumeMessagesStale("s1") {
		t.Fatalf("stale flag not cleared on consume")
	}
}

func TestReadsReturnClones(t *testing.T) {
	store := NewStore()
	store.UpsertMessage(types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}})
	store.UpsertPart(types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusRunning, Input: map[string]any{"k": "v"}},
	})

	got, _ := store.Part("m1", "p1")
	got.State.Status = types.ToolStatusError
	got.State.Input["k"] = "mutated"

	fresh, _ := store.Part("m1", "p1")
	if fresh.State.Status != types.ToolStatusRunning {
		t.Fatalf("caller mutation leaked into store: %q", fresh.State.Status)
	}
	if fresh.State.Input["k"] != "v" {
		t.Fatalf("input map shared with caller")
	}
}
