package engine

import (
	"reflect"
	"testing"
	"time"

	"overseer/internal/state"
	"overseer/internal/types"
)

type recordingPersister struct {
	sessions []types.Session
	statuses []types.SessionStatus
	todos    [][]types.TodoItem
	removed  []string
}

func (p *recordingPersister) RecordSession(session types.Session) { p.sessions = append(p.sessions, session) }
func (p *recordingPersister) RecordSessionStatus(_ string, status types.SessionStatus, _ time.Time) {
	p.statuses = append(p.statuses, status)
}
func (p *recordingPersister) RecordTodos(_ string, todos []types.TodoItem) {
	p.todos = append(p.todos, todos)
}
func (p *recordingPersister) RemoveSession(sessionID string) { p.removed = append(p.removed, sessionID) }

func newTestReconciler(t *testing.T) (*Reconciler, *state.Store, *recordingPersister) {
	t.Helper()
	store := state.NewStore()
	persist := &recordingPersister{}
	rec := NewReconciler(store, persist, nil)
	rec.now = func() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() }
	return rec, store, persist
}

func TestSessionUpdatedPreservesStatus(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.SessionUpdated{Session: types.Session{ID: "s1", Title: "first"}})
	session, ok := store.Session("s1")
	if !ok {
		t.Fatalf("expected session s1")
	}
	if session.Status != types.SessionStatusIdle {
		t.Fatalf("new session status = %q, want idle", session.Status)
	}

	rec.Apply(types.SessionStatusChanged{SessionID: "s1", Status: types.SessionStatusBusy})
	rec.Apply(types.SessionUpdated{Session: types.Session{ID: "s1", Title: "renamed"}})

	session, _ = store.Session("s1")
	if session.Title != "renamed" {
		t.Fatalf("title = %q, want renamed", session.Title)
	}
	if session.Status != types.SessionStatusBusy {
		t.Fatalf("status = %q, want busy after metadata update", session.Status)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	events := []types.Event{
		types.SessionUpdated{Session: types.Session{ID: "s1", Title: "one"}},
		types.SessionStatusChanged{SessionID: "s1", Status: types.SessionStatusBusy},
		types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 10}}},
		types.MessagePartUpdated{Part: types.MessagePart{ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "hello"}},
		types.TodoUpdated{SessionID: "s1", Todos: []types.TodoItem{{Content: "step", Status: types.TodoStatusPending}}},
	}
	for _, ev := range events {
		rec.Apply(ev)
	}
	first := snapshot(store, "s1")

	for _, ev := range events {
		rec.Apply(ev)
	}
	second := snapshot(store, "s1")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-applying events changed state:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

type sessionSnapshot struct {
	session  types.Session
	ok       bool
	messages []state.MessageWithParts
	todos    []types.TodoItem
}

func snapshot(store *state.Store, sessionID string) sessionSnapshot {
	session, ok := store.Session(sessionID)
	return sessionSnapshot{
		session:  session,
		ok:       ok,
		messages: store.Messages(sessionID),
		todos:    store.Todos(sessionID),
	}
}

func TestSessionDeletedCascades(t *testing.T) {
	rec, store, persist := newTestReconciler(t)

	rec.Apply(types.SessionUpdated{Session: types.Session{ID: "s1"}})
	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "hi"}})
	rec.Apply(types.TodoUpdated{SessionID: "s1", Todos: []types.TodoItem{{Content: "a", Status: types.TodoStatusPending}}})

	rec.Apply(types.SessionDeleted{SessionID: "s1"})

	if _, ok := store.Session("s1"); ok {
		t.Fatalf("session survived delete")
	}
	if got := store.Messages("s1"); len(got) != 0 {
		t.Fatalf("messages survived delete: %d", len(got))
	}
	if got := store.Todos("s1"); len(got) != 0 {
		t.Fatalf("todos survived delete: %d", len(got))
	}
	if len(persist.removed) != 1 || persist.removed[0] != "s1" {
		t.Fatalf("persister removals = %v", persist.removed)
	}

	// Deleting again is a no-op, not a failure.
	rec.Apply(types.SessionDeleted{SessionID: "s1"})
}

func TestAssistantMessageDrivesStatus(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	session, _ := store.Session("s1")
	if session.Status != types.SessionStatusBusy {
		t.Fatalf("status = %q, want busy while assistant streams", session.Status)
	}

	completed := int64(5)
	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1, Completed: &completed}}})
	session, _ = store.Session("s1")
	if session.Status != types.SessionStatusIdle {
		t.Fatalf("status = %q, want idle after completion", session.Status)
	}
}

func TestUserMessageDoesNotTouchStatus(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.SessionStatusChanged{SessionID: "s1", Status: types.SessionStatusBusy})
	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 1}}})

	session, _ := store.Session("s1")
	if session.Status != types.SessionStatusBusy {
		t.Fatalf("status = %q, want busy untouched by user message", session.Status)
	}
}

func TestOptimisticPlaceholderReplaced(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	store.UpsertMessage(types.Message{
		ID:            "optimistic_abc",
		SessionID:     "s1",
		Role:          types.MessageRoleUser,
		CorrelationID: "abc",
		Pending:       true,
		Time:          types.MessageTime{Created: 1},
	})

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 2}}})

	messages := store.Messages("s1")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1 (placeholder retired)", len(messages))
	}
	if messages[0].Message.ID != "m1" {
		t.Fatalf("surviving message = %q, want m1", messages[0].Message.ID)
	}

	// A repeat of the confirmed message must not remove anything else.
	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleUser, Time: types.MessageTime{Created: 2}}})
	if got := store.Messages("s1"); len(got) != 1 {
		t.Fatalf("got %d messages after replay, want 1", len(got))
	}
}

func TestPartForUnknownMessageDropped(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{ID: "p1", MessageID: "missing", SessionID: "s1", Type: types.PartTypeText, Text: "x"}})

	if _, ok := store.Part("missing", "p1"); ok {
		t.Fatalf("part for unknown message was stored")
	}
}

func TestToolStateMonotonic(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool, Tool: "bash",
		State: &types.ToolState{Status: types.ToolStatusCompleted, Output: "done"},
	}})

	// A stale running update must not regress the terminal state.
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool, Tool: "bash",
		State: &types.ToolState{Status: types.ToolStatusRunning},
	}})

	part, ok := store.Part("m1", "p1")
	if !ok {
		t.Fatalf("part missing")
	}
	if part.State.Status != types.ToolStatusCompleted {
		t.Fatalf("status = %q, want completed", part.State.Status)
	}
	if part.State.Output != "done" {
		t.Fatalf("output = %q, want done", part.State.Output)
	}
}

func TestToolStateErrorIsTerminal(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusError, Error: "boom"},
	}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusCompleted},
	}})

	part, _ := store.Part("m1", "p1")
	if part.State.Status != types.ToolStatusError {
		t.Fatalf("status = %q, want error preserved", part.State.Status)
	}
}

func TestIdleFinalization(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.SessionStatusChanged{SessionID: "s1", Status: types.SessionStatusBusy})
	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "running", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusRunning, Time: &types.TimeRange{Start: 100}},
	}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "queued", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusPending},
	}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "finished", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusCompleted, Output: "real output"},
	}})

	rec.Apply(types.SessionIdle{SessionID: "s1"})

	session, _ := store.Session("s1")
	if session.Status != types.SessionStatusIdle {
		t.Fatalf("status = %q, want idle", session.Status)
	}

	messages := store.Messages("s1")
	if messages[0].Message.Time.Completed == nil {
		t.Fatalf("message not stamped completed")
	}

	running, _ := store.Part("m1", "running")
	if running.State.Status != types.ToolStatusCompleted {
		t.Fatalf("running tool status = %q, want completed", running.State.Status)
	}
	if running.State.Output != "[Session ended — output not captured]" {
		t.Fatalf("running tool output = %q", running.State.Output)
	}
	if running.State.Time == nil || running.State.Time.End == nil {
		t.Fatalf("running tool missing end time")
	}

	queued, _ := store.Part("m1", "queued")
	if queued.State.Output != "[Tool was pending when session ended]" {
		t.Fatalf("pending tool output = %q", queued.State.Output)
	}
	if queued.State.Status != types.ToolStatusCompleted {
		t.Fatalf("pending tool status = %q, want completed", queued.State.Status)
	}

	finished, _ := store.Part("m1", "finished")
	if finished.State.Output != "real output" {
		t.Fatalf("already-terminal tool output overwritten: %q", finished.State.Output)
	}
}

func TestIdleFinalizationIsIdempotent(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{
		ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeTool,
		State: &types.ToolState{Status: types.ToolStatusRunning},
	}})

	rec.Apply(types.SessionIdle{SessionID: "s1"})
	first := snapshot(store, "s1")
	rec.Apply(types.SessionIdle{SessionID: "s1"})
	second := snapshot(store, "s1")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second idle changed state:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestCompactedResetsStatus(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.SessionStatusChanged{SessionID: "s1", Status: types.SessionStatusCompacting})
	rec.Apply(types.SessionCompacted{SessionID: "s1"})

	session, _ := store.Session("s1")
	if session.Status != types.SessionStatusIdle {
		t.Fatalf("status = %q, want idle after compaction", session.Status)
	}
}

func TestTodoUpdateReplacesWholesale(t *testing.T) {
	rec, store, persist := newTestReconciler(t)

	rec.Apply(types.TodoUpdated{SessionID: "s1", Todos: []types.TodoItem{
		{Content: "one", Status: types.TodoStatusCompleted},
		{Content: "two", Status: types.TodoStatusInProgress},
	}})
	rec.Apply(types.TodoUpdated{SessionID: "s1", Todos: []types.TodoItem{
		{Content: "three", Status: types.TodoStatusPending},
	}})

	todos := store.Todos("s1")
	if len(todos) != 1 || todos[0].Content != "three" {
		t.Fatalf("todos = %+v, want single replacement", todos)
	}
	if len(persist.todos) != 2 {
		t.Fatalf("persister saw %d todo updates, want 2", len(persist.todos))
	}
}

func TestQuestionEventsMarkMessagesStale(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.QuestionReplied{SessionID: "s1"})
	if !store.ConsumeMessagesStale("s1") {
		t.Fatalf("question.replied did not mark messages stale")
	}
	if store.ConsumeMessagesStale("s1") {
		t.Fatalf("stale flag not consumed")
	}

	rec.Apply(types.QuestionRejected{SessionID: "s1"})
	if !store.ConsumeMessagesStale("s1") {
		t.Fatalf("question.rejected did not mark messages stale")
	}
}

func TestMessageAndPartRemoved(t *testing.T) {
	rec, store, _ := newTestReconciler(t)

	rec.Apply(types.MessageUpdated{Info: types.Message{ID: "m1", SessionID: "s1", Role: types.MessageRoleAssistant, Time: types.MessageTime{Created: 1}}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{ID: "p1", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "a"}})
	rec.Apply(types.MessagePartUpdated{Part: types.MessagePart{ID: "p2", MessageID: "m1", SessionID: "s1", Type: types.PartTypeText, Text: "b"}})

	rec.Apply(types.MessagePartRemoved{SessionID: "s1", MessageID: "m1", PartID: "p1"})
	if _, ok := store.Part("m1", "p1"); ok {
		t.Fatalf("removed part still present")
	}
	if _, ok := store.Part("m1", "p2"); !ok {
		t.Fatalf("sibling part lost")
	}

	rec.Apply(types.MessageRemoved{SessionID: "s1", MessageID: "m1"})
	if got := store.Messages("s1"); len(got) != 0 {
		t.Fatalf("message survived removal: %d", len(got))
	}
}
