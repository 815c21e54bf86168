package engine

import (
	"time"

	"overseer/internal/logging"
	"overseer/internal/state"
	"overseer/internal/types"
)

// Synthetic tool outputs stamped during idle finalization. The backend
// may go idle without emitting terminal updates for every in-flight tool
// part; without these the UI shows permanently spinning tool calls.
const (
	outputSessionEnded = "[Session ended — output not captured]"
	outputToolPending  = "[Tool was pending when session ended]"
)

// Persister mirrors reconciled facts into local storage so the console
// has something to show before the stream connects. Failures are the
// persister's problem; reconciliation never waits on it.
type Persister interface {
	RecordSession(session types.Session)
	RecordSessionStatus(sessionID string, status types.SessionStatus, at time.Time)
	RecordTodos(sessionID string, todos []types.TodoItem)
	RemoveSession(sessionID string)
}

type NopPersister struct{}

func (NopPersister) RecordSession(types.Session)                                {}
func (NopPersister) RecordSessionStatus(string, types.SessionStatus, time.Time) {}
func (NopPersister) RecordTodos(string, []types.TodoItem)                       {}
func (NopPersister) RemoveSession(string)                                       {}

// Reconciler is the transition function between decoded events and the
// derived store. It runs on a single goroutine; events are applied
// strictly in arrival order and re-applying an event already reflected
// in the store changes nothing.
type Reconciler struct {
	store   *state.Store
	persist Persister
	logger  logging.Logger
	now     func() time.Time
}

func NewReconciler(store *state.Store, persist Persister, logger logging.Logger) *Reconciler {
	if persist == nil {
		persist = NopPersister{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reconciler{
		store:   store,
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply mutates the store per the event's merge rule. session.error is
// not handled here: it is a side-channel notification, not store state.
func (r *Reconciler) Apply(ev types.Event) {
	switch e := ev.(type) {
	case types.SessionUpdated:
		r.store.UpsertSession(e.Session)
		r.persist.RecordSession(e.Session)

	case types.SessionDeleted:
		r.store.RemoveSession(e.SessionID)
		r.persist.RemoveSession(e.SessionID)

	case types.SessionStatusChanged:
		r.setStatus(e.SessionID, e.Status)

	case types.MessageUpdated:
		r.applyMessage(e.Info)

	case types.MessageRemoved:
		r.store.RemoveMessage(e.SessionID, e.MessageID)

	case types.MessagePartUpdated:
		r.applyPart(e.Part)

	case types.MessagePartRemoved:
		r.store.RemovePart(e.SessionID, e.MessageID, e.PartID)

	case types.SessionIdle:
		r.finalizeIdle(e.SessionID)

	case types.SessionCompacted:
		r.setStatus(e.SessionID, types.SessionStatusIdle)

	case types.TodoUpdated:
		r.store.SetTodos(e.SessionID, e.Todos)
		r.persist.RecordTodos(e.SessionID, e.Todos)

	case types.QuestionReplied:
		r.store.MarkMessagesStale(e.SessionID)

	case types.QuestionRejected:
		r.store.MarkMessagesStale(e.SessionID)

	case types.SessionError:
		// Side channel; routed by the engine, never stored.

	default:
		r.logger.Debug("event_unhandled", logging.F("kind", ev.Kind()))
	}
}

func (r *Reconciler) setStatus(sessionID string, status types.SessionStatus) {
	r.store.SetSessionStatus(sessionID, status)
	r.persist.RecordSessionStatus(sessionID, status, r.now().UTC())
}

// applyMessage implements the message.updated merge rule: a confirmed
// user message retires any optimistic placeholder for its session in the
// same update, and an assistant message drives session status busy while
// streaming and idle once completed.
func (r *Reconciler) applyMessage(msg types.Message) {
	if !r.store.HasMessage(msg.ID) && msg.Role == types.MessageRoleUser {
		if removed := r.store.RemovePlaceholders(msg.SessionID); removed > 0 {
			r.logger.Debug("optimistic_message_replaced",
				logging.F("session_id", msg.SessionID),
				logging.F("removed", removed),
			)
		}
	}
	r.store.UpsertMessage(msg)

	if msg.Role == types.MessageRoleAssistant {
		if msg.Time.Completed == nil {
			r.setStatus(msg.SessionID, types.SessionStatusBusy)
		} else {
			r.setStatus(msg.SessionID, types.SessionStatusIdle)
		}
	}
}

// applyPart upserts a part under its owning message. A part for an
// unknown message is dropped: losing a transient display update beats
// creating a dangling part the model can never reattach.
func (r *Reconciler) applyPart(part types.MessagePart) {
	if !r.store.HasMessage(part.MessageID) {
		r.logger.Debug("part_dropped_unknown_message",
			logging.F("message_id", part.MessageID),
			logging.F("part_id", part.ID),
		)
		return
	}
	if existing, ok := r.store.Part(part.MessageID, part.ID); ok {
		// Tool state is monotonic: once terminal, late or duplicate
		// updates are ignored, not errors.
		if existing.Type == types.PartTypeTool && existing.State != nil && existing.State.Status.Terminal() {
			r.logger.Debug("tool_part_update_after_terminal",
				logging.F("part_id", part.ID),
				logging.F("status", string(existing.State.Status)),
			)
			return
		}
	}
	r.store.UpsertPart(part)
}

// finalizeIdle applies the idle finalization rule: status goes idle,
// every message without a completion time gets stamped, and every tool
// part still pending or running is forced terminal with a synthetic
// output so nothing spins forever.
func (r *Reconciler) finalizeIdle(sessionID string) {
	r.setStatus(sessionID, types.SessionStatusIdle)

	now := r.now().UTC()
	nowMillis := now.UnixMilli()
	for _, entry := range r.store.Messages(sessionID) {
		if entry.Message.Time.Completed == nil && !entry.Message.Pending {
			r.store.CompleteMessage(entry.Message.ID, nowMillis)
		}
		for _, part := range entry.Parts {
			if part.Type != types.PartTypeTool || part.State == nil {
				continue
			}
			switch part.State.Status {
			case types.ToolStatusRunning:
				r.forceToolCompleted(part, outputSessionEnded, nowMillis)
			case types.ToolStatusPending:
				r.forceToolCompleted(part, outputToolPending, nowMillis)
			}
		}
	}
}

func (r *Reconciler) forceToolCompleted(part types.MessagePart, output string, endMillis int64) {
	forced := types.ClonePart(part)
	forced.State.Status = types.ToolStatusCompleted
	forced.State.Output = output
	if forced.State.Time == nil {
		forced.State.Time = &types.TimeRange{Start: endMillis}
	}
	end := endMillis
	forced.State.Time.End = &end
	r.store.UpsertPart(forced)
}
