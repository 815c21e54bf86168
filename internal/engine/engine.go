// Package engine consumes the shared event feed and keeps the derived
// store consistent across reconnects, resyncs, and optimistic local
// edits. All store mutation happens on the engine's single run loop.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"overseer/internal/logging"
	"overseer/internal/state"
	"overseer/internal/stream"
	"overseer/internal/types"
)

// Backend is the REST collaborator: a status snapshot for resync, prompt
// submission, turn abort, and the message refetch used after question
// events invalidate a session's message list.
type Backend interface {
	SessionStatuses(ctx context.Context) (map[string]types.SessionStatus, error)
	SessionMessages(ctx context.Context, sessionID string) ([]state.MessageWithParts, error)
	Prompt(ctx context.Context, sessionID, text, correlationID string) error
	AbortSession(ctx context.Context, sessionID string) error
}

// Notifier is the session.error side channel. DismissSession clears any
// pending notification for a session, used when compaction finishes.
type Notifier interface {
	SessionError(sessionID, name, message string)
	DismissSession(sessionID string)
}

type NopNotifier struct{}

func (NopNotifier) SessionError(string, string, string) {}
func (NopNotifier) DismissSession(string)               {}

type resyncResult struct {
	gen      uint64
	statuses map[string]types.SessionStatus
	err      error
}

type Engine struct {
	streams  *stream.Manager
	store    *state.Store
	backend  Backend
	rec      *Reconciler
	persist  Persister
	notifier Notifier
	logger   logging.Logger

	// gen counts applied events; statusGen records, per session, the
	// generation of the last live event that wrote its status. A resync
	// snapshot only lands on sessions whose status it is not stale for.
	gen       uint64
	statusGen map[string]uint64

	open chan string // latest focused session id, capacity 1

	resyncCh chan resyncResult
	ops      chan func()

	resyncTimeout time.Duration
}

type Options struct {
	Streams  *stream.Manager
	Store    *state.Store
	Backend  Backend
	Persist  Persister
	Notifier Notifier
	Logger   logging.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Streams == nil {
		return nil, errors.New("engine requires a stream manager")
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Backend == nil {
		return nil, errors.New("engine requires a backend client")
	}
	persist := opts.Persist
	if persist == nil {
		persist = NopPersister{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		streams:       opts.Streams,
		store:         opts.Store,
		backend:       opts.Backend,
		rec:           NewReconciler(opts.Store, persist, logger),
		persist:       persist,
		notifier:      notifier,
		logger:        logger,
		statusGen:     map[string]uint64{},
		open:          make(chan string, 1),
		resyncCh:      make(chan resyncResult, 4),
		ops:           make(chan func(), 32),
		resyncTimeout: 10 * time.Second,
	}, nil
}

func (e *Engine) Store() *state.Store { return e.store }

// Run processes frames, connection transitions, resync results, and
// queued operations on one goroutine until ctx is cancelled. Every store
// write funnels through here, so event application needs no locking and
// stays strictly ordered.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.streams.Subscribe()
	defer sub.Cancel()

	openSession := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-e.open:
			openSession = id
		case frame, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			e.handleFrame(frame, openSession)
		case connected := <-sub.State():
			e.handleConnState(ctx, connected)
		case res := <-e.resyncCh:
			e.applyResync(res)
		case op := <-e.ops:
			op()
		}
	}
}

// SetOpenSession records which session the UI currently shows. Errors
// for the open session are suppressed (its own view already surfaces
// them) and the backend is told where focus is.
func (e *Engine) SetOpenSession(sessionID string) {
	select {
	case e.open <- sessionID:
	default:
		select {
		case <-e.open:
		default:
		}
		select {
		case e.open <- sessionID:
		default:
		}
	}
	e.streams.ReportVisibility(true, sessionID)
}

// ReportVisibility forwards a host visibility change; fire-and-forget.
func (e *Engine) ReportVisibility(visible bool, focusedSessionID string) {
	e.streams.ReportVisibility(visible, focusedSessionID)
}

// SubmitPrompt inserts an optimistic placeholder user message and sends
// the prompt. The placeholder is retired when the backend's confirmed
// user message arrives, or removed again if the submission fails.
func (e *Engine) SubmitPrompt(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if text == "" {
		return errors.New("prompt text is required")
	}
	correlationID := uuid.NewString()
	placeholder := types.Message{
		ID:            "optimistic_" + correlationID,
		SessionID:     sessionID,
		Role:          types.MessageRoleUser,
		CorrelationID: correlationID,
		Pending:       true,
		Time:          types.MessageTime{Created: time.Now().UnixMilli()},
	}
	e.do(func() {
		e.store.UpsertMessage(placeholder)
		e.store.UpsertPart(types.MessagePart{
			ID:        "optimistic_part_" + correlationID,
			MessageID: placeholder.ID,
			SessionID: sessionID,
			Type:      types.PartTypeText,
			Text:      text,
		})
	})

	go func() {
		if err := e.backend.Prompt(ctx, sessionID, text, correlationID); err != nil {
			e.logger.Warn("prompt_submit_failed", logging.F("session_id", sessionID), logging.Err(err))
			e.do(func() {
				e.store.RemovePlaceholders(sessionID)
			})
			e.notifier.SessionError(sessionID, "PromptSubmitError", err.Error())
		}
	}()
	return nil
}

// AbortSession cancels the in-flight turn. The resulting aborted
// session.error event is recognized noise, not a failure.
func (e *Engine) AbortSession(ctx context.Context, sessionID string) error {
	return e.backend.AbortSession(ctx, sessionID)
}

// RefreshMessages refetches a session's message list from the backend
// and swaps it into the store; callers use it after ConsumeMessagesStale
// reports an invalidation.
func (e *Engine) RefreshMessages(ctx context.Context, sessionID string) error {
	msgs, err := e.backend.SessionMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	e.do(func() {
		e.store.ReplaceMessages(sessionID, msgs)
	})
	return nil
}

// do queues a store mutation onto the run loop to preserve the single
// writer discipline. Blocks until the loop accepts it.
func (e *Engine) do(op func()) {
	e.ops <- op
}

func (e *Engine) handleFrame(frame stream.Frame, openSession string) {
	ev, err := decodeEvent(frame)
	if err != nil {
		if errors.Is(err, errUnknownEventType) {
			e.logger.Debug("event_frame_skipped", logging.Err(err))
		} else {
			e.logger.Warn("event_frame_malformed", logging.Err(err))
		}
		return
	}

	e.gen++
	if sessionID, writesStatus := statusWriter(ev); writesStatus {
		e.statusGen[sessionID] = e.gen
	}

	if errEvent, ok := ev.(types.SessionError); ok {
		e.routeSessionError(errEvent, openSession)
		return
	}
	e.rec.Apply(ev)
	if compacted, ok := ev.(types.SessionCompacted); ok {
		e.notifier.DismissSession(compacted.SessionID)
	}
}

// statusWriter reports whether an event writes session status, and for
// which session, so resync merges can tell live data from stale data.
func statusWriter(ev types.Event) (string, bool) {
	switch e := ev.(type) {
	case types.SessionStatusChanged:
		return e.SessionID, true
	case types.SessionIdle:
		return e.SessionID, true
	case types.SessionCompacted:
		return e.SessionID, true
	case types.MessageUpdated:
		if e.Info.Role == types.MessageRoleAssistant {
			return e.Info.SessionID, true
		}
	}
	return "", false
}

func (e *Engine) routeSessionError(ev types.SessionError, openSession string) {
	if ev.Err.Aborted() {
		e.logger.Debug("session_error_aborted", logging.F("session_id", ev.SessionID))
		return
	}
	if ev.SessionID != "" && ev.SessionID == openSession {
		// The open session's own view surfaces this error already.
		e.logger.Debug("session_error_suppressed_open", logging.F("session_id", ev.SessionID))
		return
	}
	e.notifier.SessionError(ev.SessionID, ev.Err.Name, ev.Err.Message)
}

func (e *Engine) handleConnState(ctx context.Context, connected bool) {
	e.store.SetConnected(connected)
	if !connected {
		e.logger.Info("event_stream_lost")
		return
	}
	e.logger.Info("event_stream_connected")

	// The snapshot request is tagged with the generation at issue time;
	// any live status event processed after this point outranks it.
	gen := e.gen
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, e.resyncTimeout)
		defer cancel()
		statuses, err := e.backend.SessionStatuses(fetchCtx)
		select {
		case e.resyncCh <- resyncResult{gen: gen, statuses: statuses, err: err}:
		case <-ctx.Done():
		}
	}()
}

// applyResync merges a status snapshot, skipping any session whose
// status a live event wrote after the snapshot was requested.
func (e *Engine) applyResync(res resyncResult) {
	if res.err != nil {
		e.logger.Warn("status_resync_failed", logging.Err(res.err))
		return
	}
	applied, skipped := 0, 0
	for sessionID, status := range res.statuses {
		if e.statusGen[sessionID] > res.gen {
			skipped++
			continue
		}
		e.rec.setStatus(sessionID, status)
		applied++
	}
	e.logger.Debug("status_resync_merged", logging.F("applied", applied), logging.F("superseded", skipped))
}
