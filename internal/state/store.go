// Package state holds the client-side derived picture of the agent
// backend: sessions, messages, streamed parts, and todo snapshots. The
// reconciliation engine is the only writer; the TUI and CLI surfaces are
// readers subscribed to change notifications.
package state

import (
	"sort"
	"sync"

	"overseer/internal/types"
)

type ChangeKind int

const (
	ChangeSessions ChangeKind = iota
	ChangeStatus
	ChangeMessages
	ChangeTodos
	ChangeConnection
)

// Change tells subscribers which slice of the store moved. SessionID is
// empty for connection-state changes.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

type MessageWithParts struct {
	Message types.Message
	Parts   []types.MessagePart
}

type subscriber struct {
	ch chan Change
}

type Store struct {
	mu             sync.RWMutex
	sessions       map[string]types.Session
	messages       map[string][]types.Message
	messageSession map[string]string
	parts          map[string][]types.MessagePart
	todos          map[string][]types.TodoItem
	staleMessages  map[string]bool
	connected      bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]*subscriber
}

func NewStore() *Store {
	return &Store{
		sessions:       map[string]types.Session{},
		messages:       map[string][]types.Message{},
		messageSession: map[string]string{},
		parts:          map[string][]types.MessagePart{},
		todos:          map[string][]types.TodoItem{},
		staleMessages:  map[string]bool{},
		subs:           map[int]*subscriber{},
	}
}

// Subscribe registers a change listener. The returned cancel func must be
// called when the consumer goes away or the channel leaks. Notifications
// are best-effort: a slow consumer loses individual changes, never reads
// of the store itself.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	sub := &subscriber{ch: make(chan Change, 64)}
	s.subs[id] = sub
	cancel := func() {
		s.subMu.Lock()
		current, ok := s.subs[id]
		if ok {
			delete(s.subs, id)
		}
		s.subMu.Unlock()
		if ok {
			close(current.ch)
		}
	}
	return sub.ch, cancel
}

func (s *Store) emit(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// --- reads ---

func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) Sessions() []types.Session {
	s.mu.RLock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, types.CloneSession(session))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.CreatedAt != nil && right.CreatedAt != nil && !left.CreatedAt.Equal(*right.CreatedAt) {
			return left.CreatedAt.Before(*right.CreatedAt)
		}
		return left.ID < right.ID
	})
	return out
}

func (s *Store) Session(id string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return types.CloneSession(session), true
}

func (s *Store) HasMessage(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messageSession[messageID]
	return ok
}

func (s *Store) Messages(sessionID string) []MessageWithParts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	out := make([]MessageWithParts, 0, len(list))
	for _, msg := range list {
		entry := MessageWithParts{Message: types.CloneMessage(msg)}
		for _, part := range s.parts[msg.ID] {
			entry.Parts = append(entry.Parts, types.ClonePart(part))
		}
		out = append(out, entry)
	}
	return out
}

func (s *Store) Part(messageID, partID string) (types.MessagePart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, part := range s.parts[messageID] {
		if part.ID == partID {
			return types.ClonePart(part), true
		}
	}
	return types.MessagePart{}, false
}

func (s *Store) Todos(sessionID string) []types.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.CloneTodos(s.todos[sessionID])
}

// ConsumeMessagesStale reports and clears the "message list needs a REST
// refetch" flag for a session.
func (s *Store) ConsumeMessagesStale(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staleMessages[sessionID] {
		return false
	}
	delete(s.staleMessages, sessionID)
	return true
}

// --- writes (reconciliation engine only) ---

func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if changed {
		s.emit(Change{Kind: ChangeConnection})
	}
}

// UpsertSession merges session metadata. Status is deliberately not
// merged here: session.status events are its only writer.
func (s *Store) UpsertSession(session types.Session) {
	if session.ID == "" {
		return
	}
	s.mu.Lock()
	existing, ok := s.sessions[session.ID]
	merged := types.CloneSession(session)
	if ok {
		merged.Status = existing.Status
	} else if merged.Status == "" {
		merged.Status = types.SessionStatusIdle
	}
	s.sessions[session.ID] = merged
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeSessions, SessionID: session.ID})
}

func (s *Store) SetSessionStatus(sessionID string, status types.SessionStatus) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		session = types.Session{ID: sessionID}
	}
	changed := session.Status != status
	session.Status = status
	s.sessions[sessionID] = session
	s.mu.Unlock()
	if changed {
		s.emit(Change{Kind: ChangeStatus, SessionID: sessionID})
	}
}

func (s *Store) RemoveSession(sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	for _, msg := range s.messages[sessionID] {
		delete(s.parts, msg.ID)
		delete(s.messageSession, msg.ID)
	}
	delete(s.messages, sessionID)
	delete(s.todos, sessionID)
	delete(s.staleMessages, sessionID)
	s.mu.Unlock()
	if ok {
		s.emit(Change{Kind: ChangeSessions, SessionID: sessionID})
	}
}

// UpsertMessage appends a new message or replaces the metadata of a known
// one. Parts are keyed separately by message id, so a metadata replace
// never disturbs the part list.
func (s *Store) UpsertMessage(msg types.Message) (created bool) {
	if msg.ID == "" || msg.SessionID == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		s.sessions[msg.SessionID] = types.Session{ID: msg.SessionID, Status: types.SessionStatusIdle}
	}
	list := s.messages[msg.SessionID]
	replaced := false
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = types.CloneMessage(msg)
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, types.CloneMessage(msg))
		s.messageSession[msg.ID] = msg.SessionID
	}
	s.messages[msg.SessionID] = list
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessages, SessionID: msg.SessionID})
	return !replaced
}

func (s *Store) RemoveMessage(sessionID, messageID string) {
	s.mu.Lock()
	list := s.messages[sessionID]
	kept := list[:0]
	removed := false
	for _, msg := range list {
		if msg.ID == messageID {
			removed = true
			continue
		}
		kept = append(kept, msg)
	}
	s.messages[sessionID] = kept
	if removed {
		delete(s.parts, messageID)
		delete(s.messageSession, messageID)
	}
	s.mu.Unlock()
	if removed {
		s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
	}
}

// RemovePlaceholders drops every pending locally synthesized message for
// a session and returns how many were removed.
func (s *Store) RemovePlaceholders(sessionID string) int {
	s.mu.Lock()
	list := s.messages[sessionID]
	kept := list[:0]
	removed := 0
	for _, msg := range list {
		if msg.Pending {
			delete(s.parts, msg.ID)
			delete(s.messageSession, msg.ID)
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.messages[sessionID] = kept
	s.mu.Unlock()
	if removed > 0 {
		s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
	}
	return removed
}

// CompleteMessage stamps a completion time on a message that has none.
func (s *Store) CompleteMessage(messageID string, completedAt int64) bool {
	s.mu.Lock()
	sessionID, ok := s.messageSession[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	list := s.messages[sessionID]
	stamped := false
	for i := range list {
		if list[i].ID == messageID && list[i].Time.Completed == nil {
			ts := completedAt
			list[i].Time.Completed = &ts
			stamped = true
		}
	}
	s.mu.Unlock()
	if stamped {
		s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
	}
	return stamped
}

// UpsertPart replaces a part by id or appends it in arrival order. The
// owning message must already exist; callers drop the part otherwise.
func (s *Store) UpsertPart(part types.MessagePart) bool {
	if part.ID == "" || part.MessageID == "" {
		return false
	}
	s.mu.Lock()
	sessionID, ok := s.messageSession[part.MessageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	list := s.parts[part.MessageID]
	replaced := false
	for i := range list {
		if list[i].ID == part.ID {
			list[i] = types.ClonePart(part)
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, types.ClonePart(part))
	}
	s.parts[part.MessageID] = list
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
	return true
}

func (s *Store) RemovePart(sessionID, messageID, partID string) {
	s.mu.Lock()
	list := s.parts[messageID]
	kept := list[:0]
	removed := false
	for _, part := range list {
		if part.ID == partID {
			removed = true
			continue
		}
		kept = append(kept, part)
	}
	s.parts[messageID] = kept
	s.mu.Unlock()
	if removed {
		s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
	}
}

// SetTodos replaces the todo snapshot wholesale.
func (s *Store) SetTodos(sessionID string, todos []types.TodoItem) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.todos[sessionID] = types.CloneTodos(todos)
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeTodos, SessionID: sessionID})
}

func (s *Store) MarkMessagesStale(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.staleMessages[sessionID] = true
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
}

// ReplaceMessages swaps in an authoritative message list fetched over
// REST after an invalidation. Pending placeholders survive the swap so an
// in-flight submission is not hidden by a refetch.
func (s *Store) ReplaceMessages(sessionID string, msgs []MessageWithParts) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	var pending []types.Message
	for _, msg := range s.messages[sessionID] {
		if msg.Pending {
			pending = append(pending, msg)
			continue
		}
		delete(s.parts, msg.ID)
		delete(s.messageSession, msg.ID)
	}
	list := make([]types.Message, 0, len(msgs)+len(pending))
	for _, entry := range msgs {
		if entry.Message.ID == "" {
			continue
		}
		msg := types.CloneMessage(entry.Message)
		msg.SessionID = sessionID
		list = append(list, msg)
		s.messageSession[msg.ID] = sessionID
		parts := make([]types.MessagePart, 0, len(entry.Parts))
		for _, part := range entry.Parts {
			parts = append(parts, types.ClonePart(part))
		}
		s.parts[msg.ID] = parts
	}
	list = append(list, pending...)
	s.messages[sessionID] = list
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessages, SessionID: sessionID})
}
