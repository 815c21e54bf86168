package types

// Event names as they appear in the backend's SSE envelope
// {"type": "<name>", "properties": {...}}.
const (
	EventSessionUpdated     = "session.updated"
	EventSessionDeleted     = "session.deleted"
	EventSessionStatus      = "session.status"
	EventSessionIdle        = "session.idle"
	EventSessionCompacted   = "session.compacted"
	EventSessionError       = "session.error"
	EventMessageUpdated     = "message.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartUpdated = "message.part.updated"
	EventMessagePartRemoved = "message.part.removed"
	EventTodoUpdated        = "todo.updated"
	EventQuestionReplied    = "question.replied"
	EventQuestionRejected   = "question.rejected"
)

// Event is the decoded form of one stream frame. Each concrete type maps
// to exactly one envelope name; decoding an unknown name yields no event.
type Event interface {
	Kind() string
}

type SessionUpdated struct {
	Session Session
}

func (SessionUpdated) Kind() string { return EventSessionUpdated }

type SessionDeleted struct {
	SessionID string
}

func (SessionDeleted) Kind() string { return EventSessionDeleted }

type SessionStatusChanged struct {
	SessionID string
	Status    SessionStatus
}

func (SessionStatusChanged) Kind() string { return EventSessionStatus }

type SessionIdle struct {
	SessionID string
}

func (SessionIdle) Kind() string { return EventSessionIdle }

type SessionCompacted struct {
	SessionID string
}

func (SessionCompacted) Kind() string { return EventSessionCompacted }

// SessionErrorInfo mirrors the backend's error payload. Name identifies
// the error kind; aborted turns arrive as MessageAbortedError.
type SessionErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

const ErrorNameMessageAborted = "MessageAbortedError"

func (e SessionErrorInfo) Aborted() bool {
	return e.Name == ErrorNameMessageAborted
}

type SessionError struct {
	SessionID string
	Err       SessionErrorInfo
}

func (SessionError) Kind() string { return EventSessionError }

type MessageUpdated struct {
	Info Message
}

func (MessageUpdated) Kind() string { return EventMessageUpdated }

type MessageRemoved struct {
	SessionID string
	MessageID string
}

func (MessageRemoved) Kind() string { return EventMessageRemoved }

type MessagePartUpdated struct {
	Part MessagePart
}

func (MessagePartUpdated) Kind() string { return EventMessagePartUpdated }

type MessagePartRemoved struct {
	SessionID string
	MessageID string
	PartID    string
}

func (MessagePartRemoved) Kind() string { return EventMessagePartRemoved }

type TodoUpdated struct {
	SessionID string
	Todos     []TodoItem
}

func (TodoUpdated) Kind() string { return EventTodoUpdated }

type QuestionReplied struct {
	SessionID string
}

func (QuestionReplied) Kind() string { return EventQuestionReplied }

type QuestionRejected struct {
	SessionID string
}

func (QuestionRejected) Kind() string { return EventQuestionRejected }
