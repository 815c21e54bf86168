package types

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageTime carries millisecond unix timestamps as the backend sends
// them. Completed is nil while an assistant message is still streaming.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      MessageRole `json:"role"`
	Time      MessageTime `json:"time"`

	// CorrelationID ties a locally created placeholder to the confirmed
	// message the backend eventually emits for the same submission. It is
	// set on placeholders and echoed back by backends that support it.
	CorrelationID string `json:"correlationID,omitempty"`

	// Pending marks a locally synthesized placeholder that has not been
	// confirmed by the backend yet.
	Pending bool `json:"-"`
}

func (m Message) InFlight() bool {
	return m.Role == MessageRoleAssistant && m.Time.Completed == nil
}

func CloneMessage(in Message) Message {
	out := in
	if in.Time.Completed != nil {
		v := *in.Time.Completed
		out.Time.Completed = &v
	}
	return out
}

const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypeFile       = "file"
)

type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// Terminal reports whether a tool state may no longer change. The
// reconciler refuses any transition out of a terminal state.
func (s ToolStatus) Terminal() bool {
	return s == ToolStatusCompleted || s == ToolStatusError
}

type TimeRange struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

type ToolState struct {
	Status ToolStatus     `json:"status"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Title  string         `json:"title,omitempty"`
	Error  string         `json:"error,omitempty"`
	Time   *TimeRange     `json:"time,omitempty"`
}

type MessagePart struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *ToolState `json:"state,omitempty"`
	Time      *TimeRange `json:"time,omitempty"`
}

func ClonePart(in MessagePart) MessagePart {
	out := in
	if in.State != nil {
		state := *in.State
		if in.State.Input != nil {
			state.Input = make(map[string]any, len(in.State.Input))
			for k, v := range in.State.Input {
				state.Input[k] = v
			}
		}
		if in.State.Time != nil {
			tr := *in.State.Time
			if in.State.Time.End != nil {
				end := *in.State.Time.End
				tr.End = &end
			}
			state.Time = &tr
		}
		out.State = &state
	}
	if in.Time != nil {
		tr := *in.Time
		if in.Time.End != nil {
			end := *in.Time.End
			tr.End = &end
		}
		out.Time = &tr
	}
	return out
}
