package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"overseer/internal/types"
)

// errUnknownEventType marks frames whose envelope names an event this
// console does not model. They are logged at debug and dropped; a newer
// backend must never wedge the stream.
var errUnknownEventType = errors.New("unknown event type")

type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// decodeEvent turns one raw frame into a typed event. It returns
// (nil, error) for malformed payloads and payloads missing fields their
// declared type requires; it never panics and the caller never treats a
// decode failure as fatal.
func decodeEvent(raw []byte) (types.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	kind := strings.TrimSpace(env.Type)
	if kind == "" {
		return nil, errors.New("frame missing type")
	}
	props := env.Properties
	if len(props) == 0 {
		props = json.RawMessage("{}")
	}

	switch kind {
	case types.EventSessionUpdated:
		var payload struct {
			Info types.Session `json:"info"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.Info.ID == "" {
			return nil, fmt.Errorf("%s missing session id", kind)
		}
		return types.SessionUpdated{Session: payload.Info}, nil

	case types.EventSessionDeleted:
		sessionID, err := sessionIDFromProps(props)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.SessionDeleted{SessionID: sessionID}, nil

	case types.EventSessionStatus:
		var payload struct {
			SessionID string          `json:"sessionID"`
			Status    json.RawMessage `json:"status"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("%s missing session id", kind)
		}
		status, err := decodeStatus(payload.Status)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.SessionStatusChanged{SessionID: payload.SessionID, Status: status}, nil

	case types.EventSessionIdle:
		sessionID, err := sessionIDFromProps(props)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.SessionIdle{SessionID: sessionID}, nil

	case types.EventSessionCompacted:
		sessionID, err := sessionIDFromProps(props)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.SessionCompacted{SessionID: sessionID}, nil

	case types.EventSessionError:
		var payload struct {
			SessionID string                 `json:"sessionID"`
			Error     types.SessionErrorInfo `json:"error"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		// sessionID is optional here: backend-wide errors carry none.
		return types.SessionError{SessionID: payload.SessionID, Err: payload.Error}, nil

	case types.EventMessageUpdated:
		var payload struct {
			Info types.Message `json:"info"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.Info.ID == "" || payload.Info.SessionID == "" {
			return nil, fmt.Errorf("%s missing message or session id", kind)
		}
		if payload.Info.Role != types.MessageRoleUser && payload.Info.Role != types.MessageRoleAssistant {
			return nil, fmt.Errorf("%s has unrecognized role %q", kind, payload.Info.Role)
		}
		return types.MessageUpdated{Info: payload.Info}, nil

	case types.EventMessageRemoved:
		var payload struct {
			SessionID string `json:"sessionID"`
			MessageID string `json:"messageID"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.SessionID == "" || payload.MessageID == "" {
			return nil, fmt.Errorf("%s missing ids", kind)
		}
		return types.MessageRemoved{SessionID: payload.SessionID, MessageID: payload.MessageID}, nil

	case types.EventMessagePartUpdated:
		var payload struct {
			Part types.MessagePart `json:"part"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.Part.ID == "" || payload.Part.MessageID == "" {
			return nil, fmt.Errorf("%s missing part or message id", kind)
		}
		return types.MessagePartUpdated{Part: payload.Part}, nil

	case types.EventMessagePartRemoved:
		var payload struct {
			SessionID string `json:"sessionID"`
			MessageID string `json:"messageID"`
			PartID    string `json:"partID"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.MessageID == "" || payload.PartID == "" {
			return nil, fmt.Errorf("%s missing ids", kind)
		}
		return types.MessagePartRemoved{SessionID: payload.SessionID, MessageID: payload.MessageID, PartID: payload.PartID}, nil

	case types.EventTodoUpdated:
		var payload struct {
			SessionID string           `json:"sessionID"`
			Todos     []types.TodoItem `json:"todos"`
		}
		if err := json.Unmarshal(props, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("%s missing session id", kind)
		}
		return types.TodoUpdated{SessionID: payload.SessionID, Todos: payload.Todos}, nil

	case types.EventQuestionReplied:
		sessionID, err := sessionIDFromProps(props)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.QuestionReplied{SessionID: sessionID}, nil

	case types.EventQuestionRejected:
		sessionID, err := sessionIDFromProps(props)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return types.QuestionRejected{SessionID: sessionID}, nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownEventType, kind)
	}
}

// sessionIDFromProps accepts the two envelope spellings seen in the wild:
// a bare sessionID field, or a nested info object.
func sessionIDFromProps(props json.RawMessage) (string, error) {
	var payload struct {
		SessionID string `json:"sessionID"`
		Info      struct {
			ID string `json:"id"`
		} `json:"info"`
	}
	if err := json.Unmarshal(props, &payload); err != nil {
		return "", err
	}
	if payload.SessionID != "" {
		return payload.SessionID, nil
	}
	if payload.Info.ID != "" {
		return payload.Info.ID, nil
	}
	return "", errors.New("missing session id")
}

// decodeStatus accepts both the tagged form {"type":"busy"} and a bare
// string, and rejects values outside the status variant.
func decodeStatus(raw json.RawMessage) (types.SessionStatus, error) {
	if len(raw) == 0 {
		return "", errors.New("missing status")
	}
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Type != "" {
		return parseStatus(tagged.Type)
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
		return parseStatus(plain)
	}
	return "", errors.New("unrecognized status payload")
}

func parseStatus(raw string) (types.SessionStatus, error) {
	status := types.SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !types.KnownSessionStatus(status) {
		return "", fmt.Errorf("unrecognized status %q", raw)
	}
	return status, nil
}
