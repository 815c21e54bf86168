package types

import "time"

type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusBusy       SessionStatus = "busy"
	SessionStatusRetry      SessionStatus = "retry"
	SessionStatusCompacting SessionStatus = "compacting"
)

// KnownSessionStatus reports whether raw names one of the statuses the
// backend emits. The store keeps unknown values as-is so a newer backend
// does not break older consoles; callers use this to decide rendering.
func KnownSessionStatus(raw SessionStatus) bool {
	switch raw {
	case SessionStatusIdle, SessionStatusBusy, SessionStatusRetry, SessionStatusCompacting:
		return true
	default:
		return false
	}
}

type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Directory string        `json:"directory,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}

func CloneSession(in Session) Session {
	out := in
	if in.CreatedAt != nil {
		v := *in.CreatedAt
		out.CreatedAt = &v
	}
	if in.UpdatedAt != nil {
		v := *in.UpdatedAt
		out.UpdatedAt = &v
	}
	return out
}
