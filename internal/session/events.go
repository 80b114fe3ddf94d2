package session

import "stockyard/internal/models"

type EventType int

const (
	EventStarted  EventType = iota + 1 // login or signup
	EventRestored                      // rebuilt from the credential store
	EventUpdated                       // profile fields changed
	EventEnded                         // session cleared
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventRestored:
		return "restored"
	case EventUpdated:
		return "updated"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason says why a session ended. Outer layers use it to decide where to
// navigate; the container itself never navigates.
type EndReason string

const (
	ReasonLogout       EndReason = "logout"
	ReasonUnauthorized EndReason = "unauthorized"
	ReasonCorrupted    EndReason = "corrupted"
	ReasonExpired      EndReason = "expired"
)

type Event struct {
	Type EventType
	// Session is a copy of the session after the change; nil for EventEnded.
	Session *models.Session
	Reason  EndReason
	Epoch   uint64
}

// Active reports whether the event leaves a session in place.
func (e Event) Active() bool {
	return e.Type != EventEnded && e.Session != nil
}
