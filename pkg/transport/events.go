package transport

import "fmt"

type (
	// EventKind is the closed set of things a poll can report.
	EventKind int

	DisconnectReason int

	// Event is what ClientPoll and ServerPoll return. Payload is owned by the
	// event and stays valid after later polls.
	Event struct {
		Kind         EventKind
		ConnectionID ConnectionID
		Reason       DisconnectReason
		Channel      uint8
		Payload      []byte
	}
)

const (
	EventNone EventKind = iota
	EventConnect
	EventDisconnect
	EventData
)

// Reason is only meaningful on EventDisconnect.
const (
	ReasonOther DisconnectReason = iota
	ReasonTimeout
)

var eventKindName = map[EventKind]string{
	EventNone:       "none",
	EventConnect:    "connect",
	EventDisconnect: "disconnect",
	EventData:       "data",
}

func (k EventKind) String() string {
	if name, ok := eventKindName[k]; ok {
		return name
	}
	return "unknown"
}

func (r DisconnectReason) String() string {
	if r == ReasonTimeout {
		return "timeout"
	}
	return "other"
}

// IsNone reports whether the poll found nothing to do.
func (e Event) IsNone() bool {
	return e.Kind == EventNone
}

func (e Event) String() string {
	switch e.Kind {
	case EventNone:
		return "none"
	case EventDisconnect:
		return fmt.Sprintf("disconnect(peer=%d, reason=%s)", e.ConnectionID, e.Reason)
	case EventData:
		return fmt.Sprintf("data(peer=%d, channel=%d, bytes=%d)", e.ConnectionID, e.Channel, len(e.Payload))
	default:
		return fmt.Sprintf("%s(peer=%d)", e.Kind, e.ConnectionID)
	}
}
