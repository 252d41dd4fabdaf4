package rws

import "github.com/dwebble/rws/internal/events"

// EventType is the kind of an Event returned by Poll.
type EventType int32

const (
	EventNone EventType = iota
	EventClientConnected
	EventClientDisconnected
	EventMessageReceived
	EventError
)

// String returns the short lowercase name of the type, such as "connected"
// or "message".
func (t EventType) String() string {
	return events.Type(t).String()
}

// Event is one entry drained by Poll. Data is set for EventMessageReceived
// only and Error for EventError only. The caller owns Data; later polls never
// touch it.
type Event struct {
	Type         EventType
	ConnectionID uint64
	Data         []byte
	Error        string
}

func fromInternal(ev events.Event) Event {
	out := Event{ConnectionID: ev.ConnID}
	switch ev.Type {
	case events.TypeConnected:
		out.Type = EventClientConnected
	case events.TypeDisconnected:
		out.Type = EventClientDisconnected
	case events.TypeMessage:
		out.Type = EventMessageReceived
		out.Data = ev.Data
	case events.TypeError:
		out.Type = EventError
		out.Error = ev.Err
	}
	return out
}
