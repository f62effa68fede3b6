package tracker

// Event type that is sent in an announce request.
type Event int32

// Tracker announce events.
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

var eventNames = [...]string{
	"empty",
	"completed",
	"started",
	"stopped",
}

// String returns the name of the event as represented in the HTTP tracker protocol.
func (e Event) String() string {
	return eventNames[e]
}
