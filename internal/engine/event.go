package engine

// EventKind identifies the stream an out-of-band backend event belongs to.
type EventKind string

// Known event kinds.
const (
	EventScanProgress    EventKind = "scan.progress"
	EventCommitCompleted EventKind = "commit.completed"
)

// Event is a fire-and-forget message from the backend. Payload is the raw
// JSON record; CorrelationID names the request that produced it.
type Event struct {
	Kind          EventKind
	CorrelationID string
	Payload       []byte
}
