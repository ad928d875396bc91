package broadcast

import "time"

// EventType enumerates the stream lifecycle events flowing through the
// gateway into the persistence queue.
type EventType string

const (
	// EventTypeStarted marks a session whose encoder pipeline came up.
	EventTypeStarted EventType = "started"
	// EventTypeEnded marks a session that was torn down, whether by an
	// explicit end message, a broadcaster disconnect, or an encoder exit.
	EventTypeEnded EventType = "ended"
)

// Event is the wire representation forwarded to the lifecycle queue.
// Downstream consumers (match pages, notification fan-out) key on StreamKey.
type Event struct {
	Type       EventType `json:"type"`
	StreamKey  string    `json:"streamKey"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
