package replication

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventActive   EventType = "active"
	EventChange   EventType = "change"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is emitted by the Replicator, in order, from a single goroutine.
type Event struct {
	Type      EventType
	Seq       int64 // checkpoint after this event
	Pulled    int
	Pushed    int
	Conflicts int
	Err       error
	At        time.Time
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] seq=%d: %v", e.Type, e.Seq, e.Err)
	}
	return fmt.Sprintf("[%s] seq=%d pulled=%d pushed=%d", e.Type, e.Seq, e.Pulled, e.Pushed)
}

type Status string

const (
	StatusIdle        Status = "idle"
	StatusReplicating Status = "replicating"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)
