package recorder

import (
	"fmt"
	"time"
)

type EventType int

const (
	StepEvent EventType = iota
	MatchEvent
	AbortEvent
)

// Event is one line of a trace. Step events carry the registers captured
// after the step; the last event of a finished run is a match or an abort.
type Event struct {
	ID        int64
	Timestamp time.Time
	Type      EventType
	Step      int
	PC        uint64
	Registers map[string]uint64 `json:",omitempty"`
	Details   string            `json:",omitempty"`
}

// String returns the string representation of the EventType
func (et EventType) String() string {
	switch et {
	case StepEvent:
		return "Step"
	case MatchEvent:
		return "Match"
	case AbortEvent:
		return "Abort"
	default:
		return "Unknown"
	}
}

func (e Event) String() string {
	switch e.Type {
	case StepEvent:
		return fmt.Sprintf("#%d step %d pc=%#x", e.ID, e.Step, e.PC)
	default:
		s := fmt.Sprintf("#%d %s after %d steps pc=%#x", e.ID, e.Type, e.Step, e.PC)
		if e.Details != "" {
			s += ": " + e.Details
		}
		return s
	}
}

// CurrentTime is the clock used to stamp events.
var CurrentTime = time.Now
