package recorder

import (
	"errors"
	"sync/atomic"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// Session numbers the events of one monitor run and writes them to a Recorder.
type Session struct {
	r      Recorder
	nextID atomic.Int64
	err    error
}

// NewSession starts numbering events at one past the last event already held
// by r, so appending to an existing trace keeps IDs increasing.
func NewSession(r Recorder) *Session {
	s := &Session{r: r}
	if events := r.GetEvents(); len(events) > 0 {
		s.nextID.Store(events[len(events)-1].ID)
	}
	return s
}

func (s *Session) record(e Event) {
	e.ID = s.nextID.Add(1)
	e.Timestamp = CurrentTime()
	if err := s.r.RecordEvent(e); err != nil && s.err == nil {
		s.err = err
	}
}

// Hook returns a step hook that records a step event for every snapshot.
func (s *Session) Hook() monitor.StepHook {
	return func(snap monitor.Snapshot) {
		s.record(Event{
			Type:      StepEvent,
			Step:      snap.Step,
			PC:        snap.InstructionPointer,
			Registers: snap.Registers,
		})
	}
}

// Finish records the outcome of a run: a match event when res matched,
// otherwise an abort event carrying err.
func (s *Session) Finish(res *monitor.Result, err error) error {
	e := Event{Type: AbortEvent}
	if res != nil {
		e.Step = res.Steps
	}
	switch {
	case res != nil && res.Matched:
		e.Type = MatchEvent
		e.PC = res.InstructionPointer
		e.Registers = res.Snapshot.Registers
	case err != nil:
		e.Details = err.Error()
	}
	s.record(e)
	return s.Err()
}

// Err returns the first error the recorder reported.
func (s *Session) Err() error {
	return s.err
}

// Hook is a shorthand for NewSession(r).Hook() when the outcome is not recorded.
func Hook(r Recorder) monitor.StepHook {
	return NewSession(r).Hook()
}

// Outcome returns the match or abort event that ends a trace.
func Outcome(events []Event) (Event, error) {
	if len(events) == 0 {
		return Event{}, errors.New("empty trace")
	}
	last := events[len(events)-1]
	if last.Type == StepEvent {
		return Event{}, errors.New("trace has no outcome")
	}
	return last, nil
}
