// Package replay walks a recorded trace. A BasicReplayer is also a
// monitor.Stepper, so a signature can be searched for in a trace exactly as it
// would be against a live target.
package replay

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/willibrandon/stepwatch/pkg/monitor"
	"github.com/willibrandon/stepwatch/pkg/recorder"
)

// ErrEndOfTrace is returned by Step when no step event is left.
var ErrEndOfTrace = errors.New("end of trace")

// Replayer interface defines methods for replaying recorded events
type Replayer interface {
	// LoadEvents loads recorded events into the replayer
	LoadEvents([]recorder.Event) error

	// ReplayForward replays all events from the current position
	ReplayForward() error

	// ReplayUntil replays events until check returns true for one of them
	ReplayUntil(check func(event recorder.Event) bool) (bool, error)

	// ReplayToEventIndex moves the cursor to the specified index
	ReplayToEventIndex(idx int) error

	// StepBackward steps backward from the current index
	// returns the new index after stepping back
	StepBackward(currentIdx int) (int, error)

	// CurrentIndex returns the current event index
	CurrentIndex() int

	// Events returns all loaded events
	Events() []recorder.Event
}

// BasicReplayer implements the Replayer interface
type BasicReplayer struct {
	events     []recorder.Event
	currentIdx int
	natives    []string

	// Output receives one line per replayed event. Nil discards them.
	Output io.Writer
}

var _ monitor.Stepper = (*BasicReplayer)(nil)
var _ monitor.RegisterLister = (*BasicReplayer)(nil)

// NewBasicReplayer creates a new BasicReplayer
func NewBasicReplayer() *BasicReplayer {
	return &BasicReplayer{
		events:     []recorder.Event{},
		currentIdx: -1,
	}
}

// Open loads a trace file into a new replayer.
func Open(path string) (*BasicReplayer, error) {
	events, err := recorder.ReadTrace(path)
	if err != nil {
		return nil, err
	}
	r := NewBasicReplayer()
	if err := r.LoadEvents(events); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadEvents loads the given events into the replayer
func (r *BasicReplayer) LoadEvents(events []recorder.Event) error {
	r.events = events
	r.currentIdx = -1
	r.natives = nil

	seen := map[string]bool{}
	for _, e := range events {
		if e.Type != recorder.StepEvent {
			continue
		}
		for name := range e.Registers {
			if def, ok := monitor.LookupRegister(name); ok && def.Native() && !seen[name] {
				seen[name] = true
				r.natives = append(r.natives, name)
			}
		}
		// Every step of a run captures the same registers.
		break
	}
	sort.Strings(r.natives)
	return nil
}

// ReplayForward replays all events from current position to the end
func (r *BasicReplayer) ReplayForward() error {
	_, err := r.ReplayUntil(nil)
	return err
}

// ReplayUntil replays events until check returns true for one of them and
// leaves the cursor on it. If check is nil, replay all events.
func (r *BasicReplayer) ReplayUntil(check func(event recorder.Event) bool) (bool, error) {
	startIdx := r.currentIdx + 1
	if startIdx < 0 {
		startIdx = 0
	}

	for i := startIdx; i < len(r.events); i++ {
		event := r.events[i]
		r.currentIdx = i

		if check != nil && check(event) {
			r.printf("Stopped at event %d\n", i)
			return true, nil
		}

		r.printf("[%s] %s\n", event.Timestamp.Format(time.RFC3339), event)
	}

	r.printf("Replay complete\n")
	return false, nil
}

func (r *BasicReplayer) printf(format string, args ...any) {
	if r.Output != nil {
		fmt.Fprintf(r.Output, format, args...)
	}
}

// ReplayToEventIndex moves the cursor to the specified index
func (r *BasicReplayer) ReplayToEventIndex(idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return fmt.Errorf("event index %d out of range [0, %d)", idx, len(r.events))
	}

	r.currentIdx = idx
	return nil
}

// StepBackward moves one step backward in the event log
func (r *BasicReplayer) StepBackward(currentIdx int) (int, error) {
	if currentIdx <= 0 {
		return 0, fmt.Errorf("already at the beginning")
	}

	newIdx := currentIdx - 1
	r.currentIdx = newIdx
	return newIdx, nil
}

// CurrentIndex returns the current event index
func (r *BasicReplayer) CurrentIndex() int {
	return r.currentIdx
}

// Events returns all loaded events
func (r *BasicReplayer) Events() []recorder.Event {
	return r.events
}

// Rewind puts the cursor before the first event.
func (r *BasicReplayer) Rewind() {
	r.currentIdx = -1
}

// Step moves the cursor to the next step event.
func (r *BasicReplayer) Step() error {
	for i := r.currentIdx + 1; i < len(r.events); i++ {
		if r.events[i].Type == recorder.StepEvent {
			r.currentIdx = i
			return nil
		}
	}
	r.currentIdx = len(r.events)
	return ErrEndOfTrace
}

func (r *BasicReplayer) current() (recorder.Event, error) {
	if r.currentIdx < 0 || r.currentIdx >= len(r.events) {
		return recorder.Event{}, errors.New("no current event")
	}
	return r.events[r.currentIdx], nil
}

// ReadRegister returns a register captured by the current event.
func (r *BasicReplayer) ReadRegister(name string) (uint64, error) {
	e, err := r.current()
	if err != nil {
		return 0, err
	}
	v, ok := e.Registers[name]
	if !ok {
		return 0, &monitor.UnknownRegisterError{Name: name, Err: fmt.Errorf("not captured in event %d", e.ID)}
	}
	return v, nil
}

// ProgramCounter returns the instruction pointer of the current event.
func (r *BasicReplayer) ProgramCounter() (uint64, error) {
	e, err := r.current()
	if err != nil {
		return 0, err
	}
	if e.PC == 0 {
		if eip, ok := e.Registers[monitor.EIP]; ok {
			return eip, nil
		}
	}
	return e.PC, nil
}

// Registers returns the native registers captured by the trace.
func (r *BasicReplayer) Registers() []string {
	return r.natives
}
