package recorder

type Recorder interface {
	RecordEvent(e Event) error
	GetEvents() []Event
	Clear()
}

// InMemoryRecorder keeps events in memory. With a limit only the most recent
// events are kept.
type InMemoryRecorder struct {
	events []Event
	limit  int
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{events: []Event{}}
}

// NewRingRecorder returns a recorder holding the last limit events.
func NewRingRecorder(limit int) *InMemoryRecorder {
	return &InMemoryRecorder{events: make([]Event, 0, limit), limit: limit}
}

func (r *InMemoryRecorder) RecordEvent(e Event) error {
	if r.limit > 0 && len(r.events) == r.limit {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, e)
	return nil
}

func (r *InMemoryRecorder) GetEvents() []Event {
	return r.events
}

func (r *InMemoryRecorder) Clear() {
	r.events = make([]Event, 0, r.limit)
}
