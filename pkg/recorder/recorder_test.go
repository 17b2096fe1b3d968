package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

func fixedClock(t *testing.T) {
	old := CurrentTime
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	CurrentTime = func() time.Time { return at }
	t.Cleanup(func() { CurrentTime = old })
}

func TestInMemoryRecorder(t *testing.T) {
	recorder := NewInMemoryRecorder()

	if len(recorder.GetEvents()) != 0 {
		t.Errorf("Expected 0 events initially, got %d", len(recorder.GetEvents()))
	}

	testEvents := []Event{
		{ID: 1, Type: StepEvent, Step: 1, PC: 0x7c03},
		{ID: 2, Type: MatchEvent, Step: 1, PC: 0x7c03, Details: "ax=0x202"},
	}
	for _, event := range testEvents {
		if err := recorder.RecordEvent(event); err != nil {
			t.Errorf("Unexpected error recording event: %v", err)
		}
	}

	events := recorder.GetEvents()
	if len(events) != len(testEvents) {
		t.Fatalf("Expected %d events, got %d", len(testEvents), len(events))
	}
	for i, event := range events {
		if event.ID != testEvents[i].ID || event.Type != testEvents[i].Type {
			t.Errorf("Event %d: expected %v, got %v", i, testEvents[i], event)
		}
	}

	recorder.Clear()
	if len(recorder.GetEvents()) != 0 {
		t.Errorf("Expected 0 events after clearing, got %d", len(recorder.GetEvents()))
	}
}

func TestRingRecorder(t *testing.T) {
	r := NewRingRecorder(2)
	for i := 1; i <= 3; i++ {
		r.RecordEvent(Event{ID: int64(i), Type: StepEvent, Step: i})
	}
	events := r.GetEvents()
	if len(events) != 2 || events[0].ID != 2 || events[1].ID != 3 {
		t.Fatalf("Expected the last two events, got %v", events)
	}

	s := NewSession(r)
	s.Hook()(monitor.Snapshot{Step: 4, InstructionPointer: 0x7c20})
	if err := s.Finish(&monitor.Result{Matched: true, Steps: 4, InstructionPointer: 0x7c20}, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	events = r.GetEvents()
	if events[0].ID != 4 || events[1].Type != MatchEvent || events[1].ID != 5 {
		t.Errorf("Expected numbering to continue past dropped events, got %v", events)
	}

	r.Clear()
	if len(r.GetEvents()) != 0 {
		t.Errorf("Expected 0 events after clearing, got %d", len(r.GetEvents()))
	}
}

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{ID: 3, Type: StepEvent, Step: 3, PC: 0x7c08}, "#3 step 3 pc=0x7c08"},
		{Event{ID: 6, Type: MatchEvent, Step: 5, PC: 0x7c20}, "#6 Match after 5 steps pc=0x7c20"},
		{Event{ID: 4, Type: AbortEvent, Step: 3, Details: "boom"}, "#4 Abort after 3 steps pc=0x0: boom"},
	}
	for _, tt := range tests {
		if got := tt.event.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if EventType(42).String() != "Unknown" {
		t.Errorf("Expected Unknown for an invalid event type")
	}
}

func testFileRecorder(t *testing.T, compression CompressionType) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	fr, err := NewFileRecorderWithOptions(path, FileRecorderOptions{CompressionType: compression})
	if err != nil {
		t.Fatalf("Failed to create file recorder: %v", err)
	}

	for i := 1; i <= 3; i++ {
		err := fr.RecordEvent(Event{ID: int64(i), Type: StepEvent, Step: i, PC: 0x7c00 + uint64(i), Registers: map[string]uint64{"eax": uint64(i)}})
		if err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}
	if err := fr.RecordEvent(Event{ID: 4, Type: MatchEvent, Step: 3, PC: 0x7c03}); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}

	events := fr.GetEvents()
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	if events[2].Registers["eax"] != 3 {
		t.Errorf("Expected eax=3 in event 3, got %v", events[2].Registers)
	}

	// Events after a flush land in a new frame
	if err := fr.RecordEvent(Event{ID: 5, Type: StepEvent, Step: 4}); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Failed to close recorder: %v", err)
	}

	events, err = ReadTrace(path)
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(events))
	}
	if events[3].Type != MatchEvent || events[4].Step != 4 {
		t.Errorf("Unexpected events: %v", events)
	}
}

func TestFileRecorder(t *testing.T) {
	testFileRecorder(t, NoCompression)
}

func TestFileRecorderCompressed(t *testing.T) {
	testFileRecorder(t, ZstdCompression)
}

func TestFileRecorderAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	plain := FileRecorderOptions{CompressionType: NoCompression}

	for i := 1; i <= 2; i++ {
		fr, err := NewFileRecorderWithOptions(path, plain)
		if err != nil {
			t.Fatalf("Failed to open trace for session %d: %v", i, err)
		}
		fr.RecordEvent(Event{ID: int64(i), Type: StepEvent, Step: i})
		if err := fr.Close(); err != nil {
			t.Fatalf("Failed to close recorder: %v", err)
		}
	}

	_, err := NewFileRecorderWithOptions(path, FileRecorderOptions{CompressionType: ZstdCompression})
	if !errors.Is(err, ErrCompressionMismatch) {
		t.Fatalf("Expected a compression mismatch appending zstd to a plain trace, got %v", err)
	}
	events, err := ReadTrace(path)
	if err != nil || len(events) != 2 {
		t.Fatalf("Expected the plain trace to stay readable, got %d events, %v", len(events), err)
	}

	fr, err := NewFileRecorderWithOptions(path, FileRecorderOptions{CompressionType: ZstdCompression, Truncate: true})
	if err != nil {
		t.Fatalf("Truncating a trace must not check its compression: %v", err)
	}
	fr.RecordEvent(Event{ID: 1, Type: MatchEvent, Step: 1})
	fr.Close()
	if _, err := NewFileRecorderWithOptions(path, plain); !errors.Is(err, ErrCompressionMismatch) {
		t.Errorf("Expected a compression mismatch appending plain lines to a zstd trace, got %v", err)
	}
}

func TestFileRecorderClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	fr, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("Failed to create file recorder: %v", err)
	}
	defer fr.Close()

	fr.RecordEvent(Event{ID: 1, Type: AbortEvent})
	if fr.EventCount() != 1 {
		t.Errorf("Expected 1 event, got %d", fr.EventCount())
	}
	fr.Clear()
	if fr.EventCount() != 0 || len(fr.GetEvents()) != 0 {
		t.Errorf("Expected empty recorder after Clear")
	}
	if fr.Path() != path {
		t.Errorf("Expected path %s, got %s", path, fr.Path())
	}
}

func TestReadTraceBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{\"ID\":1}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	events, err := ReadTrace(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("Expected a line 2 error, got %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected the first event to be returned, got %d", len(events))
	}
}

type scriptedStepper struct {
	eax  []uint64
	step int
}

func (s *scriptedStepper) Step() error {
	if s.step >= len(s.eax) {
		return errors.New("process exited")
	}
	s.step++
	return nil
}

func (s *scriptedStepper) ReadRegister(name string) (uint64, error) {
	if name != monitor.EAX {
		return 0, &monitor.UnknownRegisterError{Name: name}
	}
	return s.eax[s.step-1], nil
}

func (s *scriptedStepper) ProgramCounter() (uint64, error) {
	return 0x7c00 + uint64(s.step), nil
}

func TestSessionRecordsRun(t *testing.T) {
	fixedClock(t)
	sig, err := monitor.ParseSignature("al=2")
	if err != nil {
		t.Fatal(err)
	}

	rec := NewInMemoryRecorder()
	session := NewSession(rec)
	stepper := &scriptedStepper{eax: []uint64{0, 1, 0x1202}}

	res, err := monitor.Run(context.Background(), stepper, sig, monitor.WithStepHook(session.Hook()))
	if err := session.Finish(res, err); err != nil {
		t.Fatalf("Unexpected recorder error: %v", err)
	}
	if err != nil {
		t.Fatalf("Unexpected run error: %v", err)
	}

	events := rec.GetEvents()
	if len(events) != 4 {
		t.Fatalf("Expected 3 steps and a match, got %d events", len(events))
	}
	for i, e := range events {
		if e.ID != int64(i+1) {
			t.Errorf("Event %d: expected ID %d, got %d", i, i+1, e.ID)
		}
		if !e.Timestamp.Equal(CurrentTime()) {
			t.Errorf("Event %d: unexpected timestamp %v", i, e.Timestamp)
		}
	}
	if events[1].PC != 0x7c02 || events[1].Registers["al"] != 1 {
		t.Errorf("Unexpected step event %v %v", events[1], events[1].Registers)
	}

	outcome, err := Outcome(events)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if outcome.Type != MatchEvent || outcome.PC != 0x7c03 || outcome.Step != 3 {
		t.Errorf("Unexpected outcome %v", outcome)
	}
}

func TestSessionRecordsAbort(t *testing.T) {
	sig, _ := monitor.ParseSignature("al=9")
	rec := NewInMemoryRecorder()
	rec.RecordEvent(Event{ID: 10, Type: MatchEvent})

	session := NewSession(rec)
	res, err := monitor.Run(context.Background(), &scriptedStepper{eax: []uint64{1}}, sig, monitor.WithStepHook(session.Hook()))
	if !errors.Is(err, monitor.ErrStepFailure) {
		t.Fatalf("Expected a step failure, got %v", err)
	}
	session.Finish(res, err)

	events := rec.GetEvents()
	last := events[len(events)-1]
	if last.Type != AbortEvent || last.ID != 12 || last.Step != 2 {
		t.Errorf("Unexpected abort event %v", last)
	}
	if !strings.Contains(last.Details, "process exited") {
		t.Errorf("Expected the failure in details, got %q", last.Details)
	}

	if _, err := Outcome(nil); err == nil {
		t.Errorf("Expected an error for an empty trace")
	}
	if _, err := Outcome(events[1:2]); err == nil {
		t.Errorf("Expected an error for a trace without outcome")
	}
}
