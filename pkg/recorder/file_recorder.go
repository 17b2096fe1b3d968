package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCompressionMismatch is returned when appending to a trace written with
// a different compression.
var ErrCompressionMismatch = errors.New("trace compression mismatch")

// FileRecorder records events to a file as JSON lines with optional compression
type FileRecorder struct {
	file            *os.File
	writer          io.WriteCloser
	bufWriter       *bufio.Writer
	path            string
	compressionType CompressionType
	eventCount      int
}

// FileRecorderOptions contains options for creating a file recorder
type FileRecorderOptions struct {
	CompressionType CompressionType
	// Truncate starts a new trace instead of appending to an existing one.
	Truncate bool
}

// DefaultFileRecorderOptions returns default options for file recorder
func DefaultFileRecorderOptions() FileRecorderOptions {
	return FileRecorderOptions{
		CompressionType: DefaultCompression,
	}
}

// NewFileRecorder creates a new file recorder with default options
func NewFileRecorder(path string) (*FileRecorder, error) {
	return NewFileRecorderWithOptions(path, DefaultFileRecorderOptions())
}

// NewFileRecorderWithOptions creates a new file recorder with the given options
func NewFileRecorderWithOptions(path string, options FileRecorderOptions) (*FileRecorder, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if options.Truncate {
		flags |= os.O_TRUNC
	} else if err := checkAppend(path, options.CompressionType); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	bufWriter := bufio.NewWriter(f)
	w, err := NewCompressedWriter(bufWriter, options.CompressionType)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileRecorder{
		file:            f,
		writer:          w,
		bufWriter:       bufWriter,
		path:            path,
		compressionType: options.CompressionType,
	}, nil
}

// checkAppend refuses to append to a non-empty trace with another compression.
func checkAppend(path string, ct CompressionType) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, existing, err := DetectCompression(f)
	if err != nil {
		return err
	}
	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		return nil
	}
	if existing != ct {
		return fmt.Errorf("%w: %s is written with %s, not %s", ErrCompressionMismatch, path, existing, ct)
	}
	return nil
}

// Path returns the trace file path.
func (fr *FileRecorder) Path() string {
	return fr.path
}

// RecordEvent appends an event to the trace. Step events are buffered; match
// and abort events flush the trace to disk.
func (fr *FileRecorder) RecordEvent(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := fr.writer.Write(data); err != nil {
		return err
	}
	fr.eventCount++

	if e.Type != StepEvent {
		return fr.Flush()
	}
	return nil
}

// Flush ends the current compressed frame and writes everything to the file.
// Later events start a new frame, which readers handle transparently.
func (fr *FileRecorder) Flush() error {
	if err := fr.writer.Close(); err != nil {
		return err
	}
	if err := fr.bufWriter.Flush(); err != nil {
		return err
	}
	w, err := NewCompressedWriter(fr.bufWriter, fr.compressionType)
	if err != nil {
		return err
	}
	fr.writer = w
	return nil
}

// GetEvents reads all events from the file, decompressing if necessary
func (fr *FileRecorder) GetEvents() []Event {
	if err := fr.Flush(); err != nil {
		return nil
	}
	events, err := ReadTrace(fr.path)
	if err != nil {
		return nil
	}
	return events
}

// EventCount returns the number of events recorded since the recorder was opened.
func (fr *FileRecorder) EventCount() int {
	return fr.eventCount
}

// Clear clears the file and resets the recorder
func (fr *FileRecorder) Clear() {
	// Ignore errors in Clear() as per interface
	fr.writer.Close()
	fr.bufWriter.Flush()
	fr.file.Close()
	os.Truncate(fr.path, 0)

	f, err := os.OpenFile(fr.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		fr.file = f
		fr.bufWriter = bufio.NewWriter(f)
		fr.writer, _ = NewCompressedWriter(fr.bufWriter, fr.compressionType)
		fr.eventCount = 0
	}
}

// Close flushes and closes the file
func (fr *FileRecorder) Close() error {
	if err := fr.writer.Close(); err != nil {
		return err
	}
	if err := fr.bufWriter.Flush(); err != nil {
		return err
	}
	return fr.file.Close()
}

// ReadTrace loads every event of a trace file. The compression is detected
// from the file contents.
func ReadTrace(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeTrace(f)
}

// DecodeTrace reads JSON line events from r, decompressing if necessary.
func DecodeTrace(r io.Reader) ([]Event, error) {
	r, compressionType, err := DetectCompression(r)
	if err != nil {
		return nil, err
	}
	rc, err := NewCompressedReader(r, compressionType)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var events []Event
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return events, fmt.Errorf("trace line %d: %v", line, err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}
