package querylog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Recorder captures gateway events for later replay.
// Thread-safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	writer io.Writer // optional: stream events as they arrive
	logger *slog.Logger
}

// NewRecorder creates a Recorder. If w is non-nil, events are also written
// to w as newline-delimited JSON as they arrive.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		writer: w,
		logger: slog.Default(),
	}
}

// Record captures a single event.
func (r *Recorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	if r.writer != nil {
		if err := json.NewEncoder(r.writer).Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// Publish implements Publisher. Stream write errors are logged, not returned.
func (r *Recorder) Publish(ev Event) {
	if err := r.Record(ev); err != nil {
		r.logger.Warn("record event", "error", err)
	}
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ExportJSON writes all events to w as a JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if r.events == nil {
		return enc.Encode([]Event{})
	}
	return enc.Encode(r.events)
}

// ExportFile writes all events to a file as a JSON array.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.ExportJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadJSON reads events from a JSON array.
func LoadJSON(r io.Reader) ([]Event, error) {
	var events []Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadFile reads events from a JSON array file.
func LoadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadJSON(f)
}
