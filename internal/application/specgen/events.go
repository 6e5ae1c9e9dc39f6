package specgen

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// EventType identifies a spec-generator event.
type EventType string

// Event types emitted by the external spec-generator on its stdout, one
// JSON object per line.
const (
	EventStarted  EventType = "spec_generation_started"
	EventComplete EventType = "spec_generation_complete"
	EventFailed   EventType = "spec_generation_failed"
)

// Event is one line of the generator's event stream.
type Event struct {
	Type             EventType `json:"type"`
	SpecPath         string    `json:"specPath,omitempty"`
	TaskCount        int       `json:"taskCount,omitempty"`
	ValidationPassed bool      `json:"validationPassed,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// ParseEvent decodes a single event line. Unknown event types are returned
// as-is so callers can skip them.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed generator event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("generator event missing type")
	}
	return &ev, nil
}

// ReadResult consumes a line-delimited event stream until a terminal event
// (complete or failed) or EOF. Blank and non-event lines are skipped: the
// generator may interleave diagnostics with events.
func ReadResult(r io.Reader) (*Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			continue
		}
		switch ev.Type {
		case EventComplete, EventFailed:
			return ev, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read generator output: %w", err)
	}
	return nil, fmt.Errorf("generator exited without a terminal event")
}
