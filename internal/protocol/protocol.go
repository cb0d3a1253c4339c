// Package protocol defines the wire events exchanged between the gateway and
// chat clients, plus the SSE framing used to carry them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType tags a protocol event.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventContext     EventType = "context"
	EventStart       EventType = "start"
	EventDelta       EventType = "delta"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Citation resolves an inline reference label to its source excerpt.
type Citation struct {
	SourceID  string   `json:"source_id"`
	ChunkID   string   `json:"chunk_id"`
	Excerpt   string   `json:"excerpt"`
	StartTime *float64 `json:"start_time,omitempty"`
}

// Chunk is a retrieved context fragment shipped in a context event.
type Chunk struct {
	SourceID  string   `json:"source_id"`
	ChunkID   string   `json:"chunk_id"`
	Text      string   `json:"text"`
	StartTime *float64 `json:"start_time,omitempty"`
}

// Event is the tagged union pushed over a streaming connection.
//
// Ordering per message id: exactly one start precedes any delta, deltas
// precede exactly one terminal event (complete or error), and nothing
// follows a terminal event.
type Event struct {
	Type       EventType           `json:"type"`
	MessageID  string              `json:"message_id,omitempty"`
	Content    string              `json:"content,omitempty"`
	Chunks     []Chunk             `json:"chunks,omitempty"`
	References []string            `json:"references,omitempty"`
	Citations  map[string]Citation `json:"citations,omitempty"`
	Model      string              `json:"model,omitempty"`
	TokenCount int                 `json:"token_count,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// Terminal reports whether the event ends its message's sequence.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// doneSentinel closes an SSE stream, mirroring the OpenAI-style terminator.
const doneSentinel = "[DONE]"

// EncodeFrame renders an event as a single SSE frame: "data: <json>\n\n".
func EncodeFrame(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal event: %w", err)
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// DoneFrame returns the stream terminator frame.
func DoneFrame() []byte {
	return []byte("data: " + doneSentinel + "\n\n")
}

// ErrStreamDone is returned by ParseFrame for the [DONE] sentinel.
var ErrStreamDone = fmt.Errorf("protocol: stream done")

// ParseFrame decodes the payload of one SSE data line (without the trailing
// blank line). Lines that are not data lines yield ok=false.
func ParseFrame(line string) (Event, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return Event{}, false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return Event{}, false, nil
	}
	if payload == doneSentinel {
		return Event{}, false, ErrStreamDone
	}
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, false, fmt.Errorf("protocol: decode event: %w", err)
	}
	return e, true, nil
}
