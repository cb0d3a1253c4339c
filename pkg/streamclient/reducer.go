// Package streamclient consumes the gateway's wire event stream and folds
// it into local message state, the way a rendering client would.
package streamclient

import (
	"errors"
	"fmt"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

// ErrProtocolViolation marks an out-of-order event: a delta before start or
// after a terminal event, or a duplicate terminal. Correct gateways never
// produce these; they are detected rather than silently applied so tests
// can assert ordering.
var ErrProtocolViolation = errors.New("streamclient: protocol violation")

// Message is a client-side view of one chat message.
type Message struct {
	ID         string
	Role       string
	Content    string
	Model      string
	TokenCount int
	Citations  map[string]protocol.Citation
	Streaming  bool
}

// State is the reducer's full streaming state for one conversation.
// Exactly one message may stream at a time.
type State struct {
	Messages           []Message
	Chunks             []protocol.Chunk
	StreamingMessageID string
	Accumulated        string
	Streaming          bool
	LastError          string
}

// Reduce applies one event to the state and returns the successor. It is a
// pure function: the input state is never mutated. Every event type is
// handled; an unknown type is a protocol violation.
func Reduce(state State, event protocol.Event) (State, error) {
	next := clone(state)

	switch event.Type {
	case protocol.EventUserMessage:
		// Duplicate suppression keyed by message id: the echo of a message
		// this client already appended is dropped.
		for _, m := range next.Messages {
			if m.ID == event.MessageID {
				return next, nil
			}
		}
		next.Messages = append(next.Messages, Message{
			ID:      event.MessageID,
			Role:    "user",
			Content: event.Content,
		})
		return next, nil

	case protocol.EventContext:
		next.Chunks = append(next.Chunks, event.Chunks...)
		return next, nil

	case protocol.EventStart:
		if next.Streaming {
			return state, fmt.Errorf("%w: start while message %s is streaming", ErrProtocolViolation, next.StreamingMessageID)
		}
		next.StreamingMessageID = event.MessageID
		next.Accumulated = ""
		next.Streaming = true
		next.LastError = ""
		next.Messages = append(next.Messages, Message{
			ID:        event.MessageID,
			Role:      "assistant",
			Streaming: true,
		})
		return next, nil

	case protocol.EventDelta:
		if !next.Streaming || next.StreamingMessageID != event.MessageID {
			return state, fmt.Errorf("%w: delta for %s outside an active stream", ErrProtocolViolation, event.MessageID)
		}
		next.Accumulated += event.Content
		for i := range next.Messages {
			if next.Messages[i].ID == event.MessageID {
				next.Messages[i].Content += event.Content
				break
			}
		}
		return next, nil

	case protocol.EventComplete:
		if !next.Streaming || next.StreamingMessageID != event.MessageID {
			return state, fmt.Errorf("%w: complete for %s outside an active stream", ErrProtocolViolation, event.MessageID)
		}
		for i := range next.Messages {
			if next.Messages[i].ID == event.MessageID {
				next.Messages[i] = Message{
					ID:         event.MessageID,
					Role:       "assistant",
					Content:    event.Content,
					Model:      event.Model,
					TokenCount: event.TokenCount,
					Citations:  event.Citations,
				}
				break
			}
		}
		next.StreamingMessageID = ""
		next.Accumulated = ""
		next.Streaming = false
		return next, nil

	case protocol.EventError:
		// Message history is left in place; only streaming state clears.
		for i := range next.Messages {
			if next.Messages[i].ID == next.StreamingMessageID {
				next.Messages[i].Streaming = false
			}
		}
		next.StreamingMessageID = ""
		next.Accumulated = ""
		next.Streaming = false
		next.LastError = event.Message
		return next, nil
	}

	return state, fmt.Errorf("%w: unknown event type %q", ErrProtocolViolation, event.Type)
}

func clone(s State) State {
	next := s
	next.Messages = append([]Message(nil), s.Messages...)
	next.Chunks = append([]protocol.Chunk(nil), s.Chunks...)
	return next
}
