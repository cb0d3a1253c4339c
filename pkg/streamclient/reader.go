package streamclient

import (
	"bufio"
	"errors"
	"io"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

// Reader decodes the gateway's SSE frames from a response body.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader wraps r, which carries "data: <json>" frames separated by blank
// lines and terminated by the [DONE] sentinel.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next decoded event. io.EOF signals a finished stream,
// either via the [DONE] sentinel or the underlying reader ending.
func (r *Reader) Next() (protocol.Event, error) {
	if r.done {
		return protocol.Event{}, io.EOF
	}
	for r.scanner.Scan() {
		event, ok, err := protocol.ParseFrame(r.scanner.Text())
		if errors.Is(err, protocol.ErrStreamDone) {
			r.done = true
			return protocol.Event{}, io.EOF
		}
		if err != nil {
			return protocol.Event{}, err
		}
		if ok {
			return event, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return protocol.Event{}, err
	}
	r.done = true
	return protocol.Event{}, io.EOF
}

// ReduceAll drains the reader into the state, returning the final state.
// A protocol violation stops consumption and is returned with the state
// reduced so far.
func ReduceAll(state State, r *Reader) (State, error) {
	for {
		event, err := r.Next()
		if err == io.EOF {
			return state, nil
		}
		if err != nil {
			return state, err
		}
		state, err = Reduce(state, event)
		if err != nil {
			return state, err
		}
	}
}
