package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

// writeTimeout bounds a single connection write so a slow or dead consumer
// never blocks delta production for the rest of the conversation.
const writeTimeout = 5 * time.Second

// SSEConn adapts an http.ResponseWriter serving a text/event-stream
// response into a registry connection.
type SSEConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSEConn wraps w, which must already carry SSE headers. The returned
// conn's Done channel closes when the conn is closed by a failed write or
// an explicit Close, letting the handler goroutine return.
func NewSSEConn(w http.ResponseWriter) *SSEConn {
	flusher, _ := w.(http.Flusher)
	return &SSEConn{
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// PrepareHeaders sets the standard server-push headers on w.
func PrepareHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// WriteEvent frames and writes one event, flushing immediately.
func (c *SSEConn) WriteEvent(event protocol.Event) error {
	frame, err := protocol.EncodeFrame(event)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// WriteDone writes the stream terminator frame.
func (c *SSEConn) WriteDone() error {
	return c.writeFrame(protocol.DoneFrame())
}

func (c *SSEConn) writeFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("push: connection closed")
	}
	_ = c.rc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// WriteComment writes an SSE comment line, used as a keepalive ping.
func (c *SSEConn) WriteComment(text string) error {
	return c.writeFrame([]byte(": " + text + "\n\n"))
}

// Close marks the conn closed and releases the handler goroutine. The
// underlying response ends when the handler returns.
func (c *SSEConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done returns a channel closed when the conn has been shut down.
func (c *SSEConn) Done() <-chan struct{} { return c.done }

// WSConn adapts a gorilla websocket connection into a registry connection.
// Events travel as JSON text messages without SSE framing.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteEvent writes one event as a text message under a write deadline.
func (c *WSConn) WriteEvent(event protocol.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, body)
}

// Close closes the underlying websocket.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
