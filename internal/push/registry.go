// Package push owns the process-wide table of live outbound connections per
// conversation and fans protocol events out to them.
package push

import (
	"log"
	"sync"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

// Conn is one live outbound connection. WriteEvent must be safe to call
// from the broadcasting goroutine and should fail fast on a dead peer.
type Conn interface {
	WriteEvent(protocol.Event) error
	Close() error
}

// Registry maps a conversation id to its set of live connections. It is the
// only structure shared across concurrently executing chat turns; all
// mutation happens under the mutex. Constructed once per process and passed
// by handle to consumers, never a package-level singleton.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]map[Conn]struct{}
	logger *log.Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[Conn]struct{}),
		logger: logger,
	}
}

// Attach registers conn under the conversation id.
func (r *Registry) Attach(conversationID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[conversationID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[conversationID] = set
	}
	set[conn] = struct{}{}
}

// Detach removes conn from the conversation. Empty sets are pruned
// immediately to bound memory. Detaching an unknown conn is a no-op.
func (r *Registry) Detach(conversationID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[conversationID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, conversationID)
	}
}

// Count returns the number of live connections for the conversation.
func (r *Registry) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[conversationID])
}

// Broadcast writes the event to every connection attached to the
// conversation and returns the number of successful deliveries. A write
// failure detaches and closes only that connection; it never aborts the
// broadcast to the others.
func (r *Registry) Broadcast(conversationID string, event protocol.Event) int {
	r.mu.Lock()
	set := r.conns[conversationID]
	targets := make([]Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.WriteEvent(event); err != nil {
			if r.logger != nil {
				r.logger.Printf("push: dropping connection conversation=%s type=%s err=%v", conversationID, event.Type, err)
			}
			r.Detach(conversationID, c)
			_ = c.Close()
			continue
		}
		delivered++
	}
	return delivered
}
