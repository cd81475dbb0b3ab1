// ABOUTME: Matches replies to callers waiting on a message id
// ABOUTME: A reply whose ReplyTo has a waiter goes to the waiter instead of the engine

package handler

import (
	"slices"
	"sync"

	"github.com/2389/coven-courier/internal/protocol"
)

type waiter struct {
	ch   chan *protocol.SignedMessage
	from []string
}

// Correlator routes replies to pending waiters.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]waiter
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[string]waiter)}
}

// Expect registers interest in the first reply to id. When from is given,
// only replies sent by one of those agents count. The channel receives at
// most one message.
func (c *Correlator) Expect(id string, from ...string) <-chan *protocol.SignedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *protocol.SignedMessage, 1)
	c.waiters[id] = waiter{ch: ch, from: slices.Clone(from)}
	return ch
}

// Cancel drops interest in id.
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

// Deliver hands msg to the waiter for msg.ReplyTo. Returns false when nobody
// is waiting or msg comes from an agent the waiter did not ask.
func (c *Correlator) Deliver(msg *protocol.SignedMessage) bool {
	if msg.ReplyTo == "" {
		return false
	}
	c.mu.Lock()
	w, ok := c.waiters[msg.ReplyTo]
	if ok && len(w.from) > 0 && !slices.Contains(w.from, msg.From) {
		ok = false
	}
	if ok {
		delete(c.waiters, msg.ReplyTo)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- msg
	return true
}

// Pending returns the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
