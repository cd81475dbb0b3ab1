// ABOUTME: Tests for reply correlation
// ABOUTME: A waiter receives at most one reply

package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-courier/internal/protocol"
)

func TestCorrelator_DeliversOnce(t *testing.T) {
	c := NewCorrelator()
	ch := c.Expect("req")
	assert.Equal(t, 1, c.Pending())

	reply := &protocol.SignedMessage{ID: "r1", ReplyTo: "req"}
	assert.True(t, c.Deliver(reply))
	assert.Same(t, reply, <-ch)
	assert.Zero(t, c.Pending())

	assert.False(t, c.Deliver(&protocol.SignedMessage{ID: "r2", ReplyTo: "req"}), "waiter is consumed")
}

func TestCorrelator_IgnoresUnrelated(t *testing.T) {
	c := NewCorrelator()
	c.Expect("req")

	assert.False(t, c.Deliver(&protocol.SignedMessage{ID: "x"}))
	assert.False(t, c.Deliver(&protocol.SignedMessage{ID: "y", ReplyTo: "other"}))

	c.Cancel("req")
	assert.False(t, c.Deliver(&protocol.SignedMessage{ID: "z", ReplyTo: "req"}))
}

func TestCorrelator_OnlyExpectedSenders(t *testing.T) {
	c := NewCorrelator()
	ch := c.Expect("req", "boss", "grand-boss")

	assert.False(t, c.Deliver(&protocol.SignedMessage{ID: "i1", From: "intruder", ReplyTo: "req"}))
	assert.Equal(t, 1, c.Pending(), "an unexpected sender leaves the waiter in place")

	reply := &protocol.SignedMessage{ID: "r1", From: "grand-boss", ReplyTo: "req"}
	assert.True(t, c.Deliver(reply))
	assert.Same(t, reply, <-ch)
}
