// ABOUTME: Boundary to the host task-execution engine and how envelopes are rendered for it
// ABOUTME: The engine runs units of work; the handler decides when to start or interrupt them

package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/coven-courier/internal/protocol"
)

// Engine is the task-execution engine an agent wraps. Completion is reported
// back through Handler.UnitCompleted.
type Engine interface {
	// IsBusy reports whether a unit of work is running.
	IsBusy() bool

	// InjectNow delivers text into the running unit's context.
	InjectNow(text string) error

	// StartNew begins a unit of work for text and returns its id. It must not
	// block until the unit finishes.
	StartNew(ctx context.Context, text string) (unitID string, err error)
}

// CompletionFunc receives a finished unit's result.
type CompletionFunc func(unitID, result string, err error)

// CompletionNotifier is implemented by engines that report completion through
// a callback. New wires it to Handler.UnitCompleted.
type CompletionNotifier interface {
	OnComplete(fn CompletionFunc)
}

// FormatForEngine renders an envelope as the text handed to the engine.
func FormatForEngine(msg *protocol.SignedMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s from %s, id %s]\n", msg.Type, msg.From, msg.ID)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "[in reply to %s]\n", msg.ReplyTo)
	}
	b.WriteString(msg.Content)
	for _, a := range msg.Attachments {
		if a.Inline() {
			fmt.Fprintf(&b, "\n[attachment %s (%s, %d bytes, inline)]", a.Name, a.Type, a.Size)
		} else {
			fmt.Fprintf(&b, "\n[attachment %s (%s, %d bytes) at %s]", a.Name, a.Type, a.Size, a.Path)
		}
	}
	return b.String()
}
