// ABOUTME: Echo execution engine for demos and end-to-end tests
// ABOUTME: Each unit answers with an echo of its input after a configurable delay

package echo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/handler"
)

// Engine runs one unit at a time and echoes its input.
type Engine struct {
	delay time.Duration

	mu       sync.Mutex
	busy     bool
	next     int
	injected []string
	notify   handler.CompletionFunc
}

// New creates an echo engine. delay simulates work.
func New(delay time.Duration) *Engine {
	return &Engine{delay: delay}
}

// OnComplete implements handler.CompletionNotifier.
func (e *Engine) OnComplete(fn handler.CompletionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// IsBusy implements handler.Engine.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// InjectNow records text; it is appended to the running unit's answer.
func (e *Engine) InjectNow(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.busy {
		return fmt.Errorf("no unit running")
	}
	e.injected = append(e.injected, text)
	return nil
}

// StartNew implements handler.Engine.
func (e *Engine) StartNew(_ context.Context, text string) (string, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return "", fmt.Errorf("engine busy")
	}
	e.busy = true
	e.next++
	unitID := fmt.Sprintf("echo-%d", e.next)
	e.mu.Unlock()

	go e.run(unitID, text)
	return unitID, nil
}

func (e *Engine) run(unitID, text string) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	injected := e.injected
	e.injected = nil
	e.busy = false
	notify := e.notify
	e.mu.Unlock()

	if notify != nil {
		notify(unitID, Reply(text, injected), nil)
	}
}

// Reply builds the echo answer.
func Reply(input string, injected []string) string {
	body := input
	if i := strings.Index(input, "]\n"); i >= 0 {
		body = input[i+2:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Echo: %s", strings.TrimSpace(body))
	for _, note := range injected {
		fmt.Fprintf(&b, "\n(noted while working: %s)", strings.TrimSpace(note))
	}
	return b.String()
}
