// ABOUTME: Console execution engine: shows each unit of work to the operator
// ABOUTME: Units complete immediately with an acknowledgement

package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/handler"
)

type consoleEngine struct {
	out io.Writer

	mu     sync.Mutex
	next   int
	notify handler.CompletionFunc
}

func newConsoleEngine(out io.Writer) *consoleEngine {
	return &consoleEngine{out: out}
}

func (e *consoleEngine) OnComplete(fn handler.CompletionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

func (e *consoleEngine) IsBusy() bool { return false }

func (e *consoleEngine) InjectNow(text string) error {
	e.print("inject", text)
	return nil
}

func (e *consoleEngine) StartNew(_ context.Context, text string) (string, error) {
	e.mu.Lock()
	e.next++
	unitID := fmt.Sprintf("console-%d", e.next)
	notify := e.notify
	e.mu.Unlock()

	e.print(unitID, text)
	if notify != nil {
		go notify(unitID, "acknowledged", nil)
	}
	return unitID, nil
}

func (e *consoleEngine) print(label, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	color.New(color.FgGreen).Fprintf(e.out, "\n    ▶ %s\n", label)
	fmt.Fprintf(e.out, "%s\n\n", text)
}
