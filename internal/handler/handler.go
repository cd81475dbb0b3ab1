// ABOUTME: Unified message handler: the single ingestion point for pushed and polled envelopes
// ABOUTME: One goroutine owns the local queue and unit bookkeeping; callers submit work to it

package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/sender"
)

// Source says how an envelope reached the handler.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Outcome is the non-exceptional result of processing one envelope.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered" // shutdown handled
	OutcomeInjected    Outcome = "injected"
	OutcomeStarted     Outcome = "started"
	OutcomeQueued      Outcome = "queued"
	OutcomeLogged      Outcome = "logged"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeCorrelated  Outcome = "correlated"
	OutcomeReviewing   Outcome = "reviewing"
)

// ErrStopped is returned by Process once the event loop has exited.
var ErrStopped = errors.New("handler stopped")

// Inbox is the slice of the inbox store the handler needs.
type Inbox interface {
	QueueMessage(agentID string, msg *protocol.SignedMessage) error
	Acknowledge(agentID, id string) error
	IncrementAttempt(agentID, id string) (int, error)
	Quarantine(agentID string, msg *protocol.SignedMessage, reason string) error
	Reject(agentID string, msg *protocol.SignedMessage, reason string) error
}

// Verifier authenticates envelopes and tracks the replay window.
type Verifier interface {
	Verify(ctx context.Context, msg *protocol.SignedMessage) error
	CheckAge(msg *protocol.SignedMessage) error
	Forget(msg *protocol.SignedMessage)
}

// AttachmentChecker re-verifies attachment integrity.
type AttachmentChecker interface {
	VerifyAll(msg *protocol.SignedMessage) error
}

// Reviewer answers review requests without involving the engine, for
// example by asking a human at this agent's console.
type Reviewer interface {
	Review(ctx context.Context, msg *protocol.SignedMessage)
}

// Replier sends completion results.
type Replier interface {
	Send(ctx context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error)
}

// Config wires a Handler.
type Config struct {
	AgentID     string
	Engine      Engine
	Inbox       Inbox
	Verifier    Verifier
	Attachments AttachmentChecker // optional
	Replier     Replier
	Correlator  *Correlator // optional; created when nil
	Reviewer    Reviewer    // optional; review requests go to the engine when nil

	// OnShutdown runs (on the loop goroutine) when a shutdown message arrives.
	OnShutdown func()

	// DedupeTTL and DedupeSize bound the processed-id cache.
	DedupeTTL  time.Duration
	DedupeSize int
}

// Handler processes envelopes for one agent.
type Handler struct {
	agentID     string
	engine      Engine
	inbox       Inbox
	verifier    Verifier
	attachments AttachmentChecker
	replier     Replier
	correlator  *Correlator
	reviewer    Reviewer
	onShutdown  func()
	seen        *dedupe.Cache
	logger      *slog.Logger

	calls   chan func(ctx context.Context)
	started chan struct{}
	stopped chan struct{}

	completionMu  sync.Mutex
	completions   []completion
	completionSig chan struct{}

	replies sync.WaitGroup

	// owned by the loop goroutine
	queue   []*protocol.SignedMessage
	origins map[string]*protocol.SignedMessage
	current string
}

type completion struct {
	unitID string
	result string
	err    error
}

// New creates a Handler. Call Run to start its event loop.
func New(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Correlator == nil {
		cfg.Correlator = NewCorrelator()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Hour
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 10000
	}
	h := &Handler{
		agentID:       cfg.AgentID,
		engine:        cfg.Engine,
		inbox:         cfg.Inbox,
		verifier:      cfg.Verifier,
		attachments:   cfg.Attachments,
		replier:       cfg.Replier,
		correlator:    cfg.Correlator,
		reviewer:      cfg.Reviewer,
		onShutdown:    cfg.OnShutdown,
		seen:          dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		logger:        logger.With("component", "handler", "agent_id", cfg.AgentID),
		calls:         make(chan func(context.Context)),
		started:       make(chan struct{}),
		stopped:       make(chan struct{}),
		completionSig: make(chan struct{}, 1),
		origins:       make(map[string]*protocol.SignedMessage),
	}
	if n, ok := cfg.Engine.(CompletionNotifier); ok {
		n.OnComplete(h.UnitCompleted)
	}
	return h
}

// Correlator returns the reply correlator.
func (h *Handler) Correlator() *Correlator { return h.correlator }

// Run owns the handler state until ctx is cancelled. Outstanding replies are
// flushed before it returns.
func (h *Handler) Run(ctx context.Context) error {
	close(h.started)
	defer func() {
		close(h.stopped)
		h.replies.Wait()
		h.seen.Close()
	}()

	h.logger.Info("message handler started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("message handler stopping", "queued", len(h.queue))
			return nil
		case fn := <-h.calls:
			fn(ctx)
		case <-h.completionSig:
			h.drainCompletions(ctx)
		}
	}
}

// submit runs fn on the loop goroutine and waits for it.
func (h *Handler) submit(ctx context.Context, fn func(loopCtx context.Context)) error {
	done := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx)
	}
	select {
	case h.calls <- wrapped:
	case <-h.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Process runs the full pipeline for msg and reports the outcome.
func (h *Handler) Process(ctx context.Context, msg *protocol.SignedMessage, source Source) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	if serr := h.submit(ctx, func(loopCtx context.Context) {
		outcome, err = h.process(ctx, loopCtx, msg, source)
	}); serr != nil {
		return OutcomeDeferred, serr
	}
	return outcome, err
}

// Receive implements transport.Receiver for direct pushes.
func (h *Handler) Receive(ctx context.Context, msg *protocol.SignedMessage) (string, error) {
	outcome, err := h.Process(ctx, msg, SourcePush)
	return string(outcome), err
}

// UnitCompleted is the engine's completion callback. It never blocks.
func (h *Handler) UnitCompleted(unitID, result string, err error) {
	h.completionMu.Lock()
	h.completions = append(h.completions, completion{unitID: unitID, result: result, err: err})
	h.completionMu.Unlock()

	select {
	case h.completionSig <- struct{}{}:
	default:
	}
}

// Status is a snapshot of the loop's local state.
type Status struct {
	Queued      int
	CurrentUnit string
	Waiting     int
}

// Status returns a snapshot taken on the loop goroutine.
func (h *Handler) Status(ctx context.Context) (Status, error) {
	var st Status
	err := h.submit(ctx, func(context.Context) {
		st = Status{Queued: len(h.queue), CurrentUnit: h.current, Waiting: h.correlator.Pending()}
	})
	return st, err
}
