// ABOUTME: Per-envelope pipeline run on the handler goroutine: dedupe, verify, route, acknowledge
// ABOUTME: Also routes finished units back to whoever asked for them

package handler

import (
	"context"
	"fmt"

	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/sender"
	"github.com/2389/coven-courier/internal/tracing"
)

// process runs on the loop goroutine. reqCtx belongs to the caller, loopCtx to Run.
func (h *Handler) process(reqCtx, loopCtx context.Context, msg *protocol.SignedMessage, source Source) (outcome Outcome, err error) {
	ctx, span := tracing.StartSpan(reqCtx, "handler.process",
		tracing.MessageAttrs(msg.ID, msg.From, msg.To, string(msg.Type))...)
	defer func() {
		span.SetAttributes(tracing.Outcome(string(outcome)))
		tracing.End(span, err)
	}()

	logger := h.logger.With("message_id", msg.ID, "from", msg.From, "type", msg.Type, "source", source)

	if h.seen.CheckAndMark(msg.ID) {
		logger.Debug("duplicate message")
		h.ack(msg)
		return OutcomeDuplicate, nil
	}

	if source == SourcePush {
		if err := h.verifier.CheckAge(msg); err != nil {
			// Any pending copy of this envelope stays for the poller
			logger.Warn("rejecting stale push", "timestamp", msg.Timestamp)
			h.seen.Forget(msg.ID)
			if rerr := h.inbox.Reject(h.agentID, msg, err.Error()); rerr != nil {
				logger.Error("recording rejected push failed", "error", rerr)
			}
			return OutcomeQuarantined, err
		}
	}

	if err := h.verifier.Verify(ctx, msg); err != nil {
		if !identity.IsUntrusted(err) {
			return h.deferMessage(msg, err)
		}
		logger.Warn("rejecting untrusted message", "error", err)
		h.quarantine(msg, err.Error())
		return OutcomeQuarantined, err
	}

	if msg.To != h.agentID && !msg.IsBroadcast() {
		err := fmt.Errorf("message %s addressed to %s", msg.ID, msg.To)
		logger.Warn("rejecting misaddressed message", "to", msg.To)
		h.quarantine(msg, err.Error())
		return OutcomeQuarantined, err
	}

	if h.attachments != nil {
		if err := h.attachments.VerifyAll(msg); err != nil {
			logger.Warn("rejecting message with bad attachment", "error", err)
			h.quarantine(msg, err.Error())
			return OutcomeQuarantined, err
		}
	}

	if h.correlator.Deliver(msg) {
		logger.Debug("reply handed to waiter", "reply_to", msg.ReplyTo)
		h.ack(msg)
		return OutcomeCorrelated, nil
	}

	if msg.Type == protocol.TypeReviewRequest && h.reviewer != nil {
		h.replies.Add(1)
		go func() {
			defer h.replies.Done()
			h.reviewer.Review(loopCtx, msg)
		}()
		h.ack(msg)
		logger.Info("review request handed to reviewer")
		return OutcomeReviewing, nil
	}

	class := protocol.Classify(msg.Type)
	switch class {
	case protocol.ClassInterrupt:
		outcome, err = h.interrupt(loopCtx, msg)
	case protocol.ClassQueue:
		outcome, err = h.enqueue(loopCtx, msg)
	default:
		logger.Info("message logged", "content", msg.Content)
		outcome = OutcomeLogged
	}
	if err != nil {
		logger.Warn("engine rejected message; deferring", "error", err)
		return h.deferMessage(msg, err)
	}

	h.ack(msg)
	logger.Debug("message processed", "class", class.String(), "outcome", outcome)
	return outcome, nil
}

func (h *Handler) interrupt(ctx context.Context, msg *protocol.SignedMessage) (Outcome, error) {
	if msg.Type == protocol.TypeShutdown {
		if h.engine.IsBusy() {
			if err := h.engine.InjectNow(FormatForEngine(msg)); err != nil {
				h.logger.Warn("could not interrupt current unit for shutdown", "unit_id", h.current, "error", err)
			}
		}
		dropped := len(h.queue)
		h.queue = nil
		h.logger.Info("shutdown requested", "from", msg.From, "dropped_queued", dropped)
		if h.onShutdown != nil {
			h.onShutdown()
		}
		return OutcomeDelivered, nil
	}

	if h.engine.IsBusy() {
		if err := h.engine.InjectNow(FormatForEngine(msg)); err != nil {
			return "", err
		}
		return OutcomeInjected, nil
	}
	if err := h.start(ctx, msg); err != nil {
		return "", err
	}
	return OutcomeStarted, nil
}

func (h *Handler) enqueue(ctx context.Context, msg *protocol.SignedMessage) (Outcome, error) {
	if h.idle() {
		if err := h.start(ctx, msg); err != nil {
			return "", err
		}
		return OutcomeStarted, nil
	}
	h.queue = append(h.queue, msg)
	return OutcomeQueued, nil
}

func (h *Handler) idle() bool {
	return h.current == "" && len(h.queue) == 0 && !h.engine.IsBusy()
}

func (h *Handler) start(ctx context.Context, msg *protocol.SignedMessage) error {
	unitID, err := h.engine.StartNew(ctx, FormatForEngine(msg))
	if err != nil {
		return err
	}
	h.current = unitID
	h.origins[unitID] = msg
	h.logger.Info("unit started", "unit_id", unitID, "message_id", msg.ID, "type", msg.Type)
	return nil
}

func (h *Handler) ack(msg *protocol.SignedMessage) {
	if err := h.inbox.Acknowledge(h.agentID, msg.ID); err != nil {
		h.logger.Warn("acknowledge failed", "message_id", msg.ID, "error", err)
	}
}

// quarantine sets msg aside. Its id is released so a genuine envelope with
// the same id can still be processed.
func (h *Handler) quarantine(msg *protocol.SignedMessage, reason string) {
	h.seen.Forget(msg.ID)
	if err := h.inbox.Quarantine(h.agentID, msg, reason); err != nil {
		h.logger.Error("quarantine failed", "message_id", msg.ID, "error", err)
	}
}

// deferMessage leaves msg pending for a later poll and lets it be seen again.
func (h *Handler) deferMessage(msg *protocol.SignedMessage, cause error) (Outcome, error) {
	if attempts, err := h.inbox.IncrementAttempt(h.agentID, msg.ID); err != nil {
		h.logger.Warn("recording attempt failed", "message_id", msg.ID, "error", err)
	} else {
		h.logger.Debug("message deferred", "message_id", msg.ID, "attempts", attempts)
	}
	h.seen.Forget(msg.ID)
	h.verifier.Forget(msg)
	return OutcomeDeferred, cause
}

// drainCompletions runs on the loop goroutine.
func (h *Handler) drainCompletions(ctx context.Context) {
	h.completionMu.Lock()
	done := h.completions
	h.completions = nil
	h.completionMu.Unlock()

	for _, c := range done {
		origin := h.origins[c.unitID]
		delete(h.origins, c.unitID)
		if h.current == c.unitID {
			h.current = ""
		}
		if origin == nil {
			h.logger.Warn("completion for unknown unit", "unit_id", c.unitID)
			continue
		}
		h.logger.Info("unit completed", "unit_id", c.unitID, "message_id", origin.ID, "failed", c.err != nil)

		h.replies.Add(1)
		go func(origin *protocol.SignedMessage, c completion) {
			defer h.replies.Done()
			h.routeResult(context.WithoutCancel(ctx), origin, c)
		}(origin, c)
	}

	h.startNext(ctx)
}

func (h *Handler) startNext(ctx context.Context) {
	for h.current == "" && len(h.queue) > 0 && !h.engine.IsBusy() {
		next := h.queue[0]
		h.queue = h.queue[1:]
		if err := h.start(ctx, next); err != nil {
			h.logger.Warn("could not start queued message; returning it to the inbox", "message_id", next.ID, "error", err)
			h.requeue(next)
		}
	}
}

// requeue puts an already acknowledged message back in this agent's inbox.
func (h *Handler) requeue(msg *protocol.SignedMessage) {
	if err := h.inbox.QueueMessage(h.agentID, msg); err != nil {
		h.logger.Error("requeue failed; message lost", "message_id", msg.ID, "error", err)
		return
	}
	h.seen.Forget(msg.ID)
	h.verifier.Forget(msg)
}

// routeResult sends a unit's result. Recipient markers in the result override
// the default reply to the origin's sender.
func (h *Handler) routeResult(ctx context.Context, origin *protocol.SignedMessage, c completion) {
	if c.err == nil {
		if recipients := protocol.ParseRecipients(c.result); len(recipients) > 0 {
			body := protocol.StripRecipients(c.result)
			for _, to := range recipients {
				if _, err := h.replier.Send(ctx, to, protocol.TypeMessage, body, sender.WithReplyTo(origin.ID)); err != nil {
					h.logger.Error("routing result failed", "unit_id", c.unitID, "to", to, "error", err)
				}
			}
			return
		}
	}

	if origin.From == h.agentID {
		return
	}

	md := map[string]string{
		protocol.MetaStatus: "completed",
		protocol.MetaUnitID: c.unitID,
	}
	content := c.result
	if c.err != nil {
		md[protocol.MetaStatus] = "failed"
		md[protocol.MetaError] = c.err.Error()
	}
	if _, err := h.replier.Send(ctx, origin.From, protocol.TypeTaskComplete, content,
		sender.WithReplyTo(origin.ID), sender.WithMetadata(md)); err != nil {
		h.logger.Error("reply failed", "unit_id", c.unitID, "to", origin.From, "error", err)
	}
}
