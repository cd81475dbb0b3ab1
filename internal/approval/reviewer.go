// ABOUTME: Answers review requests from subordinates by asking the local human
// ABOUTME: Replies with a JSON decision correlated to the request envelope

package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/sender"
)

// Reviewer decides review_request envelopes through a Prompter.
type Reviewer struct {
	agentID  string
	prompter Prompter
	msgs     Messenger
	timeout  time.Duration
	logger   *slog.Logger

	// one prompt at a time on a shared terminal
	mu sync.Mutex
}

// NewReviewer creates a reviewer answering as agentID. A zero timeout uses
// DefaultSupervisorTimeout.
func NewReviewer(agentID string, prompter Prompter, msgs Messenger, timeout time.Duration, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultSupervisorTimeout
	}
	return &Reviewer{
		agentID:  agentID,
		prompter: prompter,
		msgs:     msgs,
		timeout:  timeout,
		logger:   logger.With("component", "reviewer"),
	}
}

// Review prompts for msg and sends the decision back to its sender. A
// request that cannot be read or answered is denied.
func (r *Reviewer) Review(ctx context.Context, msg *protocol.SignedMessage) {
	logger := r.logger.With("message_id", msg.ID, "from", msg.From)
	d := r.decide(ctx, msg, logger)
	if d.DecidedBy == "" {
		d.DecidedBy = r.agentID
	}

	payload, err := json.Marshal(d)
	if err != nil {
		logger.Error("encoding decision", "error", err)
		return
	}
	_, err = r.msgs.Send(context.WithoutCancel(ctx), msg.From, protocol.TypeTaskComplete, string(payload),
		sender.WithReplyTo(msg.ID),
		sender.WithMetadata(map[string]string{protocol.MetaStatus: "completed", MetaApprovalID: msg.Meta(MetaApprovalID)}),
	)
	if err != nil {
		logger.Error("sending review decision", "error", err)
		return
	}
	logger.Info("review answered", "approved", d.Approved, "decided_by", d.DecidedBy)
}

func (r *Reviewer) decide(ctx context.Context, msg *protocol.SignedMessage, logger *slog.Logger) Decision {
	var req Request
	if err := json.Unmarshal([]byte(msg.Content), &req); err != nil {
		logger.Warn("unreadable review request", "error", err)
		return Decision{Reason: fmt.Sprintf("unreadable review request: %v", err)}
	}
	if req.AgentID == "" {
		req.AgentID = msg.From
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.prompter.Prompt(pctx, &req)
	if err != nil {
		logger.Warn("review prompt failed", "error", err)
		return Decision{Reason: fmt.Sprintf("reviewer did not answer: %v", err)}
	}
	return d
}
