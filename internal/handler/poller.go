// ABOUTME: Periodic inbox poll feeding pending envelopes through the handler
// ABOUTME: Catches up on anything a push missed, including mail queued while offline

package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-courier/internal/protocol"
)

// PendingSource lists an agent's pending inbox records.
type PendingSource interface {
	GetPendingMessages(ctx context.Context, agentID string) ([]*protocol.InboxMessage, error)
}

// Poller drains the inbox on an interval.
type Poller struct {
	handler     *Handler
	inbox       PendingSource
	agentID     string
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewPoller creates a poller. Records that reached maxAttempts are left for
// an operator; maxAttempts <= 0 means unlimited.
func NewPoller(h *Handler, inbox PendingSource, agentID string, interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		handler:     h,
		inbox:       inbox,
		agentID:     agentID,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "poller", "agent_id", agentID),
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("inbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce processes every pending record once, oldest first, and returns
// how many were handed to the handler.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	pending, err := p.inbox.GetPendingMessages(ctx, p.agentID)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if p.maxAttempts > 0 && rec.Attempts >= p.maxAttempts {
			p.logger.Debug("skipping exhausted message", "message_id", rec.Message.ID, "attempts", rec.Attempts)
			continue
		}
		outcome, err := p.handler.Process(ctx, rec.Message, SourcePoll)
		if errors.Is(err, ErrStopped) {
			return processed, err
		}
		processed++
		if err != nil {
			p.logger.Debug("polled message not delivered", "message_id", rec.Message.ID, "outcome", outcome, "error", err)
		}
	}
	return processed, nil
}
