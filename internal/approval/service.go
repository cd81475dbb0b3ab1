// ABOUTME: Approval service: supervisor first, then a human, then the headless policy
// ABOUTME: Every decision is written to the approval audit table

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/store"
)

// DefaultSupervisorTimeout bounds a forwarded request.
const DefaultSupervisorTimeout = 5 * time.Minute

// ErrNotConnected is returned by a supervisor channel that is not connected.
var ErrNotConnected = errors.New("supervisor channel not connected")

// Supervisor is a channel to an automated or remote approver.
type Supervisor interface {
	Connect(ctx context.Context) error
	SendApprovalRequest(ctx context.Context, req *Request) (Decision, error)
	Disconnect()
}

// Prompter asks a human.
type Prompter interface {
	// Interactive reports whether a human can answer right now.
	Interactive() bool
	Prompt(ctx context.Context, req *Request) (Decision, error)
}

// Auditor records decisions.
type Auditor interface {
	RecordApproval(ctx context.Context, r *store.ApprovalRecord) error
}

// Options configures a Service.
type Options struct {
	Supervisor        Supervisor // optional
	Prompter          Prompter   // optional
	SupervisorTimeout time.Duration
	HeadlessPolicy    string // config.HeadlessDeny or config.HeadlessApprove
}

// Service decides approval requests.
type Service struct {
	opts   Options
	audit  Auditor
	logger *slog.Logger
	mu     sync.RWMutex
	linked bool
}

// NewService creates an approval service.
func NewService(audit Auditor, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SupervisorTimeout <= 0 {
		opts.SupervisorTimeout = DefaultSupervisorTimeout
	}
	if opts.HeadlessPolicy == "" {
		opts.HeadlessPolicy = config.HeadlessDeny
	}
	return &Service{opts: opts, audit: audit, logger: logger.With("component", "approval")}
}

// Connect opens the supervisor channel. A failed connect leaves the service
// working through the human and headless fallbacks.
func (s *Service) Connect(ctx context.Context) error {
	if s.opts.Supervisor == nil {
		return nil
	}
	if err := s.opts.Supervisor.Connect(ctx); err != nil {
		s.logger.Warn("supervisor channel unavailable", "error", err)
		return err
	}
	s.mu.Lock()
	s.linked = true
	s.mu.Unlock()
	return nil
}

// Disconnect closes the supervisor channel.
func (s *Service) Disconnect() {
	s.mu.Lock()
	linked := s.linked
	s.linked = false
	s.mu.Unlock()
	if linked {
		s.opts.Supervisor.Disconnect()
	}
}

// Connected reports whether requests are forwarded to a supervisor.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linked
}

// Authorize decides whether req.Tool may run. Gated tools always go through
// RequestApproval, whatever capabilities were granted. Other tools run
// without a request when granted lists them.
func (s *Service) Authorize(ctx context.Context, req *Request, granted []string) (Decision, error) {
	if !RequiresApproval(req.Tool) && slices.Contains(granted, req.Tool) {
		return Decision{Approved: true, DecidedBy: req.AgentID, Reason: "granted capability", Channel: ChannelCapability}, nil
	}
	return s.RequestApproval(ctx, req)
}

// RequestApproval decides req and audits the outcome.
func (s *Service) RequestApproval(ctx context.Context, req *Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if !req.Urgency.Valid() {
		req.Urgency = UrgencyNormal
	}
	logger := s.logger.With("request_id", req.ID, "agent_id", req.AgentID, "tool", req.Tool, "urgency", req.Urgency)

	decision, err := s.decide(ctx, req, logger)
	if err != nil {
		return Decision{}, err
	}

	rec := &store.ApprovalRecord{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Tool:        req.Tool,
		Parameters:  req.Parameters,
		Context:     req.Context,
		Urgency:     string(req.Urgency),
		Approved:    decision.Approved,
		DecidedBy:   decision.DecidedBy,
		Reason:      decision.Reason,
		Channel:     decision.Channel,
		RequestedAt: req.RequestedAt,
		DecidedAt:   time.Now().UTC(),
	}
	if err := s.audit.RecordApproval(context.WithoutCancel(ctx), rec); err != nil {
		return decision, fmt.Errorf("auditing approval %s: %w", req.ID, err)
	}

	logger.Info("approval decided", "approved", decision.Approved, "channel", decision.Channel, "decided_by", decision.DecidedBy)
	return decision, nil
}

func (s *Service) decide(ctx context.Context, req *Request, logger *slog.Logger) (Decision, error) {
	if s.Connected() {
		sctx, cancel := context.WithTimeout(ctx, s.opts.SupervisorTimeout)
		d, err := s.opts.Supervisor.SendApprovalRequest(sctx, req)
		cancel()
		if err == nil {
			d.Channel = ChannelSupervisor
			return d, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		logger.Warn("supervisor did not decide; falling back", "error", err)
	}

	if s.opts.Prompter != nil && s.opts.Prompter.Interactive() {
		d, err := s.opts.Prompter.Prompt(ctx, req)
		if err == nil {
			d.Channel = ChannelHuman
			return d, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		logger.Warn("human prompt failed; applying headless policy", "error", err)
	}

	approved := s.opts.HeadlessPolicy == config.HeadlessApprove
	return Decision{
		Approved:  approved,
		DecidedBy: "policy",
		Reason:    fmt.Sprintf("no approver available; headless policy is %s", s.opts.HeadlessPolicy),
		Channel:   ChannelHeadless,
	}, nil
}
