// ABOUTME: Supervisor channel that escalates approval requests to other agents over the mesh
// ABOUTME: Sends a review_request to the resolved supervisor and waits for its correlated reply

package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/sender"
)

// Metadata keys on review_request envelopes.
const (
	MetaApprovalID = "approval_id"
	MetaUrgency    = "urgency"
)

// Directory looks up agents.
type Directory interface {
	Get(ctx context.Context, agentID string) (registry.Agent, error)
}

// Messenger sends envelopes.
type Messenger interface {
	Send(ctx context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error)
}

// Waiter hands out reply channels. Replies from senders outside from are
// not delivered.
type Waiter interface {
	Expect(id string, from ...string) <-chan *protocol.SignedMessage
	Cancel(id string)
}

// MeshSupervisor implements Supervisor by asking another agent.
type MeshSupervisor struct {
	agentID      string
	hierarchy    *Hierarchy
	directory    Directory
	msgs         Messenger
	waiter       Waiter
	pollInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewMeshSupervisor creates a mesh supervisor channel for agentID.
func NewMeshSupervisor(agentID string, h *Hierarchy, dir Directory, msgs Messenger, waiter Waiter, logger *slog.Logger) *MeshSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshSupervisor{
		agentID:      agentID,
		hierarchy:    h,
		directory:    dir,
		msgs:         msgs,
		waiter:       waiter,
		pollInterval: 5 * time.Second,
		logger:       logger.With("component", "mesh_supervisor"),
	}
}

// Connect succeeds when the agent has somebody to escalate to.
func (m *MeshSupervisor) Connect(ctx context.Context) error {
	if _, ok := m.hierarchy.Boss(m.agentID); !ok {
		return fmt.Errorf("%w for %s", ErrNoSupervisor, m.agentID)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Disconnect stops forwarding.
func (m *MeshSupervisor) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *MeshSupervisor) available(ctx context.Context) func(string) bool {
	return func(id string) bool {
		a, err := m.directory.Get(ctx, id)
		return err == nil && a.Online()
	}
}

// SendApprovalRequest forwards req to the resolved supervisor and waits for
// the reply until ctx ends. The request is durably queued even when the
// supervisor is offline.
func (m *MeshSupervisor) SendApprovalRequest(ctx context.Context, req *Request) (Decision, error) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return Decision{}, ErrNotConnected
	}

	available := m.available(ctx)
	target, err := m.hierarchy.Resolve(m.agentID, req.Urgency, available)
	if err != nil {
		return Decision{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("encoding approval request: %w", err)
	}

	msgID := uuid.New().String()
	// The target or anyone above us may answer; nobody else can approve.
	replies := m.waiter.Expect(msgID, append([]string{target.AgentID}, m.hierarchy.Chain(m.agentID)...)...)
	defer m.waiter.Cancel(msgID)

	_, err = m.msgs.Send(ctx, target.AgentID, protocol.TypeReviewRequest, string(payload),
		sender.WithID(msgID),
		sender.WithMetadata(map[string]string{MetaApprovalID: req.ID, MetaUrgency: string(req.Urgency)}),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("sending review request to %s: %w", target.AgentID, err)
	}
	m.logger.Info("approval escalated", "request_id", req.ID, "supervisor", target.AgentID, "blocking", target.Blocking)

	var poll <-chan time.Time
	if target.Blocking {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-poll:
			if available(target.AgentID) {
				m.logger.Info("supervisor is back online", "request_id", req.ID, "supervisor", target.AgentID)
				poll = nil
			}
		case reply := <-replies:
			return replyDecision(reply), nil
		}
	}
}

func replyDecision(reply *protocol.SignedMessage) Decision {
	if reply.Meta(protocol.MetaStatus) == "failed" {
		reason := reply.Meta(protocol.MetaError)
		if reason == "" {
			reason = "supervisor failed to review"
		}
		return Decision{Approved: false, DecidedBy: reply.From, Reason: reason}
	}
	d := ParseDecision(reply.Content)
	if d.DecidedBy == "" {
		d.DecidedBy = reply.From
	}
	return d
}
