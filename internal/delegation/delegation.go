// ABOUTME: Capability-aware task delegation over the mesh
// ABOUTME: Picks the best online agent, assigns the task, and waits for the correlated reply

package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/sender"
	"github.com/2389/coven-courier/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultResponseTimeout = 10 * time.Minute
	DefaultLoadPenalty     = 1.0
	DefaultPreferredWeight = 2.0
)

var (
	// ErrNoSuitableAgent means no online agent satisfies the requirements.
	ErrNoSuitableAgent = errors.New("no suitable agent")

	// ErrTimeout means the assignee did not reply in time.
	ErrTimeout = errors.New("delegation timed out")
)

// Board is the task board the delegator records progress on.
type Board interface {
	CreateTask(ctx context.Context, t *store.Task) error
	ClaimTask(ctx context.Context, id, agentID string) error
	StartTask(ctx context.Context, id, agentID string) error
	CompleteTask(ctx context.Context, id, result string) error
	ReleaseTask(ctx context.Context, id, errMsg string, maxAttempts int) (store.TaskStatus, error)
	CountActiveTasks(ctx context.Context, agentID string) (int, error)
}

// Finder returns online agents holding every listed capability.
type Finder interface {
	FindByCapability(ctx context.Context, caps []string) ([]registry.Agent, error)
}

// Messenger sends envelopes.
type Messenger interface {
	Send(ctx context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error)
}

// Waiter hands out reply channels; handler.Correlator implements it.
type Waiter interface {
	Expect(id string, from ...string) <-chan *protocol.SignedMessage
	Cancel(id string)
}

// Requirements constrain who may take a task.
type Requirements struct {
	Required  []string
	Preferred []string
	Exclude   []string
}

// Assignment is the task_assign payload.
type Assignment struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Context     string `json:"context,omitempty"`
}

// DecodeAssignment parses a task_assign message body.
func DecodeAssignment(content string) (*Assignment, error) {
	var a Assignment
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return nil, fmt.Errorf("decoding assignment: %w", err)
	}
	if a.TaskID == "" {
		return nil, errors.New("assignment is missing task_id")
	}
	return &a, nil
}

// Result reports how a delegation ended.
type Result struct {
	TaskID  string
	AgentID string
	Status  store.TaskStatus
	Result  string
	Error   string
}

// Config tunes a Delegator.
type Config struct {
	AgentID         string
	ResponseTimeout time.Duration
	LoadPenalty     float64
	PreferredWeight float64
	MaxAttempts     int
}

// Delegator assigns tasks to other agents.
type Delegator struct {
	cfg    Config
	board  Board
	finder Finder
	msgs   Messenger
	waiter Waiter
	logger *slog.Logger
}

// New creates a Delegator.
func New(cfg Config, board Board, finder Finder, msgs Messenger, waiter Waiter, logger *slog.Logger) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.LoadPenalty == 0 {
		cfg.LoadPenalty = DefaultLoadPenalty
	}
	if cfg.PreferredWeight == 0 {
		cfg.PreferredWeight = DefaultPreferredWeight
	}
	return &Delegator{
		cfg:    cfg,
		board:  board,
		finder: finder,
		msgs:   msgs,
		waiter: waiter,
		logger: logger.With("component", "delegation"),
	}
}

// Candidate is a scored agent.
type Candidate struct {
	Agent registry.Agent
	Score float64
	Load  int
}

// Rank returns eligible agents best first. Equal scores keep registration order.
func (d *Delegator) Rank(ctx context.Context, req Requirements) ([]Candidate, error) {
	agents, err := d.finder.FindByCapability(ctx, req.Required)
	if err != nil {
		return nil, fmt.Errorf("finding candidates: %w", err)
	}

	excluded := make(map[string]bool, len(req.Exclude)+1)
	excluded[d.cfg.AgentID] = true
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, a := range agents {
		if excluded[a.ID] {
			continue
		}
		load, err := d.board.CountActiveTasks(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("counting tasks for %s: %w", a.ID, err)
		}
		score := float64(preferredMatches(a.Capabilities, req.Preferred))*d.cfg.PreferredWeight -
			float64(load)*d.cfg.LoadPenalty
		out = append(out, Candidate{Agent: a, Score: score, Load: load})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func preferredMatches(have, preferred []string) int {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	n := 0
	for _, p := range preferred {
		if _, ok := set[p]; ok {
			n++
		}
	}
	return n
}

// Delegate creates task on the board and hands it to the best candidate.
// It blocks until the assignee replies, the response timeout passes, or ctx
// ends. On ErrNoSuitableAgent the task stays available.
func (d *Delegator) Delegate(ctx context.Context, task *store.Task, req Requirements) (*Result, error) {
	task.CreatedBy = d.cfg.AgentID
	if err := d.board.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	res := &Result{TaskID: task.ID, Status: store.TaskAvailable}

	ranked, err := d.Rank(ctx, req)
	if err != nil {
		return res, err
	}
	if len(ranked) == 0 {
		d.logger.Warn("no agent can take task", "task_id", task.ID, "required", req.Required)
		return res, fmt.Errorf("%w for task %s", ErrNoSuitableAgent, task.ID)
	}

	winner := ranked[0].Agent
	res.AgentID = winner.ID
	if err := d.board.ClaimTask(ctx, task.ID, winner.ID); err != nil {
		return res, err
	}
	res.Status = store.TaskClaimed

	payload, err := json.Marshal(Assignment{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Context:     task.Context,
	})
	if err != nil {
		return res, fmt.Errorf("encoding assignment: %w", err)
	}

	msgID := uuid.New().String()
	// Only the assignee can settle the task
	replies := d.waiter.Expect(msgID, winner.ID)
	defer d.waiter.Cancel(msgID)

	if _, err := d.msgs.Send(ctx, winner.ID, protocol.TypeTaskAssign, string(payload), sender.WithID(msgID)); err != nil {
		d.release(ctx, res, fmt.Sprintf("assignment not sent: %v", err))
		return res, fmt.Errorf("assigning task %s to %s: %w", task.ID, winner.ID, err)
	}
	if err := d.board.StartTask(ctx, task.ID, winner.ID); err != nil {
		return res, err
	}
	res.Status = store.TaskInProgress

	d.logger.Info("task delegated",
		"task_id", task.ID,
		"agent_id", winner.ID,
		"score", ranked[0].Score,
		"candidates", len(ranked),
	)

	timer := time.NewTimer(d.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return d.settle(ctx, res, reply)
	case <-timer.C:
		d.release(context.WithoutCancel(ctx), res, "no reply before timeout")
		return res, fmt.Errorf("%w: task %s on %s", ErrTimeout, task.ID, winner.ID)
	case <-ctx.Done():
		d.release(context.WithoutCancel(ctx), res, "delegator cancelled")
		return res, ctx.Err()
	}
}

func (d *Delegator) settle(ctx context.Context, res *Result, reply *protocol.SignedMessage) (*Result, error) {
	if reply.Meta(protocol.MetaStatus) == "failed" {
		res.Error = reply.Meta(protocol.MetaError)
		if res.Error == "" {
			res.Error = reply.Content
		}
		d.release(ctx, res, res.Error)
		d.logger.Warn("delegated task failed", "task_id", res.TaskID, "agent_id", res.AgentID, "status", res.Status, "error", res.Error)
		return res, nil
	}

	if err := d.board.CompleteTask(ctx, res.TaskID, reply.Content); err != nil {
		return res, err
	}
	res.Status = store.TaskCompleted
	res.Result = reply.Content
	d.logger.Info("delegated task completed", "task_id", res.TaskID, "agent_id", res.AgentID)
	return res, nil
}

func (d *Delegator) release(ctx context.Context, res *Result, reason string) {
	status, err := d.board.ReleaseTask(ctx, res.TaskID, reason, d.cfg.MaxAttempts)
	if err != nil {
		d.logger.Warn("releasing task failed", "task_id", res.TaskID, "error", err)
		return
	}
	res.Status = status
	res.Error = reason
}
