// ABOUTME: Tests for candidate ranking and the delegate/claim/reply flow
// ABOUTME: Uses the real SQLite task board and correlator with a scripted messenger

package delegation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/handler"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/sender"
	"github.com/2389/coven-courier/internal/store"
)

type fakeFinder struct {
	agents []registry.Agent
}

func (f *fakeFinder) FindByCapability(_ context.Context, caps []string) ([]registry.Agent, error) {
	var out []registry.Agent
	for _, a := range f.agents {
		have := make(map[string]bool)
		for _, c := range a.Capabilities {
			have[c] = true
		}
		ok := true
		for _, c := range caps {
			ok = ok && have[c]
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// scriptedMessenger answers each task_assign through the correlator.
type scriptedMessenger struct {
	mu         sync.Mutex
	sent       []*protocol.SignedMessage
	correlator *handler.Correlator
	reply      func(assign *protocol.SignedMessage) *protocol.SignedMessage
	err        error
}

func (m *scriptedMessenger) Send(_ context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	msg := protocol.NewMessage("lead", to, msgType, content)
	sender.ApplyOptions(msg, opts...)

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if m.reply != nil {
		if r := m.reply(msg); r != nil {
			go m.correlator.Deliver(r)
		}
	}
	return msg, nil
}

func completeWith(status, content string) func(*protocol.SignedMessage) *protocol.SignedMessage {
	return func(assign *protocol.SignedMessage) *protocol.SignedMessage {
		r := protocol.NewMessage(assign.To, "lead", protocol.TypeTaskComplete, content)
		r.ReplyTo = assign.ID
		r.Metadata = map[string]string{protocol.MetaStatus: status}
		if status == "failed" {
			r.Metadata[protocol.MetaError] = "could not build"
		}
		return r
	}
}

type testEnv struct {
	board     *store.SQLiteStore
	finder    *fakeFinder
	messenger *scriptedMessenger
	delegator *Delegator
}

func newTestEnv(t *testing.T, cfg Config, agents ...registry.Agent) *testEnv {
	t.Helper()
	board, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = board.Close() })

	corr := handler.NewCorrelator()
	env := &testEnv{
		board:     board,
		finder:    &fakeFinder{agents: agents},
		messenger: &scriptedMessenger{correlator: corr},
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "lead"
	}
	env.delegator = New(cfg, board, env.finder, env.messenger, corr, nil)
	return env
}

func agent(id string, caps ...string) registry.Agent {
	return registry.Agent{ID: id, Capabilities: caps, Status: store.StatusOnline}
}

func TestRank_PreferredAndLoad(t *testing.T) {
	env := newTestEnv(t, Config{},
		agent("plain", "go"),
		agent("expert", "go", "db"),
		agent("lead", "go", "db"),
	)
	ctx := context.Background()

	ranked, err := env.delegator.Rank(ctx, Requirements{Required: []string{"go"}, Preferred: []string{"db"}})
	require.NoError(t, err)
	require.Len(t, ranked, 2, "self is never a candidate")
	assert.Equal(t, "expert", ranked[0].Agent.ID)

	// Enough active work outweighs a preferred match
	for i := 0; i < 3; i++ {
		task := &store.Task{Title: "busy work"}
		require.NoError(t, env.board.CreateTask(ctx, task))
		require.NoError(t, env.board.ClaimTask(ctx, task.ID, "expert"))
	}
	ranked, err = env.delegator.Rank(ctx, Requirements{Required: []string{"go"}, Preferred: []string{"db"}})
	require.NoError(t, err)
	assert.Equal(t, "plain", ranked[0].Agent.ID)
	assert.Equal(t, 3, ranked[1].Load)
}

func TestRank_TiesKeepRegistrationOrder(t *testing.T) {
	env := newTestEnv(t, Config{}, agent("b", "go"), agent("a", "go"), agent("c", "go"))

	ranked, err := env.delegator.Rank(context.Background(), Requirements{Required: []string{"go"}, Exclude: []string{"c"}})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].Agent.ID)
	assert.Equal(t, "a", ranked[1].Agent.ID)
}

func TestDelegate_Completes(t *testing.T) {
	env := newTestEnv(t, Config{}, agent("worker", "go"))
	env.messenger.reply = completeWith("completed", "shipped")
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "build", Description: "make it"}, Requirements{Required: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, "worker", res.AgentID)
	assert.Equal(t, store.TaskCompleted, res.Status)
	assert.Equal(t, "shipped", res.Result)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "shipped", task.Result)

	require.Len(t, env.messenger.sent, 1)
	assign, err := DecodeAssignment(env.messenger.sent[0].Content)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, assign.TaskID)
	assert.Equal(t, "build", assign.Title)
	assert.Equal(t, protocol.TypeTaskAssign, env.messenger.sent[0].Type)
}

func TestDelegate_FailureReturnsTaskToBoard(t *testing.T) {
	env := newTestEnv(t, Config{MaxAttempts: 3}, agent("worker", "go"))
	env.messenger.reply = completeWith("failed", "")
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "flaky"}, Requirements{})
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, res.Status)
	assert.Equal(t, "could not build", res.Error)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.AssignedTo)
}

func TestDelegate_NoSuitableAgent(t *testing.T) {
	env := newTestEnv(t, Config{}, agent("worker", "python"))
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "go work"}, Requirements{Required: []string{"go"}})
	require.ErrorIs(t, err, ErrNoSuitableAgent)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, task.Status)
	assert.Empty(t, env.messenger.sent)
}

func TestDelegate_Timeout(t *testing.T) {
	env := newTestEnv(t, Config{ResponseTimeout: 20 * time.Millisecond}, agent("worker", "go"))
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "slow"}, Requirements{})
	require.ErrorIs(t, err, ErrTimeout)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, task.Status)
}

func TestDelegate_SendFailureReleases(t *testing.T) {
	env := newTestEnv(t, Config{}, agent("worker", "go"))
	env.messenger.err = errors.New("disk full")
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "unsent"}, Requirements{})
	require.Error(t, err)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, task.Status)
}

func TestDelegate_IgnoresReplyFromOtherAgent(t *testing.T) {
	env := newTestEnv(t, Config{ResponseTimeout: 50 * time.Millisecond}, agent("worker", "go"))
	env.messenger.reply = func(assign *protocol.SignedMessage) *protocol.SignedMessage {
		r := completeWith("completed", "looks done to me")(assign)
		r.From = "bystander"
		return r
	}
	ctx := context.Background()

	res, err := env.delegator.Delegate(ctx, &store.Task{Title: "guarded"}, Requirements{})
	require.ErrorIs(t, err, ErrTimeout)

	task, err := env.board.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAvailable, task.Status)
	assert.Empty(t, task.Result)
}

func TestDecodeAssignment_RejectsMissingID(t *testing.T) {
	_, err := DecodeAssignment(`{"title":"x"}`)
	assert.Error(t, err)
	_, err = DecodeAssignment(`not json`)
	assert.Error(t, err)
}
