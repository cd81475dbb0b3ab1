// ABOUTME: Tests for the unified handler pipeline and its completion routing
// ABOUTME: Uses a real inbox and verifier with a scripted engine and a recording replier

package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/inbox"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/sender"
)

type fakeEngine struct {
	mu       sync.Mutex
	busy     bool
	started  []string
	injected []string
	startErr error
	next     int
}

func (e *fakeEngine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

func (e *fakeEngine) InjectNow(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injected = append(e.injected, text)
	return nil
}

func (e *fakeEngine) StartNew(_ context.Context, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return "", e.startErr
	}
	e.next++
	e.busy = true
	e.started = append(e.started, text)
	return fmt.Sprintf("unit-%d", e.next), nil
}

func (e *fakeEngine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
}

func (e *fakeEngine) setStartErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *fakeEngine) counts() (started, injected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started), len(e.injected)
}

type sentReply struct {
	to       string
	msgType  protocol.MessageType
	content  string
	replyTo  string
	metadata map[string]string
}

type recordingReplier struct {
	mu   sync.Mutex
	sent []sentReply
}

func (r *recordingReplier) Send(_ context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error) {
	msg := protocol.NewMessage("worker", to, msgType, content)
	sender.ApplyOptions(msg, opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentReply{to: to, msgType: msgType, content: content, replyTo: msg.ReplyTo, metadata: msg.Metadata})
	return msg, nil
}

func (r *recordingReplier) replies() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentReply, len(r.sent))
	copy(out, r.sent)
	return out
}

// flakyResolver fails every lookup while err is set.
type flakyResolver struct {
	ring *identity.KeyRing
	mu   sync.Mutex
	err  error
}

func (f *flakyResolver) PublicKey(ctx context.Context, agentID string) (ssh.PublicKey, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ring.PublicKey(ctx, agentID)
}

func (f *flakyResolver) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingReviewer struct {
	got chan *protocol.SignedMessage
}

func (r *recordingReviewer) Review(_ context.Context, msg *protocol.SignedMessage) {
	r.got <- msg
}

type testEnv struct {
	handler   *Handler
	engine    *fakeEngine
	inbox     *inbox.Store
	replier   *recordingReplier
	resolver  *flakyResolver
	boss      *identity.Signer
	intruder  *identity.Signer
	shutdowns int
	mu        sync.Mutex
}

func newSigner(t *testing.T, agentID string) *identity.Signer {
	t.Helper()
	key, _, err := identity.GenerateKey(agentID)
	require.NoError(t, err)
	return identity.NewSigner(agentID, key)
}

func newTestEnv(t *testing.T, reviewer ...Reviewer) *testEnv {
	t.Helper()
	boss := newSigner(t, "boss")
	intruder := newSigner(t, "intruder")

	ring := identity.NewKeyRing()
	ring.Add("boss", boss.PublicKey())
	ring.Add("intruder", intruder.PublicKey())
	resolver := &flakyResolver{ring: ring}
	verifier := identity.NewVerifier(resolver, time.Minute, 100)
	t.Cleanup(verifier.Close)

	env := &testEnv{
		engine:   &fakeEngine{},
		inbox:    inbox.New(t.TempDir(), verifier, nil),
		replier:  &recordingReplier{},
		resolver: resolver,
		boss:     boss,
		intruder: intruder,
	}
	cfg := Config{
		AgentID:  "worker",
		Engine:   env.engine,
		Inbox:    env.inbox,
		Verifier: verifier,
		Replier:  env.replier,
		OnShutdown: func() {
			env.mu.Lock()
			env.shutdowns++
			env.mu.Unlock()
		},
	}
	if len(reviewer) > 0 {
		cfg.Reviewer = reviewer[0]
	}
	env.handler = New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.handler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return env
}

// deliver signs a message from boss, writes it to worker's inbox, and processes it.
func (e *testEnv) deliver(t *testing.T, msgType protocol.MessageType, content string, edit ...func(*protocol.SignedMessage)) (*protocol.SignedMessage, Outcome, error) {
	t.Helper()
	msg := protocol.NewMessage("boss", "worker", msgType, content)
	for _, fn := range edit {
		fn(msg)
	}
	require.NoError(t, e.boss.Sign(msg))
	require.NoError(t, e.inbox.QueueMessage("worker", msg))
	outcome, err := e.handler.Process(context.Background(), msg, SourcePush)
	return msg, outcome, err
}

func (e *testEnv) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := e.inbox.GetPendingMessages(context.Background(), "worker")
	require.NoError(t, err)
	return len(pending)
}

func TestProcess_InterruptStartsWhenIdle(t *testing.T) {
	env := newTestEnv(t)

	_, outcome, err := env.deliver(t, protocol.TypeMessage, "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	assert.Equal(t, 0, env.pendingCount(t), "processed message is acknowledged")
}

func TestProcess_InterruptInjectsWhenBusy(t *testing.T) {
	env := newTestEnv(t)
	env.engine.busy = true

	_, outcome, err := env.deliver(t, protocol.TypeQuestion, "status?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInjected, outcome)

	_, injected := env.engine.counts()
	assert.Equal(t, 1, injected)
}

func TestProcess_QueueThenCompleteStartsNext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, outcome, err := env.deliver(t, protocol.TypeTaskAssign, "task one")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	_, outcome, err = env.deliver(t, protocol.TypeTaskAssign, "task two")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	st, err := env.handler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, "unit-1", st.CurrentUnit)

	env.engine.finish()
	env.handler.UnitCompleted("unit-1", "done one", nil)

	require.Eventually(t, func() bool { return len(env.replier.replies()) == 1 }, time.Second, 10*time.Millisecond)
	reply := env.replier.replies()[0]
	assert.Equal(t, "boss", reply.to)
	assert.Equal(t, protocol.TypeTaskComplete, reply.msgType)
	assert.Equal(t, "done one", reply.content)
	assert.Equal(t, first.ID, reply.replyTo)
	assert.Equal(t, "completed", reply.metadata[protocol.MetaStatus])
	assert.Equal(t, "unit-1", reply.metadata[protocol.MetaUnitID])

	require.Eventually(t, func() bool {
		started, _ := env.engine.counts()
		return started == 2
	}, time.Second, 10*time.Millisecond)

	st, err = env.handler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, "unit-2", st.CurrentUnit)
}

func TestProcess_FailedUnitReportsFailure(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.deliver(t, protocol.TypeTaskAssign, "doomed")
	require.NoError(t, err)

	env.engine.finish()
	env.handler.UnitCompleted("unit-1", "", errors.New("tool crashed"))

	require.Eventually(t, func() bool { return len(env.replier.replies()) == 1 }, time.Second, 10*time.Millisecond)
	reply := env.replier.replies()[0]
	assert.Equal(t, "failed", reply.metadata[protocol.MetaStatus])
	assert.Equal(t, "tool crashed", reply.metadata[protocol.MetaError])
}

func TestProcess_RecipientMarkersRouteResult(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.deliver(t, protocol.TypeTaskAssign, "summarize")
	require.NoError(t, err)

	env.engine.finish()
	env.handler.UnitCompleted("unit-1", "[to:alice] [to:carol] summary ready", nil)

	require.Eventually(t, func() bool { return len(env.replier.replies()) == 2 }, time.Second, 10*time.Millisecond)
	var to []string
	for _, r := range env.replier.replies() {
		assert.Equal(t, protocol.TypeMessage, r.msgType)
		assert.NotContains(t, r.content, "[to:")
		to = append(to, r.to)
	}
	assert.ElementsMatch(t, []string{"alice", "carol"}, to)
}

func TestProcess_Duplicate(t *testing.T) {
	env := newTestEnv(t)

	msg, _, err := env.deliver(t, protocol.TypeStatusUpdate, "50%")
	require.NoError(t, err)

	outcome, err := env.handler.Process(context.Background(), msg, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestProcess_LogClass(t *testing.T) {
	env := newTestEnv(t)
	env.engine.busy = true

	_, outcome, err := env.deliver(t, protocol.TypeStatusUpdate, "halfway")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogged, outcome)

	started, injected := env.engine.counts()
	assert.Zero(t, started)
	assert.Zero(t, injected)
}

func TestProcess_TamperedMessageQuarantined(t *testing.T) {
	env := newTestEnv(t)

	msg := protocol.NewMessage("boss", "worker", protocol.TypeMessage, "original")
	require.NoError(t, env.boss.Sign(msg))
	msg.Content = "tampered"

	outcome, err := env.handler.Process(context.Background(), msg, SourcePush)
	require.Error(t, err)
	assert.True(t, identity.IsUntrusted(err))
	assert.Equal(t, OutcomeQuarantined, outcome)

	quarantined, err := env.inbox.ListQuarantined("worker")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, msg.ID, quarantined[0].Message.ID)

	started, injected := env.engine.counts()
	assert.Zero(t, started+injected)
}

func TestProcess_MisaddressedQuarantined(t *testing.T) {
	env := newTestEnv(t)

	_, outcome, err := env.deliver(t, protocol.TypeMessage, "not for you", func(m *protocol.SignedMessage) {
		m.To = "someone-else"
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeQuarantined, outcome)
	assert.Equal(t, 0, env.pendingCount(t))
}

func TestProcess_BroadcastAccepted(t *testing.T) {
	env := newTestEnv(t)

	_, outcome, err := env.deliver(t, protocol.TypeMessage, "everyone", func(m *protocol.SignedMessage) {
		m.To = protocol.Broadcast
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
}

func TestProcess_CorrelatedReply(t *testing.T) {
	env := newTestEnv(t)
	waiter := env.handler.Correlator().Expect("req-1")

	_, outcome, err := env.deliver(t, protocol.TypeTaskComplete, "result", func(m *protocol.SignedMessage) {
		m.ReplyTo = "req-1"
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorrelated, outcome)

	select {
	case got := <-waiter:
		assert.Equal(t, "result", got.Content)
	default:
		t.Fatal("waiter did not receive the reply")
	}
}

func TestProcess_ShutdownClearsQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.deliver(t, protocol.TypeTaskAssign, "one")
	require.NoError(t, err)
	_, _, err = env.deliver(t, protocol.TypeTaskAssign, "two")
	require.NoError(t, err)

	_, outcome, err := env.deliver(t, protocol.TypeShutdown, "stop")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	st, err := env.handler.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Queued)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, 1, env.shutdowns)
}

func TestProcess_ShutdownInterruptsBusyEngine(t *testing.T) {
	env := newTestEnv(t)

	_, outcome, err := env.deliver(t, protocol.TypeTaskAssign, "long job")
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)
	require.True(t, env.engine.IsBusy())

	_, _, err = env.deliver(t, protocol.TypeTaskAssign, "queued job")
	require.NoError(t, err)

	_, outcome, err = env.deliver(t, protocol.TypeShutdown, "stop now")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	env.engine.mu.Lock()
	injected := append([]string(nil), env.engine.injected...)
	env.engine.mu.Unlock()
	require.Len(t, injected, 1, "the running unit is interrupted")
	assert.Contains(t, injected[0], "shutdown from boss")

	st, err := env.handler.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Queued)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, 1, env.shutdowns)
}

func TestProcess_ForgedCopyDoesNotDisplaceGenuine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	genuine := protocol.NewMessage("boss", "worker", protocol.TypeTaskAssign, "real work")
	require.NoError(t, env.boss.Sign(genuine))
	require.NoError(t, env.inbox.QueueMessage("worker", genuine))

	forged := genuine.Clone()
	forged.Content = "something else"
	outcome, err := env.handler.Process(ctx, forged, SourcePush)
	require.Error(t, err)
	assert.Equal(t, OutcomeQuarantined, outcome)

	quarantined, err := env.inbox.ListQuarantined("worker")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "something else", quarantined[0].Message.Content)
	assert.Equal(t, 1, env.pendingCount(t), "the genuine envelope is still pending")

	outcome, err = env.handler.Process(ctx, genuine, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	started, _ := env.engine.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, env.pendingCount(t))
}

func TestProcess_KeyLookupFailureDefers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := protocol.NewMessage("boss", "worker", protocol.TypeTaskAssign, "wait for the db")
	require.NoError(t, env.boss.Sign(msg))
	require.NoError(t, env.inbox.QueueMessage("worker", msg))

	env.resolver.fail(errors.New("database is locked"))
	outcome, err := env.handler.Process(ctx, msg, SourcePush)
	require.Error(t, err)
	assert.False(t, identity.IsUntrusted(err))
	assert.Equal(t, OutcomeDeferred, outcome)

	quarantined, err := env.inbox.ListQuarantined("worker")
	require.NoError(t, err)
	assert.Empty(t, quarantined)

	env.resolver.fail(nil)
	outcome, err = env.handler.Process(ctx, msg, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
}

func TestProcess_StalePushRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := protocol.NewMessage("boss", "worker", protocol.TypeShutdown, "captured earlier")
	msg.Timestamp = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, env.boss.Sign(msg))

	outcome, err := env.handler.Process(ctx, msg, SourcePush)
	require.Error(t, err)
	assert.True(t, identity.IsUntrusted(err))
	assert.Equal(t, OutcomeQuarantined, outcome)

	quarantined, err := env.inbox.ListQuarantined("worker")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	env.mu.Lock()
	assert.Zero(t, env.shutdowns)
	env.mu.Unlock()

	// Mail that sat in the inbox is still delivered however old it is
	old := protocol.NewMessage("boss", "worker", protocol.TypeTaskAssign, "queued while offline")
	old.Timestamp = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, env.boss.Sign(old))
	require.NoError(t, env.inbox.QueueMessage("worker", old))

	outcome, err = env.handler.Process(ctx, old, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
}

func TestProcess_ImpostorReplyNotCorrelated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.busy = true
	waiter := env.handler.Correlator().Expect("req-1", "boss")

	impostor := protocol.NewMessage("intruder", "worker", protocol.TypeMessage, "approve")
	impostor.ReplyTo = "req-1"
	require.NoError(t, env.intruder.Sign(impostor))

	outcome, err := env.handler.Process(ctx, impostor, SourcePush)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInjected, outcome, "treated as an ordinary message")

	select {
	case <-waiter:
		t.Fatal("waiter accepted a reply from an agent it never asked")
	default:
	}

	_, outcome, err = env.deliver(t, protocol.TypeMessage, "deny", func(m *protocol.SignedMessage) {
		m.ReplyTo = "req-1"
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorrelated, outcome)
	assert.Equal(t, "deny", (<-waiter).Content)
}

func TestProcess_ReviewRequestGoesToReviewer(t *testing.T) {
	reviewer := &recordingReviewer{got: make(chan *protocol.SignedMessage, 1)}
	env := newTestEnv(t, reviewer)

	msg, outcome, err := env.deliver(t, protocol.TypeReviewRequest, `{"tool":"shell_exec"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReviewing, outcome)

	select {
	case got := <-reviewer.got:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("reviewer never saw the request")
	}

	started, _ := env.engine.counts()
	assert.Zero(t, started)
	assert.Equal(t, 0, env.pendingCount(t))
}

func TestProcess_EngineFailureDefers(t *testing.T) {
	env := newTestEnv(t)
	env.engine.setStartErr(errors.New("engine offline"))

	msg, outcome, err := env.deliver(t, protocol.TypeMessage, "retry me")
	require.Error(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	rec, err := env.inbox.Get("worker", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)

	// A deferred message is neither a duplicate nor a replay on retry
	env.engine.setStartErr(nil)
	outcome, err = env.handler.Process(context.Background(), msg, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
}

func TestProcess_AfterStop(t *testing.T) {
	key, _, err := identity.GenerateKey("boss")
	require.NoError(t, err)
	verifier := identity.NewVerifier(identity.NewKeyRing(), time.Minute, 10)
	defer verifier.Close()

	h := New(Config{AgentID: "worker", Engine: &fakeEngine{}, Inbox: inbox.New(t.TempDir(), nil, nil), Verifier: verifier}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))

	msg := protocol.NewMessage("boss", "worker", protocol.TypeMessage, "late")
	require.NoError(t, identity.NewSigner("boss", key).Sign(msg))

	_, err = h.Process(context.Background(), msg, SourcePush)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReceive_ReportsOutcome(t *testing.T) {
	env := newTestEnv(t)

	msg := protocol.NewMessage("boss", "worker", protocol.TypeStatusUpdate, "ping")
	require.NoError(t, env.boss.Sign(msg))

	outcome, err := env.handler.Receive(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeLogged), outcome)
}

func TestFormatForEngine(t *testing.T) {
	msg := protocol.NewMessage("boss", "worker", protocol.TypeTaskAssign, "do it")
	msg.ReplyTo = "earlier"
	msg.Attachments = []protocol.AttachmentRef{
		{Name: "small.txt", Type: "text/plain", Size: 3, Data: []byte("abc")},
		{Name: "big.bin", Type: "application/octet-stream", Size: 9000, Path: "ab/abcd"},
	}

	text := FormatForEngine(msg)
	assert.Contains(t, text, "task_assign from boss")
	assert.Contains(t, text, "in reply to earlier")
	assert.Contains(t, text, "do it")
	assert.Contains(t, text, "small.txt (text/plain, 3 bytes, inline)")
	assert.Contains(t, text, "at ab/abcd")
}
