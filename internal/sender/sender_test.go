// ABOUTME: Tests for hybrid delivery: inbox-first writes, best-effort pushes, broadcast fan-out
// ABOUTME: Uses a real inbox store and verifier with fake directory and pusher

package sender

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/attachment"
	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/inbox"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/store"
	"github.com/2389/coven-courier/internal/transport"
)

type fakeDirectory struct {
	agents []registry.Agent
	err    error
}

func (d *fakeDirectory) Get(_ context.Context, id string) (registry.Agent, error) {
	if d.err != nil {
		return registry.Agent{}, d.err
	}
	for _, a := range d.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return registry.Agent{}, registry.ErrUnknownAgent
}

func (d *fakeDirectory) ListAll(context.Context) ([]registry.Agent, error) {
	return d.agents, d.err
}

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]string // url -> message ids
	err    error
	// checked is called before each push; tests use it to assert ordering
	checked func(url string, msg *protocol.SignedMessage)
}

func (p *fakePusher) Deliver(_ context.Context, url string, msg *protocol.SignedMessage) (*transport.DeliverAck, error) {
	if p.checked != nil {
		p.checked(url, msg)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		p.pushed = make(map[string][]string)
	}
	p.pushed[url] = append(p.pushed[url], msg.ID)
	if p.err != nil {
		return nil, p.err
	}
	return &transport.DeliverAck{Accepted: true, Outcome: "delivered"}, nil
}

type harness struct {
	sender   *Sender
	inbox    *inbox.Store
	pusher   *fakePusher
	dir      *fakeDirectory
	verifier *identity.Verifier
}

func newHarness(t *testing.T, agents ...registry.Agent) *harness {
	t.Helper()
	key, _, err := identity.GenerateKey("alice")
	require.NoError(t, err)
	signer := identity.NewSigner("alice", key)

	ring := identity.NewKeyRing()
	ring.Add("alice", signer.PublicKey())
	v := identity.NewVerifier(ring, time.Minute, 100)
	t.Cleanup(v.Close)

	box := inbox.New(t.TempDir(), v, nil)
	dir := &fakeDirectory{agents: agents}
	pusher := &fakePusher{}
	s := New(signer, box, dir, Options{
		Pusher:      pusher,
		Attachments: attachment.New(t.TempDir(), 16),
	}, nil)

	return &harness{sender: s, inbox: box, pusher: pusher, dir: dir, verifier: v}
}

func online(id, url string) registry.Agent {
	return registry.Agent{ID: id, URL: url, Status: store.StatusOnline}
}

func offline(id string) registry.Agent {
	return registry.Agent{ID: id, URL: "old-url", Status: store.StatusOffline}
}

func TestSend_WritesInboxAndPushes(t *testing.T) {
	h := newHarness(t, online("alice", "a:1"), online("bob", "b:1"))
	ctx := context.Background()

	h.pusher.checked = func(_ string, msg *protocol.SignedMessage) {
		// The durable copy exists before the push is attempted
		_, err := h.inbox.Get("bob", msg.ID)
		assert.NoError(t, err)
	}

	msg, err := h.sender.Send(ctx, "bob", protocol.TypeQuestion, "ready?")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.From)
	assert.NotEmpty(t, msg.Signature)

	pending, err := h.inbox.GetPendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].Message.ID)
	assert.NoError(t, h.verifier.VerifySignature(ctx, pending[0].Message))

	assert.Equal(t, []string{msg.ID}, h.pusher.pushed["b:1"])
}

func TestSend_OfflineRecipientIsNotPushed(t *testing.T) {
	h := newHarness(t, offline("bob"))

	msg, err := h.sender.Send(context.Background(), "bob", protocol.TypeMessage, "later")
	require.NoError(t, err)

	_, err = h.inbox.Get("bob", msg.ID)
	assert.NoError(t, err)
	assert.Empty(t, h.pusher.pushed)
}

func TestSend_UnknownRecipientStillQueued(t *testing.T) {
	h := newHarness(t)

	msg, err := h.sender.Send(context.Background(), "newcomer", protocol.TypeMessage, "welcome")
	require.NoError(t, err)

	_, err = h.inbox.Get("newcomer", msg.ID)
	assert.NoError(t, err)
}

func TestSend_PushFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, online("bob", "b:1"))
	h.pusher.err = errors.New("connection refused")

	msg, err := h.sender.Send(context.Background(), "bob", protocol.TypeMessage, "hi")
	require.NoError(t, err)

	_, err = h.inbox.Get("bob", msg.ID)
	assert.NoError(t, err)
}

func TestSend_BroadcastExcludesSelf(t *testing.T) {
	h := newHarness(t, online("alice", "a:1"), online("bob", "b:1"), offline("carol"), online("dave", ""))
	ctx := context.Background()

	msg, err := h.sender.Send(ctx, protocol.Broadcast, protocol.TypeStatusUpdate, "deploying")
	require.NoError(t, err)
	assert.True(t, msg.IsBroadcast())

	for _, id := range []string{"bob", "carol", "dave"} {
		_, err := h.inbox.Get(id, msg.ID)
		assert.NoError(t, err, id)
	}
	_, err = h.inbox.Get("alice", msg.ID)
	assert.ErrorIs(t, err, inbox.ErrNotFound)

	// Only online agents with a URL are pushed
	assert.Len(t, h.pusher.pushed, 1)
	assert.Contains(t, h.pusher.pushed, "b:1")
}

func TestSend_BroadcastWithNobody(t *testing.T) {
	h := newHarness(t, online("alice", "a:1"))

	_, err := h.sender.Send(context.Background(), protocol.Broadcast, protocol.TypeMessage, "anyone?")
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSend_Options(t *testing.T) {
	h := newHarness(t, online("bob", ""))
	big := bytes.Repeat([]byte("z"), 64)

	msg, err := h.sender.Send(context.Background(), "bob", protocol.TypeTaskComplete, "done",
		WithReplyTo("orig-1"),
		WithMetadata(map[string]string{protocol.MetaStatus: "completed"}),
		WithAttachment("small.txt", "text/plain", []byte("hi")),
		WithAttachment("big.bin", "application/octet-stream", big),
	)
	require.NoError(t, err)

	assert.Equal(t, "orig-1", msg.ReplyTo)
	assert.Equal(t, "completed", msg.Meta(protocol.MetaStatus))
	require.Len(t, msg.Attachments, 2)
	assert.True(t, msg.Attachments[0].Inline())
	assert.False(t, msg.Attachments[1].Inline())
	assert.Equal(t, attachment.Hash(big), msg.Attachments[1].Hash)
}

func TestSend_InvalidType(t *testing.T) {
	h := newHarness(t, online("bob", ""))

	_, err := h.sender.Send(context.Background(), "bob", protocol.MessageType("gossip"), "x")
	assert.Error(t, err)
}

func TestSend_DirectoryError(t *testing.T) {
	h := newHarness(t)
	h.dir.err = errors.New("database locked")

	_, err := h.sender.Send(context.Background(), "bob", protocol.TypeMessage, "x")
	assert.Error(t, err)
}
