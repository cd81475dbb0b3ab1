// ABOUTME: Durable-first hybrid delivery: sign, write each recipient's inbox, then try a direct push
// ABOUTME: Push failures are logged and swallowed; the inbox copy guarantees delivery

package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/attachment"
	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/tracing"
	"github.com/2389/coven-courier/internal/transport"
)

// DefaultPushTimeout bounds each direct push.
const DefaultPushTimeout = 3 * time.Second

// ErrNoRecipients is returned for a broadcast with nobody to receive it.
var ErrNoRecipients = errors.New("no recipients")

// Mailbox is the durable write side of the inbox.
type Mailbox interface {
	QueueMessage(agentID string, msg *protocol.SignedMessage) error
}

// Directory resolves recipients.
type Directory interface {
	Get(ctx context.Context, agentID string) (registry.Agent, error)
	ListAll(ctx context.Context) ([]registry.Agent, error)
}

// Pusher delivers an envelope directly to a running agent.
type Pusher interface {
	Deliver(ctx context.Context, url string, msg *protocol.SignedMessage) (*transport.DeliverAck, error)
}

// Sender sends messages on behalf of one agent.
type Sender struct {
	signer      *identity.Signer
	inbox       Mailbox
	directory   Directory
	pusher      Pusher
	attachments *attachment.Store
	pushTimeout time.Duration
	logger      *slog.Logger
}

// Options configures a Sender. Pusher and Attachments are optional.
type Options struct {
	Pusher      Pusher
	Attachments *attachment.Store
	PushTimeout time.Duration
}

// New creates a Sender.
func New(signer *identity.Signer, inbox Mailbox, directory Directory, opts Options, logger *slog.Logger) *Sender {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		signer:      signer,
		inbox:       inbox,
		directory:   directory,
		pusher:      opts.Pusher,
		attachments: opts.Attachments,
		pushTimeout: opts.PushTimeout,
		logger:      logger.With("component", "sender", "agent_id", signer.AgentID()),
	}
}

// AgentID returns the sending agent.
func (s *Sender) AgentID() string { return s.signer.AgentID() }

type pendingAttachment struct {
	name, mimeType string
	data           []byte
}

type sendOptions struct {
	id          string
	replyTo     string
	metadata    map[string]string
	attachments []pendingAttachment
}

// Option customizes one Send.
type Option func(*sendOptions)

// WithID fixes the message id so a caller can expect the reply before the
// message leaves.
func WithID(id string) Option {
	return func(o *sendOptions) { o.id = id }
}

// WithReplyTo marks the message as a reply to id.
func WithReplyTo(id string) Option {
	return func(o *sendOptions) { o.replyTo = id }
}

// WithAttachment attaches data. Large attachments go to the attachment store.
func WithAttachment(name, mimeType string, data []byte) Option {
	return func(o *sendOptions) {
		o.attachments = append(o.attachments, pendingAttachment{name: name, mimeType: mimeType, data: data})
	}
}

// WithMetadata adds metadata entries.
func WithMetadata(md map[string]string) Option {
	return func(o *sendOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}

// ApplyOptions sets the reply and metadata options on an unsigned message.
// Attachment options need a store and are ignored here.
func ApplyOptions(msg *protocol.SignedMessage, opts ...Option) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id != "" {
		msg.ID = o.id
	}
	msg.ReplyTo = o.replyTo
	msg.Metadata = o.metadata
}

// Send signs a message to `to` (an agent id or "all") and delivers it.
// The message is durable once Send returns nil.
func (s *Sender) Send(ctx context.Context, to string, msgType protocol.MessageType, content string, opts ...Option) (msg *protocol.SignedMessage, err error) {
	ctx, span := tracing.StartSpan(ctx, "sender.send")
	defer func() { tracing.End(span, err) }()

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	msg = protocol.NewMessage(s.signer.AgentID(), to, msgType, content)
	if o.id != "" {
		msg.ID = o.id
	}
	msg.ReplyTo = o.replyTo
	msg.Metadata = o.metadata
	span.SetAttributes(tracing.MessageAttrs(msg.ID, msg.From, msg.To, string(msg.Type))...)

	for _, a := range o.attachments {
		if s.attachments == nil {
			return nil, fmt.Errorf("attachment %s: no attachment store configured", a.name)
		}
		ref, err := s.attachments.Build(a.name, a.mimeType, a.data)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, ref)
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if err := s.signer.Sign(msg); err != nil {
		return nil, err
	}

	recipients, err := s.recipients(ctx, to)
	if err != nil {
		return nil, err
	}

	// Durable first: every inbox write must land before any push
	for _, r := range recipients {
		if err := s.inbox.QueueMessage(r.ID, msg); err != nil {
			return nil, fmt.Errorf("queueing for %s: %w", r.ID, err)
		}
	}

	s.logger.Debug("message queued", "message_id", msg.ID, "to", to, "type", msgType, "recipients", len(recipients))
	s.pushAll(ctx, recipients, msg)
	return msg, nil
}

// recipients returns the agents to write to. Unknown direct recipients are
// still written to, so an agent that registers later finds its mail.
func (s *Sender) recipients(ctx context.Context, to string) ([]registry.Agent, error) {
	if to != protocol.Broadcast {
		a, err := s.directory.Get(ctx, to)
		if err != nil {
			if !errors.Is(err, registry.ErrUnknownAgent) {
				return nil, fmt.Errorf("resolving %s: %w", to, err)
			}
			a = registry.Agent{ID: to}
		}
		return []registry.Agent{a}, nil
	}

	all, err := s.directory.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	var out []registry.Agent
	for _, a := range all {
		if a.ID != s.signer.AgentID() {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

func (s *Sender) pushAll(ctx context.Context, recipients []registry.Agent, msg *protocol.SignedMessage) {
	if s.pusher == nil {
		return
	}
	var wg sync.WaitGroup
	for _, r := range recipients {
		if !r.Online() || r.URL == "" {
			continue
		}
		wg.Add(1)
		go func(r registry.Agent) {
			defer wg.Done()
			s.push(ctx, r, msg)
		}(r)
	}
	wg.Wait()
}

func (s *Sender) push(ctx context.Context, r registry.Agent, msg *protocol.SignedMessage) {
	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	ack, err := s.pusher.Deliver(pushCtx, r.URL, msg)
	if err != nil {
		s.logger.Warn("direct push failed, recipient will poll", "to", r.ID, "message_id", msg.ID, "error", err)
		return
	}
	if !ack.Accepted {
		s.logger.Debug("direct push not accepted", "to", r.ID, "message_id", msg.ID, "outcome", ack.Outcome, "reason", ack.Reason)
		return
	}
	s.logger.Debug("direct push delivered", "to", r.ID, "message_id", msg.ID, "outcome", ack.Outcome)
}
