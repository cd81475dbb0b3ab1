// ABOUTME: Wires one agent process: identity, stores, registry, transport, handler, delegation, approvals
// ABOUTME: Owns the background loops and shuts them down in order

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/approval"
	"github.com/2389/coven-courier/internal/attachment"
	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/delegation"
	"github.com/2389/coven-courier/internal/handler"
	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/inbox"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/sender"
	"github.com/2389/coven-courier/internal/store"
	"github.com/2389/coven-courier/internal/transport"
)

// pushTokenTTL is the lifetime of the bearer tokens this agent mints.
const pushTokenTTL = 5 * time.Minute

// Options carries the collaborators that live outside the courier.
type Options struct {
	Engine     handler.Engine // required for Run
	Prompter   approval.Prompter
	OnShutdown func()
	Logger     *slog.Logger
}

// Coordinator is one running agent.
type Coordinator struct {
	cfg      *config.Config
	identity identity.Identity
	signer   *identity.Signer
	logger   *slog.Logger

	db          *store.SQLiteStore
	registry    *registry.Registry
	verifier    *identity.Verifier
	inbox       *inbox.Store
	attachments *attachment.Store
	push        *transport.Client
	sender      *sender.Sender
	handler     *handler.Handler
	poller      *handler.Poller
	delegator   *delegation.Delegator
	approvals   *approval.Service
	server      *transport.Server
	health      *http.Server
	onShutdown  func()
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key, err := identity.LoadOrGenerateKey(cfg.Agent.KeyPath, cfg.Agent.ID)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		identity:   identity.NewIdentity(cfg.Agent.ID, cfg.Agent.Role, cfg.Agent.Capabilities, key),
		signer:     identity.NewSigner(cfg.Agent.ID, key),
		logger:     logger.With("component", "coordinator", "agent_id", cfg.Agent.ID),
		db:         db,
		onShutdown: opts.OnShutdown,
	}

	c.registry = registry.New(db, cfg.Registry.LivenessWindow, logger)
	c.verifier = identity.NewVerifier(c.registry, identity.DefaultReplayWindow, identity.DefaultReplayCacheSize)
	c.inbox = inbox.New(cfg.Storage.InboxDir(), c.verifier, logger)
	c.attachments = attachment.New(cfg.Storage.AttachmentDir(), cfg.Delivery.InlineThreshold)

	var tokens *auth.JWTVerifier
	clientOpts := transport.ClientOptions{}
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		clientOpts.Credentials = auth.NewBearerCredentials(tokens, cfg.Agent.ID, pushTokenTTL)
	}
	c.push = transport.NewClient(clientOpts, logger)

	c.sender = sender.New(c.signer, c.inbox, c.registry, sender.Options{
		Pusher:      c.push,
		Attachments: c.attachments,
		PushTimeout: cfg.Delivery.PushTimeout,
	}, logger)

	prompter := opts.Prompter
	if prompter == nil && cfg.Approval.Interactive {
		prompter = approval.NewStdioPrompter()
	}

	correlator := handler.NewCorrelator()
	if opts.Engine != nil {
		// With a human at the terminal, subordinates' review requests are
		// put to them. Otherwise the engine must answer with a decision.
		var reviewer handler.Reviewer
		if prompter != nil && prompter.Interactive() {
			reviewer = approval.NewReviewer(cfg.Agent.ID, prompter, c.sender, cfg.Approval.SupervisorTimeout, logger)
		}
		c.handler = handler.New(handler.Config{
			AgentID:     cfg.Agent.ID,
			Engine:      opts.Engine,
			Inbox:       c.inbox,
			Verifier:    c.verifier,
			Attachments: c.attachments,
			Replier:     c.sender,
			Correlator:  correlator,
			OnShutdown:  c.shutdownRequested,
			Reviewer:    reviewer,
		}, logger)
		c.poller = handler.NewPoller(c.handler, c.inbox, cfg.Agent.ID, cfg.Delivery.PollInterval, cfg.Delivery.MaxAttempts, logger)

		if cfg.Agent.ListenAddr != "" {
			serverOpts := transport.ServerOptions{
				RatePerMinute: cfg.Delivery.RatePerMinute,
				RateBurst:     cfg.Delivery.RateBurst,
			}
			if tokens != nil {
				serverOpts.Tokens = tokens
			}
			c.server = transport.NewServer(c.handler, serverOpts, logger)
		}
	}

	c.delegator = delegation.New(delegation.Config{
		AgentID:         cfg.Agent.ID,
		ResponseTimeout: cfg.Delegation.ResponseTimeout,
		LoadPenalty:     cfg.Delegation.LoadPenalty,
		PreferredWeight: cfg.Delegation.PreferredWeight,
		MaxAttempts:     cfg.Delegation.MaxAttempts,
	}, db, c.registry, c.sender, correlator, logger)

	hierarchy := approval.NewHierarchy(cfg.Hierarchy)
	mesh := approval.NewMeshSupervisor(cfg.Agent.ID, hierarchy, c.registry, c.sender, correlator, logger)
	c.approvals = approval.NewService(db, approval.Options{
		Supervisor:        mesh,
		Prompter:          prompter,
		SupervisorTimeout: cfg.Approval.SupervisorTimeout,
		HeadlessPolicy:    cfg.Approval.HeadlessPolicy,
	}, logger)

	if cfg.Agent.HealthAddr != "" {
		c.health = &http.Server{
			Addr:              cfg.Agent.HealthAddr,
			Handler:           c.healthMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return c, nil
}

// Identity returns this agent's identity.
func (c *Coordinator) Identity() identity.Identity { return c.identity }

// Registry returns the agent registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Inbox returns the shared inbox store.
func (c *Coordinator) Inbox() *inbox.Store { return c.inbox }

// Sender returns the message sender.
func (c *Coordinator) Sender() *sender.Sender { return c.sender }

// Handler returns the message handler, or nil when no engine was provided.
func (c *Coordinator) Handler() *handler.Handler { return c.handler }

// Delegator returns the task delegator.
func (c *Coordinator) Delegator() *delegation.Delegator { return c.delegator }

// Approvals returns the approval service.
func (c *Coordinator) Approvals() *approval.Service { return c.approvals }

// Authorize asks whether this agent may run tool. Tools listed in the
// agent's capabilities run without a request unless they are gated.
func (c *Coordinator) Authorize(ctx context.Context, tool string, params map[string]string, reason string, urgency approval.Urgency) (approval.Decision, error) {
	req := &approval.Request{
		AgentID:    c.identity.ID,
		Tool:       tool,
		Parameters: params,
		Context:    reason,
		Urgency:    urgency,
	}
	return c.approvals.Authorize(ctx, req, c.identity.Capabilities)
}

// Store returns the coordination database.
func (c *Coordinator) Store() *store.SQLiteStore { return c.db }

// Send is a convenience for Sender().Send.
func (c *Coordinator) Send(ctx context.Context, to string, msgType protocol.MessageType, content string, opts ...sender.Option) (*protocol.SignedMessage, error) {
	return c.sender.Send(ctx, to, msgType, content, opts...)
}

// Register announces this agent in the registry.
func (c *Coordinator) Register(ctx context.Context) error {
	url := c.cfg.Agent.AdvertiseURL
	if url != "" && !strings.Contains(url, "://") {
		url = "grpc://" + url
	}
	if err := c.registry.Register(ctx, c.identity, url); err != nil {
		return fmt.Errorf("registering %s: %w", c.identity.ID, err)
	}
	c.logger.Info("agent registered", "role", c.identity.Role, "capabilities", c.identity.Capabilities, "url", url, "fingerprint", c.identity.PublicKeyFingerprint)
	return nil
}

func (c *Coordinator) status() store.AgentStatus {
	if c.handler == nil {
		return store.StatusOnline
	}
	st, err := c.handler.Status(context.Background())
	if err != nil {
		return store.StatusOnline
	}
	if st.CurrentUnit != "" || st.Queued > 0 {
		return store.StatusBusy
	}
	return store.StatusIdle
}

func (c *Coordinator) shutdownRequested() {
	c.logger.Info("shutdown message received")
	if c.onShutdown != nil {
		c.onShutdown()
	}
}

// Run registers the agent, starts every loop, and blocks until ctx is
// cancelled or a server fails.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("coordinator has no engine; nothing to run")
	}
	if err := c.Register(ctx); err != nil {
		return err
	}
	if err := c.approvals.Connect(ctx); err != nil {
		c.logger.Info("approvals will go to a human or the headless policy", "reason", err)
	}

	stopCompaction, err := c.registry.StartCompaction(c.cfg.Registry.CompactionSchedule)
	if err != nil {
		return err
	}
	defer stopCompaction()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	startLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(loopCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	startLoop("handler", c.handler.Run)
	startLoop("poller", c.poller.Run)
	startLoop("heartbeat", func(ctx context.Context) error {
		return c.registry.RunHeartbeat(ctx, c.identity.ID, c.cfg.Registry.HeartbeatInterval, c.status)
	})

	if c.server != nil {
		lis, err := net.Listen("tcp", c.cfg.Agent.ListenAddr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("listening on %s: %w", c.cfg.Agent.ListenAddr, err)
		}
		go func() {
			if err := c.server.Serve(lis); err != nil {
				errCh <- fmt.Errorf("push server: %w", err)
			}
		}()
	}
	if c.health != nil {
		go func() {
			c.logger.Info("health endpoint listening", "addr", c.health.Addr)
			if err := c.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("context canceled, shutting down")
	case runErr = <-errCh:
		c.logger.Error("component failed", "error", runErr)
	}

	if c.server != nil {
		c.server.Stop()
	}
	if c.health != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.health.Shutdown(shutdownCtx)
		done()
	}
	c.approvals.Disconnect()
	cancel()
	wg.Wait()
	return runErr
}

// Close releases the stores and connections.
func (c *Coordinator) Close() error {
	var errs []error
	if err := c.push.Close(); err != nil {
		errs = append(errs, fmt.Errorf("push client: %w", err))
	}
	c.verifier.Close()
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
