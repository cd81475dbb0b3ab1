// ABOUTME: gRPC client side of direct push with one connection and circuit breaker per peer
// ABOUTME: An open breaker fails fast so a dead peer never slows the sender

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-courier/internal/protocol"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 3
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// ErrPeerUnavailable wraps pushes rejected by an open circuit breaker.
var ErrPeerUnavailable = errors.New("peer unavailable")

// ClientOptions configures the push client.
type ClientOptions struct {
	// Credentials attaches a bearer token to each call. Optional.
	Credentials credentials.PerRPCCredentials

	// MaxFailures consecutive failures open a peer's breaker.
	MaxFailures uint32

	// OpenTimeout is how long a breaker stays open before probing again.
	OpenTimeout time.Duration

	// Dialer overrides the network dialer (tests use bufconn).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

type peerConn struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker[*DeliverAck]
}

// Client pushes envelopes directly to peers.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
}

// NewClient creates a push client.
func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "transport"),
		peers:  make(map[string]*peerConn),
	}
}

func normalizeTarget(url string) string {
	return strings.TrimPrefix(url, "grpc://")
}

func (c *Client) peer(url string) (*peerConn, error) {
	target := normalizeTarget(url)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[target]; ok {
		return p, nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if c.opts.Credentials != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(c.opts.Credentials))
	}
	dialTarget := target
	if c.opts.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(c.opts.Dialer))
		dialTarget = "passthrough:///" + target
	}

	conn, err := grpc.NewClient(dialTarget, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", target, err)
	}

	maxFailures := c.opts.MaxFailures
	logger := c.logger
	breaker := gobreaker.NewCircuitBreaker[*DeliverAck](gobreaker.Settings{
		Name:        "push:" + target,
		MaxRequests: 1,
		Interval:    defaultInterval,
		Timeout:     c.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	p := &peerConn{conn: conn, breaker: breaker}
	c.peers[target] = p
	return p, nil
}

// Deliver pushes msg to the agent listening at url.
func (c *Client) Deliver(ctx context.Context, url string, msg *protocol.SignedMessage) (*DeliverAck, error) {
	p, err := c.peer(url)
	if err != nil {
		return nil, err
	}

	ack, err := p.breaker.Execute(func() (*DeliverAck, error) {
		out := new(DeliverAck)
		if err := p.conn.Invoke(ctx, DeliverMethod, msg, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, url, err)
		}
		return nil, fmt.Errorf("pushing %s to %s: %w", msg.ID, url, err)
	}
	return ack, nil
}

// BreakerState reports the circuit state for url, or StateClosed for peers
// never contacted.
func (c *Client) BreakerState(url string) gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[normalizeTarget(url)]; ok {
		return p.breaker.State()
	}
	return gobreaker.StateClosed
}

// Close closes every peer connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for target, p := range c.peers {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.peers, target)
	}
	return errors.Join(errs...)
}
