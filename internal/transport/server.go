// ABOUTME: gRPC server side of direct push: authenticates, rate limits, and hands envelopes to a Receiver
// ABOUTME: The authenticated caller must be the envelope's sender

package transport

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/protocol"
)

// Receiver processes a pushed envelope and reports what happened to it.
type Receiver interface {
	Receive(ctx context.Context, msg *protocol.SignedMessage) (outcome string, err error)
}

// ServerOptions configures the push server.
type ServerOptions struct {
	// Tokens authenticates callers. Nil disables bearer auth.
	Tokens auth.TokenVerifier

	// RatePerMinute bounds pushes per sender. Zero disables limiting.
	RatePerMinute int
	RateBurst     int
}

// Server accepts direct pushes for one agent.
type Server struct {
	grpc     *grpc.Server
	receiver Receiver
	authOn   bool
	limiter  *senderLimiter
	logger   *slog.Logger
}

// NewServer creates a push server delivering to recv.
func NewServer(recv Receiver, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	interceptor := auth.NoAuthUnaryInterceptor()
	if opts.Tokens != nil {
		interceptor = auth.UnaryInterceptor(opts.Tokens, logger)
	}

	s := &Server{
		grpc:     grpc.NewServer(grpc.UnaryInterceptor(interceptor)),
		receiver: recv,
		authOn:   opts.Tokens != nil,
		limiter:  newSenderLimiter(opts.RatePerMinute, opts.RateBurst),
		logger:   logger,
	}
	RegisterMailboxServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("push server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Deliver implements MailboxServer.
func (s *Server) Deliver(ctx context.Context, msg *protocol.SignedMessage) (*DeliverAck, error) {
	if msg == nil || msg.From == "" {
		return nil, status.Error(codes.InvalidArgument, "envelope sender is required")
	}
	if s.authOn {
		if caller := auth.AgentFromContext(ctx); caller != msg.From {
			s.logger.Warn("push sender mismatch", "caller", caller, "from", msg.From, "message_id", msg.ID)
			return nil, status.Error(codes.PermissionDenied, "caller is not the envelope sender")
		}
	}
	if !s.limiter.allow(msg.From) {
		s.logger.Warn("push rate limited", "from", msg.From, "message_id", msg.ID)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	outcome, err := s.receiver.Receive(ctx, msg)
	if err != nil {
		s.logger.Debug("push not accepted", "message_id", msg.ID, "outcome", outcome, "error", err)
		return &DeliverAck{Accepted: false, Outcome: outcome, Reason: err.Error()}, nil
	}
	return &DeliverAck{Accepted: true, Outcome: outcome}, nil
}
