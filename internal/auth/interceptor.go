// ABOUTME: gRPC server interceptor and client credentials for bearer-token auth
// ABOUTME: Tokens travel in the "authorization" metadata header

package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	authorizationHeader = "authorization"
	bearerPrefix        = "Bearer "
)

// logAuthFailure logs an authentication failure with the peer address.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", append(baseAttrs, attrs...)...)
}

// UnaryInterceptor authenticates every unary call with a bearer token and
// stores the caller's agent id in the context.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			logAuthFailure(logger, ctx, "missing metadata", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get(authorizationHeader)
		if len(values) == 0 || !strings.HasPrefix(values[0], bearerPrefix) {
			logAuthFailure(logger, ctx, "missing bearer token", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}

		agentID, err := tokens.Verify(strings.TrimPrefix(values[0], bearerPrefix))
		if err != nil {
			logAuthFailure(logger, ctx, "invalid token", "method", info.FullMethod, "error", err)
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(WithAgent(ctx, agentID), req)
	}
}

// NoAuthUnaryInterceptor accepts every call. Used when no secret is configured;
// envelope signatures still authenticate the messages themselves.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(ctx, req)
	}
}

// BearerCredentials attaches a freshly issued token to each call, refreshing
// it before expiry.
type BearerCredentials struct {
	issuer  *JWTVerifier
	agentID string
	ttl     time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewBearerCredentials creates per-RPC credentials for agentID.
func NewBearerCredentials(issuer *JWTVerifier, agentID string, ttl time.Duration) *BearerCredentials {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BearerCredentials{issuer: issuer, agentID: agentID, ttl: ttl}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *BearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.token == "" || now.After(c.expires.Add(-c.ttl/10)) {
		token, err := c.issuer.Generate(c.agentID, c.ttl)
		if err != nil {
			return nil, err
		}
		c.token = token
		c.expires = now.Add(c.ttl)
	}
	return map[string]string{authorizationHeader: bearerPrefix + c.token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials. The
// mesh runs without transport encryption; messages are signed instead.
func (c *BearerCredentials) RequireTransportSecurity() bool { return false }

var _ credentials.PerRPCCredentials = (*BearerCredentials)(nil)
