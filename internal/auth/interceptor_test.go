// ABOUTME: Tests for the bearer-token server interceptor and client credentials
// ABOUTME: Exercises the interceptor directly with synthetic incoming metadata

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/coven.courier.Mailbox/Deliver"}

func callerHandler(ctx context.Context, _ any) (any, error) {
	return AgentFromContext(ctx), nil
}

func TestUnaryInterceptor_AcceptsValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	creds := NewBearerCredentials(verifier, "agent-a", time.Hour)

	md, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(md))

	resp, err := UnaryInterceptor(verifier, nil)(ctx, nil, testInfo, callerHandler)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", resp)
}

func TestUnaryInterceptor_Rejects(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "no metadata", ctx: context.Background()},
		{name: "no header", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("x", "y"))},
		{name: "not bearer", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc"))},
		{name: "bad token", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnaryInterceptor(verifier, nil)(tt.ctx, nil, testInfo, callerHandler)
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestBearerCredentials_ReusesToken(t *testing.T) {
	creds := NewBearerCredentials(NewJWTVerifier([]byte("secret")), "agent-a", time.Hour)

	first, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	second, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, creds.RequireTransportSecurity())
}

func TestAgentFromContext_Empty(t *testing.T) {
	assert.Equal(t, "", AgentFromContext(context.Background()))
}
