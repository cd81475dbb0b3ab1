// ABOUTME: Carries the authenticated caller's agent id through request contexts
// ABOUTME: Populated by the server interceptor, read by the mailbox handler

package auth

import "context"

type agentContextKey struct{}

// WithAgent returns a context carrying the authenticated agent id.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agentID)
}

// AgentFromContext returns the authenticated agent id, or "" when absent.
func AgentFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentContextKey{}).(string)
	return id
}
