// ABOUTME: Authentication context for tracking agent identity through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AgentContext holds the authenticated agent identity extracted from a request.
// It is populated by the HTTP auth middleware and retrieved in handlers.
type AgentContext struct {
	AgentID string
	Role    string // "agent" | "supervisor"
}

// IsSupervisor returns true if the authenticated agent has the supervisor role.
func (a *AgentContext) IsSupervisor() bool {
	return a.Role == "supervisor"
}

// agentContextKey is the key type for storing AgentContext in context.Context.
type agentContextKey struct{}

// WithAgent returns a new context with the AgentContext attached.
func WithAgent(ctx context.Context, auth *AgentContext) context.Context {
	return context.WithValue(ctx, agentContextKey{}, auth)
}

// FromContext retrieves the AgentContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AgentContext {
	val := ctx.Value(agentContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AgentContext)
	if !ok {
		return nil
	}
	return auth
}
