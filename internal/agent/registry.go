// ABOUTME: Tracks human agent availability, status, and active-conversation load.
// ABOUTME: In-memory projection rebuilt from the store on startup; the store stays the source of truth.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrCapacityExhausted indicates the agent cannot take another conversation.
// Callers treat this as a normal wait state, never as a fault.
var ErrCapacityExhausted = errors.New("agent at capacity")

// ErrInvalidStatus indicates an unknown agent status value.
var ErrInvalidStatus = errors.New("invalid agent status")

// entry pairs an agent record with its live conversation set.
type entry struct {
	agent  store.Agent
	active map[string]struct{}
}

// Registry coordinates agent availability and load. ActiveConversations sets
// are mutated only through Assign/Release, which the lifecycle coordinator
// calls after the matching write has been persisted.
type Registry struct {
	agents map[string]*entry
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger.With("component", "registry"),
	}
}

// Rehydrate rebuilds the projection from persisted state: agent rows plus the
// assigned conversations that reference them. Any previous in-memory state is
// discarded.
func (r *Registry) Rehydrate(agents []*store.Agent, conversations []*store.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*entry, len(agents))
	for _, a := range agents {
		r.agents[a.ID] = &entry{
			agent:  *a,
			active: make(map[string]struct{}),
		}
	}

	for _, c := range conversations {
		if c.Status != store.StatusAssigned || c.AssignedAgent == "" {
			continue
		}
		e, ok := r.agents[c.AssignedAgent]
		if !ok {
			r.logger.Warn("assigned conversation references unknown agent",
				"conversation_id", c.ID,
				"agent_id", c.AssignedAgent,
			)
			continue
		}
		e.active[c.ID] = struct{}{}
	}

	r.logger.Info("registry rehydrated", "agents", len(r.agents))
}

// Upsert registers a new agent or replaces the record of an existing one.
// The active-conversation set is preserved across updates.
func (r *Registry) Upsert(agent *store.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agent.ID]; ok {
		e.agent = *agent
		return
	}
	r.agents[agent.ID] = &entry{
		agent:  *agent,
		active: make(map[string]struct{}),
	}
	r.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	copied := e.agent
	return &copied, nil
}

// SetStatus updates an agent's availability and last-activity timestamp.
func (r *Registry) SetStatus(id string, status store.AgentStatus, now time.Time) (*store.Agent, error) {
	if !store.ValidAgentStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	e.agent.Status = status
	e.agent.LastActivity = now
	e.agent.UpdatedAt = now

	r.logger.Info("agent status changed", "agent_id", id, "status", status)
	copied := e.agent
	return &copied, nil
}

// Touch updates an agent's last-activity timestamp.
func (r *Registry) Touch(id string, now time.Time) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	e.agent.LastActivity = now
	e.agent.UpdatedAt = now
	copied := e.agent
	return &copied, nil
}

// Load returns the number of active conversations for an agent.
func (r *Registry) Load(id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return 0, ErrAgentNotFound
	}
	return len(e.active), nil
}

// ActiveConversations returns the conversation IDs currently assigned to an agent.
func (r *Registry) ActiveConversations(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	ids := make([]string, 0, len(e.active))
	for convID := range e.active {
		ids = append(ids, convID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Candidate describes an agent eligible for a new assignment.
type Candidate struct {
	Agent     store.Agent
	Load      int
	Remaining int
}

// Candidates returns the agents that may receive a new assignment: online and
// under capacity. Ordered most-remaining-capacity first, ties broken by
// longest-idle (earliest LastActivity), matching the assignment policy.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, e := range r.agents {
		if e.agent.Status != store.AgentOnline {
			continue
		}
		load := len(e.active)
		if load >= e.agent.MaxConcurrent {
			continue
		}
		out = append(out, Candidate{
			Agent:     e.agent,
			Load:      load,
			Remaining: e.agent.MaxConcurrent - load,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Remaining != out[j].Remaining {
			return out[i].Remaining > out[j].Remaining
		}
		if !out[i].Agent.LastActivity.Equal(out[j].Agent.LastActivity) {
			return out[i].Agent.LastActivity.Before(out[j].Agent.LastActivity)
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

// Assign adds a conversation to an agent's active set. Called only by the
// lifecycle coordinator, after the assignment has been persisted. Enforces the
// capacity invariant as a final guard against concurrent match cycles.
func (r *Registry) Assign(agentID, conversationID string, now time.Time) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if _, already := e.active[conversationID]; already {
		// Idempotent under retry
		copied := e.agent
		return &copied, nil
	}
	if len(e.active) >= e.agent.MaxConcurrent {
		return nil, ErrCapacityExhausted
	}

	e.active[conversationID] = struct{}{}
	e.agent.LastActivity = now
	e.agent.UpdatedAt = now

	r.logger.Debug("conversation assigned",
		"agent_id", agentID,
		"conversation_id", conversationID,
		"load", len(e.active),
	)
	copied := e.agent
	return &copied, nil
}

// Release removes a conversation from an agent's active set. Called only by
// the lifecycle coordinator. Releasing an absent conversation is a no-op.
func (r *Registry) Release(agentID, conversationID string, now time.Time) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	delete(e.active, conversationID)
	e.agent.UpdatedAt = now

	r.logger.Debug("conversation released",
		"agent_id", agentID,
		"conversation_id", conversationID,
		"load", len(e.active),
	)
	copied := e.agent
	return &copied, nil
}
