// ABOUTME: Lifecycle event contracts published for downstream consumers.
// ABOUTME: Envelope/meta framing with versioned payloads per routing decision.

package events

import (
	"context"
	"time"
)

// Routing keys, one per lifecycle transition worth observing.
const (
	KeyEscalated  = "conversation.escalated.v1"
	KeyAssigned   = "conversation.assigned.v1"
	KeyRedirected = "conversation.redirected.v1"
	KeyCompleted  = "conversation.completed.v1"
)

// Meta carries event identity and provenance.
type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. conversation.assigned.v1
	Type string `json:"type"`
	// Emitting service
	Producer string `json:"producer,omitempty"`
	// Trace / request correlation ID
	CorrelationID string `json:"correlation_id,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
}

// Envelope wraps every published payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ConversationEscalatedV1 is emitted when a conversation enters the waiting queue.
type ConversationEscalatedV1 struct {
	ConversationID string    `json:"conversation_id"`
	FromNumber     string    `json:"from_number"`
	Priority       int       `json:"priority"`
	Tags           []string  `json:"tags,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// ConversationAssignedV1 is emitted when a waiting conversation is matched to an agent.
type ConversationAssignedV1 struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Waited         string    `json:"waited"` // queue dwell time, duration string
	At             time.Time `json:"at"`
}

// ConversationRedirectedV1 is emitted when the stage-2 timeout hands a
// conversation back to the bot.
type ConversationRedirectedV1 struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"` // empty if never assigned
	At             time.Time `json:"at"`
}

// ConversationCompletedV1 is emitted when a conversation is closed, either by
// an agent or by the inactivity sweep.
type ConversationCompletedV1 struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Reason         string    `json:"reason"` // "agent_close" or "inactivity"
	At             time.Time `json:"at"`
}

// Publisher delivers lifecycle events. Publishing is advisory: the lifecycle
// never makes a transition's success depend on the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, data any) error
	Close() error
}

// NopPublisher discards all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, key string, data any) error { return nil }
func (NopPublisher) Close() error                                            { return nil }

var _ Publisher = NopPublisher{}
