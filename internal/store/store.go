// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines Agent, Conversation, Message, QueueItem and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the availability state of a human agent.
type AgentStatus string

const (
	AgentOffline AgentStatus = "offline"
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentAway    AgentStatus = "away"
)

// ValidAgentStatus reports whether s is one of the closed set of agent states.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentOffline, AgentOnline, AgentBusy, AgentAway:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusBot       ConversationStatus = "bot"
	StatusWaiting   ConversationStatus = "waiting"
	StatusAssigned  ConversationStatus = "assigned"
	StatusCompleted ConversationStatus = "completed"
)

// Sender constants for message authorship
const (
	SenderUser   = "user"
	SenderBot    = "bot"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Agent represents a human agent who can take over escalated conversations.
// ActiveConversations is not stored on the row; it is a projection over the
// conversations table and is rebuilt by the registry on startup.
type Agent struct {
	ID             string
	Name           string
	CredentialHash string // bcrypt, empty until provisioned
	Status         AgentStatus
	MaxConcurrent  int
	Role           string
	LastActivity   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conversation represents one channel thread with a customer. Identity is tied
// to the channel session, not to a single escalation episode: after completion
// the same row is reset to bot status when the customer writes again.
type Conversation struct {
	ID            string
	SessionToken  string
	PhoneNumberID string
	FromNumber    string
	Status        ConversationStatus
	AssignedAgent string // empty unless Status == assigned
	IsEscalated   bool
	LastActivity  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one append-only entry in a conversation's transcript.
type Message struct {
	ID             string
	ConversationID string
	Sender         string // "user", "bot", "agent", "system"
	AgentID        string // set when Sender == "agent"
	Text           string
	Attachment     string // optional reference to an uploaded media object
	Metadata       map[string]string
	CreatedAt      time.Time
}

// QueueItem is the escalation-queue entry of a waiting conversation.
// At most one live entry exists per conversation.
type QueueItem struct {
	ConversationID string
	PhoneNumberID  string
	FromNumber     string
	StartTime      time.Time
	Priority       int // higher is more urgent
	Tags           []string
	AssignedAgent  string // set transiently while an assignment is in flight
	Metadata       map[string]string
}

// Store defines the persistence contract for the lifecycle core.
// Each single-entity write is atomic. The composite methods bundle the
// multi-entity transitions into one transaction so a crash can never leave a
// queue row without its matching conversation/agent update.
type Store interface {
	// Startup rehydration
	LoadAgents(ctx context.Context) ([]*Agent, error)
	LoadConversations(ctx context.Context) ([]*Conversation, error)
	LoadQueue(ctx context.Context) ([]*QueueItem, error)

	// Single-entity reads and writes
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveAgent(ctx context.Context, agent *Agent) error
	SaveConversation(ctx context.Context, conv *Conversation) error
	UpsertQueueItem(ctx context.Context, item *QueueItem) error
	DeleteQueueItem(ctx context.Context, conversationID string) error
	AppendMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Composite transactional writes
	// SaveAssignment persists a waiting -> assigned transition: updates the
	// conversation and the agent and removes the queue entry, all-or-nothing.
	SaveAssignment(ctx context.Context, conv *Conversation, agent *Agent) error
	// SaveRelease persists leaving the assigned (or waiting) state: updates
	// the conversation, optionally the agent, and removes any queue entry.
	SaveRelease(ctx context.Context, conv *Conversation, agent *Agent) error

	// Close releases any resources held by the store
	Close() error
}
