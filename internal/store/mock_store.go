// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrMockFailure is returned by a MockStore whose FailWrites flag is set.
var ErrMockFailure = errors.New("mock store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	conversations map[string]*Conversation
	queue         map[string]*QueueItem
	messages      map[string][]*Message // keyed by conversationID

	// FailWrites makes every mutating call return ErrMockFailure without
	// touching state. Used to exercise the persistence-failure paths.
	FailWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		queue:         make(map[string]*QueueItem),
		messages:      make(map[string][]*Message),
	}
}

func (m *MockStore) LoadAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		copied := *a
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (m *MockStore) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if c.Status == StatusCompleted {
			continue
		}
		copied := *c
		convs = append(convs, &copied)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, nil
}

func (m *MockStore) LoadQueue(ctx context.Context) ([]*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*QueueItem, 0, len(m.queue))
	for _, item := range m.queue {
		copied := *item
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})
	return items, nil
}

func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *MockStore) SaveAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	copied := *agent
	m.agents[copied.ID] = &copied
	return nil
}

func (m *MockStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	copied := *conv
	m.conversations[copied.ID] = &copied
	return nil
}

func (m *MockStore) UpsertQueueItem(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	copied := *item
	m.queue[copied.ConversationID] = &copied
	return nil
}

func (m *MockStore) DeleteQueueItem(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	delete(m.queue, conversationID)
	return nil
}

func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	copied := *msg
	m.messages[copied.ConversationID] = append(m.messages[copied.ConversationID], &copied)
	return nil
}

func (m *MockStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MockStore) SaveAssignment(ctx context.Context, conv *Conversation, agent *Agent) error {
	return m.applyTransition(conv, agent)
}

func (m *MockStore) SaveRelease(ctx context.Context, conv *Conversation, agent *Agent) error {
	return m.applyTransition(conv, agent)
}

// applyTransition mirrors the SQLite composite write: all-or-nothing under one lock.
func (m *MockStore) applyTransition(conv *Conversation, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}

	copiedConv := *conv
	m.conversations[copiedConv.ID] = &copiedConv
	if agent != nil {
		copiedAgent := *agent
		m.agents[copiedAgent.ID] = &copiedAgent
	}
	delete(m.queue, conv.ID)
	return nil
}

// QueueLen reports the number of live queue entries. Test helper.
func (m *MockStore) QueueLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
