// ABOUTME: Lifecycle coordinator owning the bot/waiting/assigned/completed state machine.
// ABOUTME: Serializes transitions per conversation and keeps store, queue and registry consistent.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/agent"
	"github.com/2389/handoff-gateway/internal/channel"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/queue"
	"github.com/2389/handoff-gateway/internal/scheduler"
	"github.com/2389/handoff-gateway/internal/store"
)

// Transition errors. Invalid transitions leave every entity untouched.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotAssigned       = errors.New("conversation not assigned to this agent")
)

// Completion reasons recorded on the completed event.
const (
	ReasonAgentClose = "agent_close"
	ReasonInactivity = "inactivity"
)

// Config carries the routing behavior knobs the coordinator needs.
type Config struct {
	ResponseTimeout           time.Duration
	RedirectTimeoutMultiplier int
	InactivityTimeout         time.Duration
	CleanupInterval           time.Duration
	DefaultPriority           int
	TagPriorities             map[string]int
	WaitingMessage            string
	RedirectMessage           string
	BotMenuTrigger            string
}

// Coordinator routes conversations between the bot and human agents. All
// state transitions flow through it: it serializes work per conversation,
// persists before mutating in-memory projections, and arms the two-stage
// response timers.
type Coordinator struct {
	store    store.Store
	registry *agent.Registry
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	clock    scheduler.Clock
	users    channel.UserSender
	bot      channel.BotSender
	pub      events.Publisher
	cfg      Config
	logger   *slog.Logger

	// matchMu serializes match cycles so two triggers cannot hand the same
	// queue entry or the same capacity slot to different agents.
	matchMu sync.Mutex

	locksMu   sync.Mutex
	convLocks map[string]*sync.Mutex

	// lastQueue remembers the queue entry consumed by each live assignment so
	// an agent going offline can re-enqueue with the original priority.
	snapMu    sync.Mutex
	lastQueue map[string]*store.QueueItem
}

// New builds a coordinator. Call Rehydrate before serving traffic and Start
// to begin the inactivity sweep.
func New(st store.Store, reg *agent.Registry, q *queue.Queue, clock scheduler.Clock,
	users channel.UserSender, bot channel.BotSender, pub events.Publisher,
	cfg Config, logger *slog.Logger) *Coordinator {

	c := &Coordinator{
		store:     st,
		registry:  reg,
		queue:     q,
		clock:     clock,
		users:     users,
		bot:       bot,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With("component", "lifecycle"),
		convLocks: make(map[string]*sync.Mutex),
		lastQueue: make(map[string]*store.QueueItem),
	}
	c.sched = scheduler.New(clock, cfg.ResponseTimeout, cfg.RedirectTimeoutMultiplier, c.onStage, logger)
	return c
}

// ConversationKey derives the conversation identity from the channel
// addressing pair. One customer number on one business number is one
// conversation for its whole lifetime.
func ConversationKey(phoneNumberID, fromNumber string) string {
	return phoneNumberID + ":" + fromNumber
}

// lockConv acquires the per-conversation mutex and returns its unlock func.
func (c *Coordinator) lockConv(id string) func() {
	c.locksMu.Lock()
	l, ok := c.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.convLocks[id] = l
	}
	c.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Rehydrate rebuilds all in-memory state from the store after a restart:
// the agent registry's active sets, the escalation queue, and the timer
// chains of every waiting or assigned conversation. Queue rows are
// reconciled against conversation status so a crash mid-transition cannot
// leave the two out of step.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	agents, err := c.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	convs, err := c.store.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	items, err := c.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}

	c.registry.Rehydrate(agents, convs)

	byID := make(map[string]*store.Conversation, len(convs))
	for _, conv := range convs {
		byID[conv.ID] = conv
	}

	queued := make(map[string]bool, len(items))
	keep := make([]*store.QueueItem, 0, len(items))
	for _, item := range items {
		conv, ok := byID[item.ConversationID]
		if !ok || conv.Status != store.StatusWaiting {
			c.logger.Warn("dropping orphaned queue entry",
				"conversation_id", item.ConversationID)
			if err := c.store.DeleteQueueItem(ctx, item.ConversationID); err != nil {
				c.logger.Error("deleting orphaned queue entry", "error", err)
			}
			continue
		}
		queued[item.ConversationID] = true
		keep = append(keep, item)
	}

	// The reverse hole: waiting conversation with no queue row.
	for _, conv := range convs {
		if conv.Status != store.StatusWaiting || queued[conv.ID] {
			continue
		}
		c.logger.Warn("restoring missing queue entry", "conversation_id", conv.ID)
		item := &store.QueueItem{
			ConversationID: conv.ID,
			PhoneNumberID:  conv.PhoneNumberID,
			FromNumber:     conv.FromNumber,
			StartTime:      conv.LastActivity,
			Priority:       c.cfg.DefaultPriority,
		}
		if err := c.store.UpsertQueueItem(ctx, item); err != nil {
			return fmt.Errorf("restoring queue entry for %s: %w", conv.ID, err)
		}
		keep = append(keep, item)
	}

	c.queue.Rehydrate(keep)

	for _, conv := range convs {
		if conv.Status == store.StatusWaiting || conv.Status == store.StatusAssigned {
			c.sched.Arm(conv.ID)
		}
	}

	c.logger.Info("rehydrated",
		"agents", len(agents),
		"conversations", len(convs),
		"queued", c.queue.Len(),
	)

	c.tryMatch(ctx)
	return nil
}

// Start begins the periodic inactivity sweep.
func (c *Coordinator) Start() {
	c.sched.StartSweep(c.cfg.CleanupInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.SweepInactive(ctx)
	})
}

// Close stops all timers. The store is closed by the caller.
func (c *Coordinator) Close() {
	c.sched.Close()
}

// OnUserMessage records an inbound customer message, creating or reopening
// the conversation as needed, and forwards it to the bot when the bot owns
// the conversation. User messages never cancel the response timers; only
// agent activity does.
func (c *Coordinator) OnUserMessage(ctx context.Context, phoneNumberID, fromNumber, text string) (*store.Conversation, error) {
	id := ConversationKey(phoneNumberID, fromNumber)
	unlock := c.lockConv(id)
	defer unlock()

	now := c.clock.Now()

	conv, err := c.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		conv = &store.Conversation{
			ID:            id,
			SessionToken:  uuid.NewString(),
			PhoneNumberID: phoneNumberID,
			FromNumber:    fromNumber,
			Status:        store.StatusBot,
			CreatedAt:     now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	updated := *conv
	if updated.Status == store.StatusCompleted {
		// A completed conversation reopens under bot control with a fresh session.
		updated.Status = store.StatusBot
		updated.AssignedAgent = ""
		updated.IsEscalated = false
		updated.SessionToken = uuid.NewString()
	}
	updated.LastActivity = now

	if err := c.store.SaveConversation(ctx, &updated); err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}

	if err := c.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		Sender:         store.SenderUser,
		Text:           text,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	if updated.Status == store.StatusBot {
		if err := c.bot.SendToBot(ctx, id, fromNumber, text); err != nil {
			return nil, fmt.Errorf("forwarding to bot: %w", err)
		}
	}

	return &updated, nil
}

// OnAgentMessage delivers an agent reply to the customer, records it, and
// cancels the conversation's timer chain.
func (c *Coordinator) OnAgentMessage(ctx context.Context, agentID, conversationID, text string) error {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != store.StatusAssigned || conv.AssignedAgent != agentID {
		c.logger.Warn("agent message for conversation not assigned to them",
			"conversation_id", conversationID, "agent_id", agentID, "status", conv.Status)
		return ErrNotAssigned
	}

	now := c.clock.Now()

	if err := c.users.SendToUser(ctx, conv.PhoneNumberID, conv.FromNumber, text); err != nil {
		return fmt.Errorf("delivering agent message: %w", err)
	}

	updated := *conv
	updated.LastActivity = now
	if err := c.store.SaveConversation(ctx, &updated); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}

	if err := c.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         store.SenderAgent,
		AgentID:        agentID,
		Text:           text,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	if agentRec, err := c.registry.Touch(agentID, now); err == nil {
		if err := c.store.SaveAgent(ctx, agentRec); err != nil {
			c.logger.Error("persisting agent activity", "agent_id", agentID, "error", err)
		}
	}

	c.sched.Cancel(conversationID)
	return nil
}

// Escalate moves a bot conversation into the waiting queue. Escalating a
// conversation that is already waiting or assigned is an idempotent no-op
// preserving the original queue position.
func (c *Coordinator) Escalate(ctx context.Context, conversationID, reason string, tags []string) error {
	escalated, err := c.escalate(ctx, conversationID, reason, tags)
	if err != nil {
		return err
	}
	if escalated {
		c.tryMatch(ctx)
	}
	return nil
}

func (c *Coordinator) escalate(ctx context.Context, conversationID, reason string, tags []string) (bool, error) {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}

	switch conv.Status {
	case store.StatusWaiting, store.StatusAssigned:
		c.logger.Debug("escalation of already-escalated conversation ignored",
			"conversation_id", conversationID, "status", conv.Status)
		return false, nil
	case store.StatusCompleted:
		return false, fmt.Errorf("%w: completed conversation cannot be escalated", ErrInvalidTransition)
	}

	now := c.clock.Now()
	priority := c.cfg.DefaultPriority
	for _, tag := range tags {
		if p, ok := c.cfg.TagPriorities[tag]; ok && p > priority {
			priority = p
		}
	}

	item := &store.QueueItem{
		ConversationID: conversationID,
		PhoneNumberID:  conv.PhoneNumberID,
		FromNumber:     conv.FromNumber,
		StartTime:      now,
		Priority:       priority,
		Tags:           tags,
	}
	if reason != "" {
		item.Metadata = map[string]string{"reason": reason}
	}

	updated := *conv
	updated.Status = store.StatusWaiting
	updated.IsEscalated = true
	updated.LastActivity = now

	if err := c.store.UpsertQueueItem(ctx, item); err != nil {
		return false, fmt.Errorf("persisting queue entry: %w", err)
	}
	if err := c.store.SaveConversation(ctx, &updated); err != nil {
		// Roll back so the queue never holds a non-waiting conversation.
		if derr := c.store.DeleteQueueItem(ctx, conversationID); derr != nil {
			c.logger.Error("rolling back queue entry", "conversation_id", conversationID, "error", derr)
		}
		return false, fmt.Errorf("saving conversation: %w", err)
	}

	c.queue.Enqueue(item)
	c.sched.Arm(conversationID)

	c.publish(ctx, events.KeyEscalated, events.ConversationEscalatedV1{
		ConversationID: conversationID,
		FromNumber:     conv.FromNumber,
		Priority:       priority,
		Tags:           tags,
		Reason:         reason,
		At:             now,
	})
	c.appendSystem(ctx, conversationID, "conversation escalated to human support")

	c.logger.Info("conversation escalated",
		"conversation_id", conversationID, "priority", priority, "tags", tags)
	return true, nil
}

// OnAgentStatusChange updates an agent's availability. Going online triggers
// a match cycle; going offline re-enqueues the agent's active conversations
// at their original priority.
func (c *Coordinator) OnAgentStatusChange(ctx context.Context, agentID string, status store.AgentStatus) error {
	prev, err := c.registryAgent(ctx, agentID)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	updated, err := c.registry.SetStatus(agentID, status, now)
	if err != nil {
		return err
	}
	if err := c.store.SaveAgent(ctx, updated); err != nil {
		// Restore the projection so memory tracks the durable row.
		if _, rerr := c.registry.SetStatus(agentID, prev.Status, prev.LastActivity); rerr != nil {
			c.logger.Error("restoring agent status", "agent_id", agentID, "error", rerr)
		}
		return fmt.Errorf("saving agent: %w", err)
	}

	c.logger.Info("agent status changed", "agent_id", agentID, "from", prev.Status, "to", status)

	switch status {
	case store.AgentOffline:
		c.requeueAgentConversations(ctx, agentID)
		c.tryMatch(ctx)
	case store.AgentOnline:
		c.tryMatch(ctx)
	}
	return nil
}

// registryAgent resolves an agent through the in-memory registry, adopting
// the durable row for agents provisioned after the last rehydrate.
func (c *Coordinator) registryAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	a, err := c.registry.Get(agentID)
	if err == nil {
		return a, nil
	}

	row, serr := c.store.GetAgent(ctx, agentID)
	if serr != nil {
		return nil, err
	}
	c.registry.Upsert(row)
	c.logger.Info("agent adopted from store", "agent_id", agentID)
	return c.registry.Get(agentID)
}

// requeueAgentConversations returns an offline agent's assigned conversations
// to the queue, preserving the priority and arrival time of the original
// escalation when known.
func (c *Coordinator) requeueAgentConversations(ctx context.Context, agentID string) {
	ids, err := c.registry.ActiveConversations(agentID)
	if err != nil || len(ids) == 0 {
		return
	}

	now := c.clock.Now()
	for _, id := range ids {
		if err := c.requeueOne(ctx, id, agentID, now); err != nil {
			c.logger.Error("re-enqueueing conversation from offline agent",
				"conversation_id", id, "agent_id", agentID, "error", err)
		}
	}
}

func (c *Coordinator) requeueOne(ctx context.Context, conversationID, agentID string, now time.Time) error {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != store.StatusAssigned || conv.AssignedAgent != agentID {
		return nil
	}

	item := c.takeSnapshot(conversationID)
	if item == nil {
		item = &store.QueueItem{
			ConversationID: conversationID,
			PhoneNumberID:  conv.PhoneNumberID,
			FromNumber:     conv.FromNumber,
			StartTime:      now,
			Priority:       c.cfg.DefaultPriority,
		}
	}
	item.AssignedAgent = ""

	updated := *conv
	updated.Status = store.StatusWaiting
	updated.AssignedAgent = ""

	if err := c.store.UpsertQueueItem(ctx, item); err != nil {
		return fmt.Errorf("persisting queue entry: %w", err)
	}
	if err := c.store.SaveConversation(ctx, &updated); err != nil {
		if derr := c.store.DeleteQueueItem(ctx, conversationID); derr != nil {
			c.logger.Error("rolling back queue entry", "conversation_id", conversationID, "error", derr)
		}
		return fmt.Errorf("saving conversation: %w", err)
	}

	c.registry.Release(agentID, conversationID, now)
	c.queue.Enqueue(item)
	c.sched.Arm(conversationID)

	c.publish(ctx, events.KeyEscalated, events.ConversationEscalatedV1{
		ConversationID: conversationID,
		FromNumber:     conv.FromNumber,
		Priority:       item.Priority,
		Tags:           item.Tags,
		Reason:         "agent_offline",
		At:             now,
	})
	c.appendSystem(ctx, conversationID, "agent went offline, returned to queue")

	c.logger.Info("conversation returned to queue",
		"conversation_id", conversationID, "agent_id", agentID)
	return nil
}

// CloseConversation completes an assigned conversation. When agentID is
// non-empty it must match the assignee; supervisors and the sweep pass an
// empty agentID for an administrative close.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID, agentID string) error {
	if err := c.closeAssigned(ctx, conversationID, agentID); err != nil {
		return err
	}
	c.tryMatch(ctx)
	return nil
}

func (c *Coordinator) closeAssigned(ctx context.Context, conversationID, agentID string) error {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != store.StatusAssigned {
		c.logger.Warn("close of non-assigned conversation ignored",
			"conversation_id", conversationID, "status", conv.Status)
		return ErrInvalidTransition
	}
	if agentID != "" && conv.AssignedAgent != agentID {
		return ErrNotAssigned
	}

	now := c.clock.Now()
	assignee := conv.AssignedAgent

	var agentRec *store.Agent
	if a, err := c.registry.Get(assignee); err == nil {
		agentRec = a
		agentRec.LastActivity = now
	}

	updated := *conv
	updated.Status = store.StatusCompleted
	updated.AssignedAgent = ""
	updated.LastActivity = now

	if err := c.store.SaveRelease(ctx, &updated, agentRec); err != nil {
		return fmt.Errorf("persisting close: %w", err)
	}

	c.registry.Release(assignee, conversationID, now)
	c.queue.Remove(conversationID)
	c.sched.Cancel(conversationID)
	c.dropSnapshot(conversationID)

	c.publish(ctx, events.KeyCompleted, events.ConversationCompletedV1{
		ConversationID: conversationID,
		AgentID:        assignee,
		Reason:         ReasonAgentClose,
		At:             now,
	})
	c.appendSystem(ctx, conversationID, "conversation closed by agent")

	c.logger.Info("conversation completed",
		"conversation_id", conversationID, "agent_id", assignee)
	return nil
}

// QueueSnapshot returns the waiting queue in assignment order.
func (c *Coordinator) QueueSnapshot() []*store.QueueItem {
	return c.queue.Snapshot()
}

// AgentLoad reports an agent's active conversation count and IDs.
func (c *Coordinator) AgentLoad(agentID string) (int, []string, error) {
	load, err := c.registry.Load(agentID)
	if err != nil {
		return 0, nil, err
	}
	active, err := c.registry.ActiveConversations(agentID)
	if err != nil {
		return 0, nil, err
	}
	return load, active, nil
}

// Messages returns the most recent transcript entries in chronological order.
func (c *Coordinator) Messages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return c.store.GetConversationMessages(ctx, conversationID, limit)
}

func (c *Coordinator) saveSnapshot(item *store.QueueItem) {
	cp := *item
	c.snapMu.Lock()
	c.lastQueue[item.ConversationID] = &cp
	c.snapMu.Unlock()
}

func (c *Coordinator) takeSnapshot(conversationID string) *store.QueueItem {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	item, ok := c.lastQueue[conversationID]
	if !ok {
		return nil
	}
	delete(c.lastQueue, conversationID)
	cp := *item
	return &cp
}

func (c *Coordinator) dropSnapshot(conversationID string) {
	c.snapMu.Lock()
	delete(c.lastQueue, conversationID)
	c.snapMu.Unlock()
}

// publish sends a lifecycle event. Publishing is advisory and never fails a
// transition.
func (c *Coordinator) publish(ctx context.Context, key string, data any) {
	if err := c.pub.Publish(ctx, key, data); err != nil {
		c.logger.Error("publishing event", "key", key, "error", err)
	}
}

// appendSystem records a system transcript entry. Failures are logged only;
// the transcript is advisory relative to the transition itself.
func (c *Coordinator) appendSystem(ctx context.Context, conversationID, text string) {
	err := c.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         store.SenderSystem,
		Text:           text,
		CreatedAt:      c.clock.Now(),
	})
	if err != nil {
		c.logger.Error("appending system message", "conversation_id", conversationID, "error", err)
	}
}
