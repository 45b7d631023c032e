// ABOUTME: Timer-driven transitions: waiting notice, redirect-to-bot, inactivity sweep.
// ABOUTME: Stage callbacks return errors so the scheduler re-arms with backoff.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/scheduler"
	"github.com/2389/handoff-gateway/internal/store"
)

const stageOpTimeout = 30 * time.Second

// onStage is the scheduler's fire callback. Stage checks run under the
// conversation lock; a conversation that already left the waiting/assigned
// states makes the firing a silent no-op.
func (c *Coordinator) onStage(conversationID string, stage scheduler.Stage) error {
	ctx, cancel := context.WithTimeout(context.Background(), stageOpTimeout)
	defer cancel()

	switch stage {
	case scheduler.StageWaiting:
		return c.fireWaiting(ctx, conversationID)
	case scheduler.StageRedirect:
		freed, err := c.fireRedirect(ctx, conversationID)
		if err != nil {
			return err
		}
		if freed {
			c.tryMatch(ctx)
		}
		return nil
	}
	return nil
}

// fireWaiting sends the "still waiting" notice. The conversation state does
// not change; the stage-2 timer keeps running.
func (c *Coordinator) fireWaiting(ctx context.Context, conversationID string) error {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status != store.StatusWaiting && conv.Status != store.StatusAssigned {
		return nil
	}

	if err := c.users.SendToUser(ctx, conv.PhoneNumberID, conv.FromNumber, c.cfg.WaitingMessage); err != nil {
		return fmt.Errorf("sending waiting notice: %w", err)
	}
	c.appendSystem(ctx, conversationID, c.cfg.WaitingMessage)

	c.logger.Info("waiting notice sent", "conversation_id", conversationID)
	return nil
}

// fireRedirect hands the conversation back to the bot after the full redirect
// window passed without agent activity. Returns true when agent capacity was
// freed and a match cycle should run.
func (c *Coordinator) fireRedirect(ctx context.Context, conversationID string) (bool, error) {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if conv.Status != store.StatusWaiting && conv.Status != store.StatusAssigned {
		return false, nil
	}

	if err := c.users.SendToUser(ctx, conv.PhoneNumberID, conv.FromNumber, c.cfg.RedirectMessage); err != nil {
		return false, fmt.Errorf("sending redirect notice: %w", err)
	}
	if err := c.bot.SendToBot(ctx, conversationID, conv.FromNumber, c.cfg.BotMenuTrigger); err != nil {
		return false, fmt.Errorf("triggering bot menu: %w", err)
	}

	now := c.clock.Now()
	assignee := conv.AssignedAgent

	var agentRec *store.Agent
	if assignee != "" {
		if a, err := c.registry.Get(assignee); err == nil {
			agentRec = a
			agentRec.LastActivity = now
		}
	}

	updated := *conv
	updated.Status = store.StatusBot
	updated.AssignedAgent = ""
	updated.IsEscalated = false
	updated.LastActivity = now

	if err := c.store.SaveRelease(ctx, &updated, agentRec); err != nil {
		return false, fmt.Errorf("persisting redirect: %w", err)
	}

	if assignee != "" {
		c.registry.Release(assignee, conversationID, now)
	}
	c.queue.Remove(conversationID)
	c.sched.Cancel(conversationID)
	c.dropSnapshot(conversationID)

	c.publish(ctx, events.KeyRedirected, events.ConversationRedirectedV1{
		ConversationID: conversationID,
		AgentID:        assignee,
		At:             now,
	})
	c.appendSystem(ctx, conversationID, "no agent response, returned to bot")

	c.logger.Info("conversation redirected to bot",
		"conversation_id", conversationID, "agent_id", assignee)
	return assignee != "", nil
}

// SweepInactive force-completes conversations with no activity past the
// inactivity window. It is the safety net for timer chains lost to a crash
// and for customers who simply stopped replying.
func (c *Coordinator) SweepInactive(ctx context.Context) {
	convs, err := c.store.LoadConversations(ctx)
	if err != nil {
		c.logger.Error("loading conversations for sweep", "error", err)
		return
	}

	cutoff := c.clock.Now().Add(-c.cfg.InactivityTimeout)
	swept := 0
	for _, conv := range convs {
		if conv.LastActivity.After(cutoff) {
			continue
		}
		if err := c.sweepOne(ctx, conv.ID, cutoff); err != nil {
			c.logger.Error("sweeping conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		c.logger.Info("inactivity sweep completed", "swept", swept)
		c.tryMatch(ctx)
	}
}

func (c *Coordinator) sweepOne(ctx context.Context, conversationID string, cutoff time.Time) error {
	unlock := c.lockConv(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// Re-check under the lock: activity may have arrived since the scan.
	if conv.Status == store.StatusCompleted || conv.LastActivity.After(cutoff) {
		return nil
	}

	now := c.clock.Now()
	assignee := conv.AssignedAgent

	var agentRec *store.Agent
	if assignee != "" {
		if a, err := c.registry.Get(assignee); err == nil {
			agentRec = a
		}
	}

	updated := *conv
	updated.Status = store.StatusCompleted
	updated.AssignedAgent = ""

	if err := c.store.SaveRelease(ctx, &updated, agentRec); err != nil {
		return fmt.Errorf("persisting sweep close: %w", err)
	}

	if assignee != "" {
		c.registry.Release(assignee, conversationID, now)
	}
	c.queue.Remove(conversationID)
	c.sched.Cancel(conversationID)
	c.dropSnapshot(conversationID)

	c.publish(ctx, events.KeyCompleted, events.ConversationCompletedV1{
		ConversationID: conversationID,
		AgentID:        assignee,
		Reason:         ReasonInactivity,
		At:             now,
	})

	c.logger.Info("inactive conversation completed", "conversation_id", conversationID)
	return nil
}
