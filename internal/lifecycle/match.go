// ABOUTME: Assignment match cycle pairing queued conversations with agents.
// ABOUTME: Highest priority then FIFO; agent with most remaining capacity wins.

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// tryMatch drains the queue while both sides can pair: it takes the best
// queue entry and the best candidate agent, persists the assignment, then
// updates the projections. A persistence failure stops the cycle; the next
// trigger retries. Callers must not hold a conversation lock.
func (c *Coordinator) tryMatch(ctx context.Context) {
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	for {
		item := c.queue.Next()
		if item == nil {
			return
		}
		cands := c.registry.Candidates()
		if len(cands) == 0 {
			return
		}

		ok, err := c.assign(ctx, item, cands[0].Agent)
		if err != nil {
			c.logger.Error("assignment failed, deferring match cycle",
				"conversation_id", item.ConversationID,
				"agent_id", cands[0].Agent.ID,
				"error", err,
			)
			return
		}
		if !ok {
			// Stale entry was dropped, keep draining.
			continue
		}
	}
}

// assign persists one waiting -> assigned transition and applies it to the
// in-memory projections. Returns false without error when the queue entry
// turned out to be stale.
func (c *Coordinator) assign(ctx context.Context, item *store.QueueItem, agentRec store.Agent) (bool, error) {
	unlock := c.lockConv(item.ConversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, item.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		c.queue.Remove(item.ConversationID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Status != store.StatusWaiting {
		c.queue.Remove(item.ConversationID)
		return false, nil
	}

	now := c.clock.Now()

	updated := *conv
	updated.Status = store.StatusAssigned
	updated.AssignedAgent = agentRec.ID
	updated.LastActivity = now

	agentRow := agentRec
	agentRow.LastActivity = now

	if err := c.store.SaveAssignment(ctx, &updated, &agentRow); err != nil {
		return false, fmt.Errorf("persisting assignment: %w", err)
	}

	if _, err := c.registry.Assign(agentRec.ID, conv.ID, now); err != nil {
		// Candidates and Assign both run under matchMu; concurrent ops only
		// shrink load, so this indicates a projection bug.
		c.logger.Error("registry rejected persisted assignment",
			"conversation_id", conv.ID, "agent_id", agentRec.ID, "error", err)
	}
	c.queue.Remove(conv.ID)
	c.saveSnapshot(item)

	// Restart the chain: the agent now has the full response window.
	c.sched.Arm(conv.ID)

	c.publish(ctx, events.KeyAssigned, events.ConversationAssignedV1{
		ConversationID: conv.ID,
		AgentID:        agentRec.ID,
		Waited:         now.Sub(item.StartTime).String(),
		At:             now,
	})
	c.appendSystem(ctx, conv.ID, "assigned to agent "+agentRec.Name)

	c.logger.Info("conversation assigned",
		"conversation_id", conv.ID,
		"agent_id", agentRec.ID,
		"waited", now.Sub(item.StartTime),
	)
	return true, nil
}
