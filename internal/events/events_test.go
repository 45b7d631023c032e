// ABOUTME: Tests for event envelope serialization.
// ABOUTME: Ensures meta and payload shapes stay wire-stable for consumers.

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		Meta: Meta{
			ID:       "evt-1",
			Type:     KeyAssigned,
			Producer: "handoff-gateway",
			Time:     at,
		},
		Data: ConversationAssignedV1{
			ConversationID: "conv-1",
			AgentID:        "agent-1",
			Waited:         "45s",
			At:             at,
		},
	}

	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	meta := decoded["meta"].(map[string]any)
	assert.Equal(t, "evt-1", meta["id"])
	assert.Equal(t, "conversation.assigned.v1", meta["type"])
	assert.Equal(t, "handoff-gateway", meta["producer"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, "conv-1", data["conversation_id"])
	assert.Equal(t, "agent-1", data["agent_id"])
	assert.Equal(t, "45s", data["waited"])
}

func TestEnvelopeOmitsEmptyOptionalFields(t *testing.T) {
	env := Envelope{
		Meta: Meta{ID: "evt-2", Type: KeyCompleted, Time: time.Now().UTC()},
		Data: ConversationCompletedV1{
			ConversationID: "conv-2",
			Reason:         "inactivity",
			At:             time.Now().UTC(),
		},
	}

	body, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "correlation_id")
	assert.NotContains(t, string(body), `"agent_id"`)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), KeyEscalated, nil))
	assert.NoError(t, p.Close())
}
