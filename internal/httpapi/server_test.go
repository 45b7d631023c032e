// ABOUTME: Tests for the HTTP API handlers.
// ABOUTME: Exercises auth, webhook dedupe and the agent operations end to end.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/agent"
	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/queue"
	"github.com/2389/handoff-gateway/internal/scheduler"
	"github.com/2389/handoff-gateway/internal/store"
)

type nopUserSender struct{}

func (nopUserSender) SendToUser(ctx context.Context, phoneNumberID, to, text string) error {
	return nil
}

type nopBotSender struct{}

func (nopBotSender) SendToBot(ctx context.Context, conversationID, from, text string) error {
	return nil
}

type apiHarness struct {
	srv      *httptest.Server
	st       *store.MockStore
	verifier *auth.JWTVerifier
}

func newAPIHarness(t *testing.T, seed func(st *store.MockStore)) *apiHarness {
	t.Helper()

	st := store.NewMockStore()
	if seed != nil {
		seed(st)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := scheduler.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	coord := lifecycle.New(st, agent.NewRegistry(logger), queue.New(logger), clock,
		nopUserSender{}, nopBotSender{}, events.NopPublisher{},
		lifecycle.Config{
			ResponseTimeout:           30 * time.Second,
			RedirectTimeoutMultiplier: 2,
			InactivityTimeout:         24 * time.Hour,
			CleanupInterval:           time.Hour,
			DefaultPriority:           1,
			TagPriorities:             map[string]int{"vip": 10},
			WaitingMessage:            "waiting",
			RedirectMessage:           "redirect",
			BotMenuTrigger:            "menu",
		}, logger)
	require.NoError(t, coord.Rehydrate(context.Background()))
	t.Cleanup(coord.Close)

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	api := NewServer(coord, st, verifier, dedupe.New(time.Minute, 100), time.Hour, logger)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, st: st, verifier: verifier}
}

func (h *apiHarness) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *apiHarness) token(t *testing.T, agentID, role string) string {
	t.Helper()
	token, err := h.verifier.Generate(agentID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func seedOnlineAgent(t *testing.T, st *store.MockStore, id, secret string) {
	t.Helper()
	hash, err := auth.HashCredential(secret)
	require.NoError(t, err)
	require.NoError(t, st.SaveAgent(context.Background(), &store.Agent{
		ID:             id,
		Name:           "Agent " + id,
		CredentialHash: hash,
		Status:         store.AgentOnline,
		MaxConcurrent:  2,
		Role:           "agent",
	}))
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestWebhook_CreatesConversation(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{
		MessageID:     "wamid.1",
		PhoneNumberID: "555001",
		From:          "+5511999990000",
		Text:          "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "555001:+5511999990000", body["conversation_id"])
	assert.Equal(t, "bot", body["status"])
}

func TestWebhook_DuplicateDeliveryDropped(t *testing.T) {
	h := newAPIHarness(t, nil)

	msg := WebhookMessage{
		MessageID:     "wamid.dup",
		PhoneNumberID: "555001",
		From:          "+5511999990000",
		Text:          "hi",
	}
	resp := h.request(t, http.MethodPost, "/webhook/message", "", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/webhook/message", "", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decodeBody(t, resp)["status"])

	msgs, err := h.st.GetConversationMessages(context.Background(), "555001:+5511999990000", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWebhook_RedeliveryAfterFailureIsProcessed(t *testing.T) {
	h := newAPIHarness(t, nil)

	msg := WebhookMessage{
		MessageID:     "wamid.retry",
		PhoneNumberID: "555001",
		From:          "+5511999990000",
		Text:          "hi",
	}

	h.st.FailWrites = true
	resp := h.request(t, http.MethodPost, "/webhook/message", "", msg)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The channel redelivers under the same message ID once the store
	// recovers; the failed attempt must not count as seen.
	h.st.FailWrites = false
	resp = h.request(t, http.MethodPost, "/webhook/message", "", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "555001:+5511999990000", decodeBody(t, resp)["conversation_id"])

	msgs, err := h.st.GetConversationMessages(context.Background(), "555001:+5511999990000", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	resp = h.request(t, http.MethodPost, "/webhook/message", "", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decodeBody(t, resp)["status"])
}

func TestWebhook_MissingFields(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{Text: "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "a1", "s3cret")
	})

	resp := h.request(t, http.MethodPost, "/api/login", "", loginRequest{AgentID: "a1", Secret: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decodeBody(t, resp)["token"].(string)
	require.NotEmpty(t, token)

	resp = h.request(t, http.MethodGet, "/api/agents/a1/load", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_BadSecret(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "a1", "s3cret")
	})

	resp := h.request(t, http.MethodPost, "/api/login", "", loginRequest{AgentID: "a1", Secret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_MissingToken(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.request(t, http.MethodGet, "/api/queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_AgentCannotActForAnother(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "a1", "x")
		seedOnlineAgent(t, st, "a2", "x")
	})

	resp := h.request(t, http.MethodPost, "/api/agents/a2/status",
		h.token(t, "a1", "agent"), agentStatusRequest{Status: "away"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/agents/a2/status",
		h.token(t, "a1", "supervisor"), agentStatusRequest{Status: "away"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentStatus_Invalid(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "a1", "x")
	})

	resp := h.request(t, http.MethodPost, "/api/agents/a1/status",
		h.token(t, "a1", "agent"), agentStatusRequest{Status: "sleeping"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscalateAndQueue(t *testing.T) {
	h := newAPIHarness(t, nil)
	token := h.token(t, "sup", "supervisor")

	// Seed the conversation through the webhook, then escalate it.
	resp := h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{
		PhoneNumberID: "555001", From: "+5511999990000", Text: "I need a human",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/conversations/555001:+5511999990000/escalate",
		token, escalateRequest{Reason: "user request", Tags: []string{"vip"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/api/queue", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["depth"])
	items := body["queue"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "555001:+5511999990000", first["conversation_id"])
	assert.Equal(t, float64(10), first["priority"])
}

func TestEscalate_BotServiceCredential(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "bot-service", "b0t")
	})

	// The bot escalates on the user's behalf using its provisioned
	// credential, exchanged for a token like any agent.
	resp := h.request(t, http.MethodPost, "/api/login", "",
		loginRequest{AgentID: "bot-service", Secret: "b0t"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decodeBody(t, resp)["token"].(string)

	resp = h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{
		PhoneNumberID: "555001", From: "+5511999990000", Text: "talk to a human",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/conversations/555001:+5511999990000/escalate",
		token, escalateRequest{Reason: "user request"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEscalate_UnknownConversation(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.request(t, http.MethodPost, "/api/conversations/nope/escalate",
		h.token(t, "sup", "supervisor"), escalateRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentMessageAndClose(t *testing.T) {
	h := newAPIHarness(t, func(st *store.MockStore) {
		seedOnlineAgent(t, st, "a1", "x")
		seedOnlineAgent(t, st, "a2", "x")
	})
	// The registry only knows agents present at rehydrate time, which the
	// harness seeds before construction.

	resp := h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{
		PhoneNumberID: "555001", From: "+5511999990000", Text: "help",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	convID := "555001:+5511999990000"
	resp = h.request(t, http.MethodPost, "/api/conversations/"+convID+"/escalate",
		h.token(t, "sup", "supervisor"), escalateRequest{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conv, err := h.st.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAssigned, conv.Status)
	assignee := conv.AssignedAgent
	other := "a1"
	if assignee == "a1" {
		other = "a2"
	}

	// Wrong agent gets a conflict, assignee succeeds.
	resp = h.request(t, http.MethodPost, "/api/agents/"+other+"/message",
		h.token(t, other, "agent"), agentMessageRequest{ConversationID: convID, Text: "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/agents/"+assignee+"/message",
		h.token(t, assignee, "agent"), agentMessageRequest{ConversationID: convID, Text: "hello!"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Transcript shows user, system and agent entries.
	resp = h.request(t, http.MethodGet, "/api/conversations/"+convID+"/messages",
		h.token(t, assignee, "agent"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody(t, resp)["messages"].([]any)
	assert.GreaterOrEqual(t, len(msgs), 2)

	// Close by the wrong agent is forbidden, by the assignee completes.
	resp = h.request(t, http.MethodPost, "/api/conversations/"+convID+"/close",
		h.token(t, other, "agent"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/conversations/"+convID+"/close",
		h.token(t, assignee, "agent"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conv, err = h.st.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, conv.Status)
}

func TestClose_NotAssignedConflict(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.request(t, http.MethodPost, "/webhook/message", "", WebhookMessage{
		PhoneNumberID: "555001", From: "+5511999990000", Text: "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/conversations/555001:+5511999990000/close",
		h.token(t, "sup", "supervisor"), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
