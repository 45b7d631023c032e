// ABOUTME: HTTP API exposing the webhook, agent operations and queue inspection.
// ABOUTME: JSON request/response handlers over the lifecycle coordinator.

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/store"
)

// Server holds the HTTP handlers for the gateway API.
type Server struct {
	coord    *lifecycle.Coordinator
	store    store.Store
	verifier *auth.JWTVerifier
	seen     *dedupe.Suppressor
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewServer creates the API server. seen suppresses webhook redeliveries by
// channel message ID.
func NewServer(coord *lifecycle.Coordinator, st store.Store, verifier *auth.JWTVerifier,
	seen *dedupe.Suppressor, tokenTTL time.Duration, logger *slog.Logger) *Server {
	return &Server{
		coord:    coord,
		store:    st,
		verifier: verifier,
		seen:     seen,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "httpapi"),
	}
}

// RegisterRoutes attaches all handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/message", s.handleWebhookMessage)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	// Agent-facing routes require a bearer token
	mux.HandleFunc("POST /api/agents/{id}/message", s.requireAuth(s.handleAgentMessage))
	mux.HandleFunc("POST /api/agents/{id}/status", s.requireAuth(s.handleAgentStatus))
	mux.HandleFunc("GET /api/agents/{id}/load", s.requireAuth(s.handleAgentLoad))
	// Escalation is triggered by agents, supervisors, or the bot service;
	// the bot authenticates with a provisioned service credential
	// (provision-agent) exchanged for a token at /api/login.
	mux.HandleFunc("POST /api/conversations/{id}/escalate", s.requireAuth(s.handleEscalate))
	mux.HandleFunc("POST /api/conversations/{id}/close", s.requireAuth(s.handleClose))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.requireAuth(s.handleMessages))
	mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueue))
}

// requireAuth validates the bearer token and attaches the agent identity to
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		agentID, role, err := s.verifier.Verify(header[len(prefix):])
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.WithAgent(r.Context(), &auth.AgentContext{AgentID: agentID, Role: role})
		next(w, r.WithContext(ctx))
	}
}

// authorizeAgentPath checks that the {id} path segment matches the token
// subject. Supervisors may act on any agent.
func (s *Server) authorizeAgentPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	ac := auth.FromContext(r.Context())
	if ac == nil {
		s.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if ac.AgentID != id && !ac.IsSupervisor() {
		s.sendJSONError(w, http.StatusForbidden, "token does not match agent")
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebhookMessage is the inbound channel message payload.
type WebhookMessage struct {
	MessageID     string `json:"message_id"`
	PhoneNumberID string `json:"phone_number_id"`
	From          string `json:"from"`
	Text          string `json:"text"`
}

func (s *Server) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	var req WebhookMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PhoneNumberID == "" || req.From == "" {
		s.sendJSONError(w, http.StatusBadRequest, "phone_number_id and from are required")
		return
	}

	if req.MessageID != "" && s.seen.Seen(req.MessageID) {
		s.logger.Debug("duplicate webhook delivery dropped", "message_id", req.MessageID)
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	conv, err := s.coord.OnUserMessage(r.Context(), req.PhoneNumberID, req.From, req.Text)
	if err != nil {
		// The channel retries failed deliveries under the same message ID,
		// so only keep the ID suppressed when processing succeeded.
		if req.MessageID != "" {
			s.seen.Forget(req.MessageID)
		}
		s.logger.Error("handling webhook message", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": conv.ID,
		"status":          string(conv.Status),
	})
}

type loginRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil || agent.CredentialHash == "" {
		s.sendJSONError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	if err := auth.VerifyCredential(agent.CredentialHash, req.Secret); err != nil {
		s.sendJSONError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	token, err := s.verifier.Generate(agent.ID, agent.Role, s.tokenTTL)
	if err != nil {
		s.logger.Error("generating token", "agent_id", agent.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type agentMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.authorizeAgentPath(w, r)
	if !ok {
		return
	}

	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ConversationID == "" || req.Text == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation_id and text are required")
		return
	}

	err := s.coord.OnAgentMessage(r.Context(), agentID, req.ConversationID, req.Text)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, lifecycle.ErrNotAssigned):
		s.sendJSONError(w, http.StatusConflict, "conversation not assigned to this agent")
	case err != nil:
		s.logger.Error("handling agent message", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to send message")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

type agentStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.authorizeAgentPath(w, r)
	if !ok {
		return
	}

	var req agentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status := store.AgentStatus(req.Status)
	if !store.ValidAgentStatus(status) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}

	err := s.coord.OnAgentStatusChange(r.Context(), agentID, status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "agent not found")
	case err != nil:
		s.logger.Error("changing agent status", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to change status")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

func (s *Server) handleAgentLoad(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.authorizeAgentPath(w, r)
	if !ok {
		return
	}

	load, active, err := s.coord.AgentLoad(agentID)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":             agentID,
		"active_conversations": active,
		"load":                 load,
	})
}

type escalateRequest struct {
	Reason string   `json:"reason"`
	Tags   []string `json:"tags"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := s.coord.Escalate(r.Context(), conversationID, req.Reason, req.Tags)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		s.sendJSONError(w, http.StatusConflict, "conversation cannot be escalated")
	case err != nil:
		s.logger.Error("escalating conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to escalate")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "escalated"})
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	ac := auth.FromContext(r.Context())
	if ac == nil {
		s.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	// Supervisors close administratively; agents may only close their own.
	agentID := ac.AgentID
	if ac.IsSupervisor() {
		agentID = ""
	}

	err := s.coord.CloseConversation(r.Context(), conversationID, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, lifecycle.ErrNotAssigned):
		s.sendJSONError(w, http.StatusForbidden, "conversation assigned to another agent")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		s.sendJSONError(w, http.StatusConflict, "conversation is not assigned")
	case err != nil:
		s.logger.Error("closing conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to close")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	msgs, err := s.coord.Messages(r.Context(), conversationID, 100)
	if err != nil {
		s.logger.Error("loading messages", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	type messageView struct {
		ID        string    `json:"id"`
		Sender    string    `json:"sender"`
		AgentID   string    `json:"agent_id,omitempty"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = messageView{
			ID:        m.ID,
			Sender:    m.Sender,
			AgentID:   m.AgentID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	type queueView struct {
		ConversationID string    `json:"conversation_id"`
		Priority       int       `json:"priority"`
		Tags           []string  `json:"tags,omitempty"`
		StartTime      time.Time `json:"start_time"`
	}

	snap := s.coord.QueueSnapshot()
	out := make([]queueView, len(snap))
	for i, item := range snap {
		out[i] = queueView{
			ConversationID: item.ConversationID,
			Priority:       item.Priority,
			Tags:           item.Tags,
			StartTime:      item.StartTime,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": out, "depth": len(out)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
