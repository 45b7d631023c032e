// ABOUTME: Tests for the WhatsApp and bot HTTP senders.
// ABOUTME: Uses httptest servers to verify request shape and error handling.

package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWhatsAppSender_SendToUser(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWhatsAppSender("secret-token", "v20.0", testLogger())
	s.SetBaseURL(srv.URL)

	err := s.SendToUser(context.Background(), "123456", "+5511999990000", "hello there")
	require.NoError(t, err)

	assert.Equal(t, "/v20.0/123456/messages", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "whatsapp", gotBody["messaging_product"])
	assert.Equal(t, "+5511999990000", gotBody["to"])
	text := gotBody["text"].(map[string]any)
	assert.Equal(t, "hello there", text["body"])
}

func TestWhatsAppSender_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewWhatsAppSender("bad", "v20.0", testLogger())
	s.SetBaseURL(srv.URL)

	err := s.SendToUser(context.Background(), "123456", "+5511999990000", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestHTTPBotSender_SendToBot(t *testing.T) {
	var gotBody botMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPBotSender(srv.URL, testLogger())
	err := s.SendToBot(context.Background(), "conv-1", "+5511999990000", "menu")
	require.NoError(t, err)

	assert.Equal(t, "conv-1", gotBody.ConversationID)
	assert.Equal(t, "+5511999990000", gotBody.From)
	assert.Equal(t, "menu", gotBody.Text)
}

func TestHTTPBotSender_BotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPBotSender(srv.URL, testLogger())
	err := s.SendToBot(context.Background(), "conv-1", "+5511999990000", "menu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}
