// ABOUTME: HTTP forwarder that hands messages to the automated bot.
// ABOUTME: Used to re-trigger the bot menu after a redirect timeout.

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPBotSender forwards messages to the bot service over HTTP.
type HTTPBotSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPBotSender(url string, logger *slog.Logger) *HTTPBotSender {
	return &HTTPBotSender{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "bot"),
	}
}

type botMessage struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	Text           string `json:"text"`
}

func (s *HTTPBotSender) SendToBot(ctx context.Context, conversationID, from, text string) error {
	body, err := json.Marshal(botMessage{
		ConversationID: conversationID,
		From:           from,
		Text:           text,
	})
	if err != nil {
		return fmt.Errorf("marshaling bot message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding to bot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bot error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	s.logger.Debug("forwarded to bot", "conversation_id", conversationID)
	return nil
}

var _ BotSender = (*HTTPBotSender)(nil)
