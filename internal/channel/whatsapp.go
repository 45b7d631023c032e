// ABOUTME: WhatsApp Cloud API sender for outbound user messages.
// ABOUTME: Posts text messages to the Graph API using the business phone number.

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

const defaultGraphBaseURL = "https://graph.facebook.com"

// WhatsAppSender sends text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	accessToken string
	apiVersion  string
	baseURL     string
	client      *http.Client
	logger      *slog.Logger
}

// NewWhatsAppSender creates a sender with the given Cloud API credentials.
func NewWhatsAppSender(accessToken, apiVersion string, logger *slog.Logger) *WhatsAppSender {
	return &WhatsAppSender{
		accessToken: accessToken,
		apiVersion:  apiVersion,
		baseURL:     defaultGraphBaseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With("component", "whatsapp"),
	}
}

// SetBaseURL overrides the Graph API endpoint. Used in tests.
func (s *WhatsAppSender) SetBaseURL(url string) {
	s.baseURL = url
}

// SendToUser posts a text message to the recipient through the business
// phone number the conversation arrived on.
func (s *WhatsAppSender) SendToUser(ctx context.Context, phoneNumberID, to, text string) error {
	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.apiVersion, phoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"body": text,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	s.logger.Debug("sent message", "to", to, "phone_number_id", phoneNumberID)
	return nil
}

var _ UserSender = (*WhatsAppSender)(nil)
