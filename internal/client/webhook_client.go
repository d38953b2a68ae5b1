package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
)

// WebhookClient delivers messages through an HTTP gateway that accepts one
// message per POST and answers 202 with a messageId.
type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Data        string `json:"data,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *WebhookClient) IsReady() bool {
	return c.url != ""
}

// ResolveChat maps a recipient id onto the phone number the gateway expects.
func (c *WebhookClient) ResolveChat(ctx context.Context, recipientID string) (channel.Chat, error) {
	if !c.IsReady() {
		return channel.Chat{}, channel.ErrNotReady
	}
	digits, ok := channel.PhoneDigits(recipientID)
	if !ok {
		return channel.Chat{}, fmt.Errorf("%w: %q", channel.ErrRecipientNotFound, recipientID)
	}
	return channel.Chat{RecipientID: recipientID, Address: "+" + digits}, nil
}

func (c *WebhookClient) Send(ctx context.Context, chat channel.Chat, msg channel.Outgoing) error {
	id, err := c.post(ctx, buildRequest(chat, msg))
	if err != nil {
		return err
	}
	slog.Debug("gateway accepted message", "recipient", chat.RecipientID, "message_id", id)
	return nil
}

func buildRequest(chat channel.Chat, msg channel.Outgoing) sendRequest {
	req := sendRequest{
		PhoneNumber: chat.Address,
		Type:        string(msg.Kind),
		Message:     msg.Text,
	}
	if msg.Media != nil {
		req.FileName = msg.Media.FileName
		req.MimeType = msg.Media.MimeType
		req.Data = base64.StdEncoding.EncodeToString(msg.Media.Data)
	}
	return req
}

func (c *WebhookClient) post(ctx context.Context, body sendRequest) (string, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(respBody))
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(respBody))
	}

	return sr.MessageID, nil
}
