package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Webhook posts messages as JSON to a provider relay. One relay serves SMS,
// chat and voice; the channel field tells them apart.
type Webhook struct {
	URL     string
	Channel Channel
	Headers map[string]string
	Client  *http.Client
}

type webhookRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Message string `json:"message"`
}

func NewWebhook(url string, channel Channel, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second // default
	}
	return &Webhook{URL: url, Channel: channel, Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Send(ctx context.Context, to, message string) error {
	return w.post(ctx, string(w.Channel), to, message)
}

func (w *Webhook) Call(ctx context.Context, to, script string) error {
	return w.post(ctx, "voice", to, script)
}

func (w *Webhook) post(ctx context.Context, channel, to, message string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	if w.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	body, err := json.Marshal(webhookRequest{Channel: channel, To: to, Message: message})
	if err != nil {
		return fmt.Errorf("encode webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
