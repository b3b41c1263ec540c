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

const defaultWebhookTimeout = 5 * time.Second

// WebhookSender posts each message as JSON to a bridge URL. It is the outbound
// half of the webhook transport; the inbound half is POST /v0/events.
type WebhookSender struct {
	URL    string
	Secret string
	Client *http.Client
}

type webhookMessage struct {
	Recipient int64      `json:"recipient"`
	Text      string     `json:"text"`
	Buttons   [][]Button `json:"buttons,omitempty"`
	Menu      Menu       `json:"menu,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	TS        string     `json:"ts"`
}

func (s WebhookSender) Send(ctx context.Context, msg OutboundMessage) error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	data, err := json.Marshal(webhookMessage{
		Recipient: msg.Recipient,
		Text:      msg.Text,
		Buttons:   msg.Buttons,
		Menu:      msg.Menu,
		Kind:      msg.Kind,
		TS:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewline-Recipient", fmt.Sprintf("%d", msg.Recipient))
	if msg.Kind != "" {
		req.Header.Set("X-Crewline-Kind", msg.Kind)
	}
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Crewline-Secret", s.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
