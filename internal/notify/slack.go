package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"
)

// Slack posts notifications to an incoming webhook. Webhooks cannot carry
// attachments, so files are announced by name.
type Slack struct {
	Webhook string
	Client  *http.Client
}

func NewSlack(webhook string) *Slack {
	if webhook == "" {
		return nil
	}
	return &Slack{
		Webhook: webhook,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) SendText(ctx context.Context, body string) error {
	if s == nil || s.Webhook == "" {
		return errors.New("slack disabled")
	}
	payload, _ := json.Marshal(slackPayload{Text: body})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Webhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) SendFile(ctx context.Context, path, caption string) error {
	text := "file: " + filepath.Base(path)
	if caption != "" {
		text = caption + "\n" + text
	}
	return s.SendText(ctx, text)
}
