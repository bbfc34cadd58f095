package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spider-stats-pusher/internal/config"
	"go.uber.org/multierr"
)

// Telegram sends notifications through the Bot API to every subscriber chat.
type Telegram struct {
	apiBase string
	token   string
	chats   []string
	client  *http.Client
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	if cfg.Token == "" {
		return nil
	}
	return &Telegram{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		token:   cfg.Token,
		chats:   cfg.Subscribers,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) SendText(ctx context.Context, body string) error {
	var err error
	for _, chat := range t.chats {
		payload, _ := json.Marshal(map[string]string{
			"chat_id": chat,
			"text":    body,
		})
		err = multierr.Append(err, t.call(ctx, "sendMessage", "application/json", bytes.NewReader(payload)))
	}
	return err
}

func (t *Telegram) SendFile(ctx context.Context, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, chat := range t.chats {
		body, contentType, buildErr := documentForm(chat, filepath.Base(path), caption, data)
		if buildErr != nil {
			return buildErr
		}
		err = multierr.Append(err, t.call(ctx, "sendDocument", contentType, body))
	}
	return err
}

func documentForm(chat, name, caption string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("chat_id", chat); err != nil {
		return nil, "", fmt.Errorf("write form: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return nil, "", fmt.Errorf("write form: %w", err)
		}
	}
	part, err := w.CreateFormFile("document", name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (t *Telegram) call(ctx context.Context, method, contentType string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; report only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return fmt.Errorf("telegram %s: HTTP %d", method, resp.StatusCode)
	}
	if !result.OK {
		return fmt.Errorf("telegram %s: %s", method, result.Description)
	}
	return nil
}
