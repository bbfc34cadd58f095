package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/config"
	"go.uber.org/multierr"
)

// Transport delivers notifications to their final destination. Calls may
// block on network I/O; the relay only ever calls it from its worker.
type Transport interface {
	SendText(ctx context.Context, body string) error
	SendFile(ctx context.Context, path, caption string) error
}

// Multi fans every call out to all transports and combines their errors.
type Multi []Transport

func (m Multi) SendText(ctx context.Context, body string) error {
	var err error
	for _, t := range m {
		if t == nil {
			continue
		}
		err = multierr.Append(err, t.SendText(ctx, body))
	}
	return err
}

func (m Multi) SendFile(ctx context.Context, path, caption string) error {
	var err error
	for _, t := range m {
		if t == nil {
			continue
		}
		err = multierr.Append(err, t.SendFile(ctx, path, caption))
	}
	return err
}

// Log writes notifications to the log instead of delivering them.
type Log struct{}

func (Log) SendText(_ context.Context, body string) error {
	log.WithField("kind", "text").Info(body)
	return nil
}

func (Log) SendFile(_ context.Context, path, caption string) error {
	log.WithFields(log.Fields{
		"kind":    "file",
		"caption": caption,
	}).Info(path)
	return nil
}

// Paginate splits body into pages of at most size runes. When more than one
// page is needed each page ends in a " (i/n)" suffix, which counts toward size.
func Paginate(body string, size int) []string {
	runes := []rune(body)
	if size <= 0 || len(runes) <= size {
		return []string{body}
	}

	// More pages can mean a longer suffix, so grow until the count is stable.
	total, chunk := 0, size
	for next := ceilDiv(len(runes), chunk); next != total; next = ceilDiv(len(runes), chunk) {
		total = next
		chunk = size - len(pageSuffix(total, total))
		if chunk < 1 {
			chunk = 1
		}
	}

	pages := make([]string, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * chunk
		if end > len(runes) {
			end = len(runes)
		}
		pages = append(pages, string(runes[i*chunk:end])+pageSuffix(i+1, total))
	}
	return pages
}

func pageSuffix(page, total int) string {
	return fmt.Sprintf(" (%d/%d)", page, total)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// NewTransport builds the delivery transport described by cfg. Debug mode
// logs every message instead of sending it.
func NewTransport(cfg config.NotifyConfig) Transport {
	if cfg.Debug {
		return Log{}
	}

	var multi Multi
	if tg := NewTelegram(cfg.Telegram); tg != nil {
		multi = append(multi, tg)
	}
	if slack := NewSlack(cfg.SlackWebhook); slack != nil {
		multi = append(multi, slack)
	}
	if len(multi) == 0 {
		return Log{}
	}
	return multi
}
