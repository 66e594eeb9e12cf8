package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rafaeljc/bifrost/internal/rollback"
)

// webhookClientTimeout caps a request when the caller context carries no deadline.
const webhookClientTimeout = 10 * time.Second

// WebhookSink POSTs each event as JSON to an alerting endpoint.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a sink for url. Resty retries are disabled: delivery
// is attempted once.
func NewWebhookSink(logger *slog.Logger, url string) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetTimeout(webhookClientTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "bifrost-notifier").
		SetLogger(restySlogLogger{logger: logger}).
		OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			logger.Debug("webhook response",
				slog.Int("status", resp.StatusCode()),
				slog.Duration("duration", resp.Time()),
			)
			return nil
		})
	return &WebhookSink{client: client, url: url}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, ev rollback.Event) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Bifrost-Event", "rollback").
		SetHeader("Idempotency-Key", ev.ID).
		SetBody(ev).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned %d %s", resp.StatusCode(), resp.Status())
	}
	return nil
}

// restySlogLogger routes resty's internal messages to slog.
type restySlogLogger struct {
	logger *slog.Logger
}

func (l restySlogLogger) Errorf(format string, v ...any) { l.logger.Error(fmt.Sprintf(format, v...)) }
func (l restySlogLogger) Warnf(format string, v ...any)  { l.logger.Warn(fmt.Sprintf(format, v...)) }
func (l restySlogLogger) Debugf(format string, v ...any) { l.logger.Debug(fmt.Sprintf(format, v...)) }
