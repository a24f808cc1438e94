package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for the
	// task's LastError.
	maxErrorBody = 512
)

type webhookPayload struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WebhookDeliverer POSTs each notification as JSON to a push gateway.
type WebhookDeliverer struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookDeliverer returns a deliverer for url. A non-empty token is
// sent as a bearer credential.
func NewWebhookDeliverer(url, token string, logger *slog.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: defaultWebhookTimeout},
		logger:     logger,
	}
}

// Deliver implements Deliverer. Network errors, 429 and 5xx responses
// are retryable; any other non-2xx status is not.
func (d *WebhookDeliverer) Deliver(ctx context.Context, userID, title, body string, metadata map[string]string) error {
	buf, err := json.Marshal(webhookPayload{UserID: userID, Title: title, Body: body, Metadata: metadata})
	if err != nil {
		return &apperrors.NotificationDeliveryError{Err: fmt.Errorf("encoding payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(buf))
	if err != nil {
		return &apperrors.NotificationDeliveryError{Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &apperrors.NotificationDeliveryError{Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

	d.logger.Debug("webhook rejected notification",
		slog.Int("status", resp.StatusCode),
		slog.Bool("retryable", retryable),
	)

	return &apperrors.NotificationDeliveryError{
		Err:       fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		Retryable: retryable,
	}
}

// LogDeliverer writes notifications to the log. It is used when no push
// gateway is configured.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(_ context.Context, userID, title, body string, metadata map[string]string) error {
	d.logger.Info("notification",
		slog.String("user_id", userID),
		slog.String("title", title),
		slog.String("body", body),
		slog.String("kind", metadata["kind"]),
	)

	return nil
}
