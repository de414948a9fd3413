// Package notify is the SMS boundary. Delivery is best-effort: failures are
// logged and recorded, never propagated into settlement.
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
)

// Dispatcher sends one SMS to one recipient.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string) error
}

// HTTPDispatcher posts messages to a generic SMS gateway API.
type HTTPDispatcher struct {
	endpoint string
	apiKey   string
	sender   string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPDispatcher(endpoint, apiKey, sender string, logger *slog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		sender:   sender,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (d *HTTPDispatcher) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(map[string]string{
		"to":      phone,
		"from":    d.sender,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, string(raw))
	}
	d.logger.Info("sms dispatched", "phone", phone)
	return nil
}

// NoopDispatcher is used when no SMS gateway is configured. It logs the
// message so local environments still show what would have been sent.
type NoopDispatcher struct {
	Logger *slog.Logger
}

func (d *NoopDispatcher) Send(_ context.Context, phone, message string) error {
	d.Logger.Info("sms dispatch disabled", "phone", phone, "message", message)
	return nil
}
