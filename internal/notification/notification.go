package notification

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

// OtpMessage is the payload handed to a dispatcher when a login code must
// reach the user's inbox.
type OtpMessage struct {
	Email      string
	Code       string
	TTLMinutes int
}

// OtpDispatcher delivers one-time login codes to downstream mail systems.
type OtpDispatcher interface {
	SendOtp(ctx context.Context, message OtpMessage) error
}

// LoggerDispatcher writes codes to the structured logger. It is the default
// when no webhook is configured and is only suitable for development.
type LoggerDispatcher struct {
	logger *slog.Logger
}

// NewLoggerDispatcher constructs a logging dispatcher.
func NewLoggerDispatcher(logger *slog.Logger) *LoggerDispatcher {
	return &LoggerDispatcher{logger: logger}
}

// SendOtp writes the message to the structured logger.
func (d *LoggerDispatcher) SendOtp(_ context.Context, message OtpMessage) error {
	if d == nil || d.logger == nil {
		return nil
	}
	d.logger.Info("email otp issued", "email", message.Email, "code", message.Code, "ttl_minutes", message.TTLMinutes)
	return nil
}

// WebhookDispatcher posts codes to an external mail-delivery webhook.
type WebhookDispatcher struct {
	url    string
	bearer string
	client *http.Client
}

// NewWebhookDispatcher constructs a webhook dispatcher. The bearer token is
// optional; when set it is attached as an Authorization header.
func NewWebhookDispatcher(url, bearer string, client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDispatcher{url: url, bearer: bearer, client: client}
}

// SendOtp posts the code to the configured webhook and fails on any
// non-2xx response.
func (d *WebhookDispatcher) SendOtp(ctx context.Context, message OtpMessage) error {
	payload, err := json.Marshal(map[string]any{
		"to":         message.Email,
		"code":       message.Code,
		"ttlMinutes": message.TTLMinutes,
	})
	if err != nil {
		return fmt.Errorf("encode otp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build otp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+d.bearer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver otp: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver otp: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
