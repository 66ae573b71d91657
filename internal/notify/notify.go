// v0
// internal/notify/notify.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers one alert. Implementations must not block longer than
// their own timeout.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, subject, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, subject, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookTimeout bounds one webhook delivery.
const WebhookTimeout = 2 * time.Second

// Webhook posts DingTalk-style text messages.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns nil for an empty url so callers can skip it.
func NewWebhook(url string) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &Webhook{url: url, client: &http.Client{Timeout: WebhookTimeout}}
}

type dingTalkText struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, subject, message string) error {
	var msg dingTalkText
	msg.MsgType = "text"
	msg.Text.Content = subject + "\n" + message
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
