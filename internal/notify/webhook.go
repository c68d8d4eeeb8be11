package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "countdown/internal/log"
	"countdown/internal/model"
)

const defaultWebhookTimeout = 15 * time.Second

// WebhookNotifier POSTs a JSON payload per alert and status change.
type WebhookNotifier struct {
	client *http.Client
	url    string
}

// NewWebhookNotifier creates a notifier for url. timeout <= 0 uses 15s.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

type webhookPayload struct {
	Type   string       `json:"type"`
	PassID string       `json:"pass_id"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Kind   string       `json:"kind,omitempty"`
	Label  string       `json:"label,omitempty"`
	Target *time.Time   `json:"target,omitempty"`
	Event  *model.Event `json:"event"`
}

func (w *WebhookNotifier) NotifyMilestone(ctx context.Context, a Alert) error {
	ev := a.Event
	return w.post(ctx, webhookPayload{
		Type:   "milestone",
		PassID: a.PassID,
		Title:  a.Title(),
		Text:   a.Text(),
		Kind:   string(a.Kind),
		Label:  a.Kind.Label(),
		Event:  &ev,
	})
}

func (w *WebhookNotifier) UpdateStatus(ctx context.Context, s Status) error {
	p := webhookPayload{Type: "status", PassID: s.PassID}
	if s.Event != nil {
		target := s.Target
		p.Title = s.Event.Title
		p.Label = s.Label
		p.Target = &target
		p.Event = s.Event
	}
	return w.post(ctx, p)
}

func (w *WebhookNotifier) post(ctx context.Context, p webhookPayload) error {
	if w.url == "" {
		return errors.New("webhook URL is empty")
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		appLog.Error("webhook post failed", err, "url", appLog.RedactURL(w.url, "webhook"), "type", p.Type)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := errors.New(resp.Status)
		appLog.Error("webhook non-2xx", err, "url", appLog.RedactURL(w.url, "webhook"), "type", p.Type, "status", resp.StatusCode)
		return err
	}
	appLog.Debug("webhook delivered", "url", appLog.RedactURL(w.url, "webhook"), "type", p.Type, "pass", p.PassID)
	return nil
}
