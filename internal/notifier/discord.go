package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/media_relay/internal/job"
)

// HealthSignal is raised for failures operators must look at.
type HealthSignal struct {
	Component string
	Kind      job.FailureKind
	JobID     string
	Detail    string
}

func (s HealthSignal) String() string {
	msg := fmt.Sprintf("[%s] %s", s.Component, s.Kind)
	if s.JobID != "" {
		msg += " job=" + s.JobID
	}

	if s.Detail != "" {
		msg += ": " + s.Detail
	}

	return msg
}

// Alerter delivers health signals to operators.
type Alerter interface {
	Alert(ctx context.Context, signal HealthSignal) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{WebhookURL: webhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordNotifier) Alert(ctx context.Context, signal HealthSignal) error {
	return d.Notify(ctx, signal.String())
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// LogAlerter is used when no webhook is configured. The orchestrator logs
// every health signal already, so it only drops it.
type LogAlerter struct{}

func (LogAlerter) Alert(context.Context, HealthSignal) error {
	return nil
}
