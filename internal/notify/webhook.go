package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// Webhook event names.
const (
	EventClapDetected = "clap_detected"
	EventAlarmStopped = "alarm_stopped"
	EventTest         = "test"
)

const webhookTimeout = 10 * time.Second

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event      string  `json:"event"`
	Device     string  `json:"device,omitempty"`
	EventID    string  `json:"event_id,omitempty"`
	RMS        float64 `json:"rms,omitempty"`
	Peak       float64 `json:"peak,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Message    string  `json:"message,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

func clapPayload(device string, ev types.ClapEvent) *WebhookPayload {
	return &WebhookPayload{
		Event:     EventClapDetected,
		Device:    device,
		EventID:   ev.ID,
		RMS:       ev.RMS,
		Peak:      ev.Peak,
		Threshold: ev.Threshold,
		Timestamp: ev.Time.UTC().Format(time.RFC3339),
	}
}

func stoppedPayload(device, eventID string, duration time.Duration) *WebhookPayload {
	return &WebhookPayload{
		Event:      EventAlarmStopped,
		Device:     device,
		EventID:    eventID,
		DurationMs: duration.Milliseconds(),
		Timestamp:  timestampUTC(),
	}
}

// SendClapWebhook notifies the configured webhook of a detected clap.
func SendClapWebhook(ctx context.Context, webhookURL, device string, ev types.ClapEvent) error {
	return sendWebhook(ctx, webhookURL, clapPayload(device, ev))
}

// SendAlarmStoppedWebhook notifies the configured webhook that the alarm ended.
func SendAlarmStoppedWebhook(ctx context.Context, webhookURL, device, eventID string, duration time.Duration) error {
	return sendWebhook(ctx, webhookURL, stoppedPayload(device, eventID, duration))
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(ctx context.Context, webhookURL, device string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     EventTest,
		Device:    device,
		Message:   "This is a test notification from " + device,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "clapfinder")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
