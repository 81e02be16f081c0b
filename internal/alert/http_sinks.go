package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpPost submits a JSON payload and classifies the response: 2xx is
// success, 429 and 5xx are transient, any other 4xx is permanent.
func httpPost(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func newClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	webhook string
	client  *http.Client
}

func NewSlackSink(webhook string) *SlackSink {
	return &SlackSink{webhook: webhook, client: newClient()}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color": "#FF0000",
			"blocks": []map[string]any{
				{"type": "header", "text": map[string]any{"type": "plain_text", "text": "High Anomaly Rate Detected"}},
				{"type": "section", "text": map[string]any{"type": "mrkdwn",
					"text": fmt.Sprintf("Service: *%s*", ev.Service)}},
				{"type": "section", "fields": []map[string]any{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Anomaly Count*\n%d", ev.Count)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Time Window*\n%ds", ev.WindowSeconds)},
				}},
				{"type": "section", "text": map[string]any{"type": "mrkdwn",
					"text": fmt.Sprintf("*Message*: %s", ev.Message())}},
			},
		}},
	}
	return httpPost(ctx, s.client, s.webhook, payload)
}

// PagerDutySink triggers an event on the PagerDuty Events v2 API.
type PagerDutySink struct {
	routingKey string
	apiURL     string
	client     *http.Client
}

func NewPagerDutySink(routingKey string) *PagerDutySink {
	return &PagerDutySink{
		routingKey: routingKey,
		apiURL:     "https://events.pagerduty.com/v2/enqueue",
		client:     newClient(),
	}
}

func (p *PagerDutySink) Name() string { return "pagerduty" }

func (p *PagerDutySink) Deliver(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"routing_key":  p.routingKey,
		"event_action": "trigger",
		"dedup_key":    ev.ID,
		"payload": map[string]any{
			"summary":  ev.Message(),
			"source":   ev.Service,
			"severity": "critical",
			"custom_details": map[string]any{
				"anomaly_count":  ev.Count,
				"window_seconds": ev.WindowSeconds,
				"alert_type":     ev.Type,
			},
		},
	}
	return httpPost(ctx, p.client, p.apiURL, payload)
}

// WebhookSink posts the whole event to a generic HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: newClient()}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"alert_type": ev.Type,
		"message":    ev.Message(),
		"details":    ev,
	}
	return httpPost(ctx, w.client, w.url, payload)
}
