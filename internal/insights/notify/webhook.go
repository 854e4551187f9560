package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultSendRetries = 2

// Message is one rendered insight transition.
type Message struct {
	Content string
	Data    TemplateData
}

// Channel delivers insight messages.
type Channel interface {
	Send(ctx context.Context, message Message) error
}

// webhookPayload carries the rendered text block and the structured insight.
type webhookPayload struct {
	MsgType string         `json:"msgtype"`
	Text    webhookText    `json:"text"`
	Insight webhookInsight `json:"insight"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookInsight struct {
	ID               string  `json:"id"`
	Event            string  `json:"event"`
	FacilityID       string  `json:"facility_id"`
	AssetID          string  `json:"asset_id"`
	AssetName        string  `json:"asset_name,omitempty"`
	MetricName       string  `json:"metric_name"`
	ThresholdType    string  `json:"threshold_type"`
	Severity         string  `json:"severity"`
	PreviousSeverity string  `json:"previous_severity,omitempty"`
	ObservedValue    float64 `json:"observed_value"`
	Title            string  `json:"title"`
	DetectedAt       string  `json:"detected_at"`
	ResolvedAt       string  `json:"resolved_at,omitempty"`
}

func newWebhookPayload(message Message) webhookPayload {
	d := message.Data
	return webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: message.Content},
		Insight: webhookInsight{
			ID:               d.InsightID,
			Event:            d.Event,
			FacilityID:       d.FacilityID,
			AssetID:          d.AssetID,
			AssetName:        d.AssetName,
			MetricName:       d.MetricName,
			ThresholdType:    d.ThresholdType,
			Severity:         d.Severity,
			PreviousSeverity: d.PreviousSeverity,
			ObservedValue:    d.ObservedValue,
			Title:            d.Title,
			DetectedAt:       d.DetectedAt,
			ResolvedAt:       d.ResolvedAt,
		},
	}
}

// WebhookChannel posts insight transitions to an HTTP endpoint. Server errors and
// transport failures are retried; a 4xx answer is final.
type WebhookChannel struct {
	url     string
	client  *http.Client
	retries uint64
	backoff time.Duration
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithSendRetries sets how many times a failed post is retried and the first wait.
func WithSendRetries(retries int, initial time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if retries >= 0 {
			ch.retries = uint64(retries)
		}
		if initial > 0 {
			ch.backoff = initial
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	ch := &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: defaultSendRetries,
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

// Send implements Channel.
func (w *WebhookChannel) Send(ctx context.Context, message Message) error {
	if w == nil {
		return errors.New("webhook channel: nil")
	}
	body, err := json.Marshal(newWebhookPayload(message))
	if err != nil {
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.backoff
	return backoff.Retry(func() error {
		return w.post(ctx, body)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, w.retries), ctx))
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook channel: server error %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("webhook channel: rejected with %d", resp.StatusCode))
	}
	return nil
}
