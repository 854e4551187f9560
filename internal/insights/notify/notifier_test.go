package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
)

func sampleChange(outcome insights.Outcome, severity insights.Severity) insightapp.Change {
	return insightapp.Change{
		Outcome:  outcome,
		Previous: insights.SeverityLow,
		Insight: insights.Insight{
			ID:            "insight-1",
			FacilityID:    "plant-a",
			AssetID:       "boiler-1",
			Severity:      severity,
			Title:         "Temperature Above Maximum",
			Description:   "Boiler T1: Temperature at 150.0°C - above acceptable range (60-115°C)",
			MetricName:    "temperature",
			ThresholdType: insights.ThresholdAboveMax,
			ObservedValue: 150,
			DetectedAt:    time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC),
			IsActive:      true,
		},
		AssetName: "Boiler T1",
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)
	notifier.Notify(ctx, sampleChange(insights.OutcomeEscalated, insights.SeverityHigh))

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		in := payload.Insight
		if in.ID != "insight-1" || in.FacilityID != "plant-a" || in.Event != "escalated" {
			t.Fatalf("unexpected insight block %+v", in)
		}
		if in.Severity != "high" || in.PreviousSeverity != "low" || in.ThresholdType != "above_max" || in.ObservedValue != 150 {
			t.Fatalf("unexpected insight block %+v", in)
		}
		checks := []string{
			"[Insight Escalated] Temperature Above Maximum",
			"Facility: plant-a",
			"Asset: Boiler T1",
			"Severity: high (was low)",
			"Detected: 2026-01-26T08:00:00Z",
			"Suggestion: Investigate immediately",
		}
		for _, expected := range checks {
			if !strings.Contains(payload.Text.Content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, payload.Text.Content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	r.contents = append(r.contents, message.Content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, WithClock(clock), WithCooldown(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	change := sampleChange(insights.OutcomeOpened, insights.SeverityMedium)
	notifier.deliver(context.Background(), change)
	notifier.deliver(context.Background(), change)
	if channel.Count() != 1 {
		t.Fatalf("expected cooldown to suppress repeat, got %d sends", channel.Count())
	}

	clock.Add(11 * time.Minute)
	notifier.deliver(context.Background(), change)
	if channel.Count() != 2 {
		t.Fatalf("expected send after cooldown, got %d", channel.Count())
	}
}

func TestNotifierMinSeverity(t *testing.T) {
	channel := &recordingChannel{}
	notifier, _ := NewNotifier(channel, nil, WithMinSeverity(insights.SeverityHigh))
	notifier.Notify(context.Background(), sampleChange(insights.OutcomeOpened, insights.SeverityMedium))
	if len(notifier.queue) != 0 {
		t.Fatalf("expected medium insight to be filtered")
	}
	notifier.Notify(context.Background(), sampleChange(insights.OutcomeOpened, insights.SeverityHigh))
	if len(notifier.queue) != 1 {
		t.Fatalf("expected high insight to be queued")
	}
	notifier.deliver(context.Background(), <-notifier.queue)
	if channel.Count() != 1 {
		t.Fatalf("expected high insight to be sent")
	}
}

func TestNewNotifierNilChannel(t *testing.T) {
	if _, err := NewNotifier(nil, nil); err == nil {
		t.Fatalf("expected error for nil channel")
	}
}

type blockingChannel struct {
	release chan struct{}
	sent    chan string
}

func (b *blockingChannel) Send(ctx context.Context, message Message) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.sent <- message.Content
	return nil
}

func TestNotifyDoesNotWaitForDelivery(t *testing.T) {
	channel := &blockingChannel{release: make(chan struct{}), sent: make(chan string, 4)}
	notifier, err := NewNotifier(channel, nil, WithQueueSize(1), WithRequestTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	start := time.Now()
	for i := 0; i < 3; i++ {
		change := sampleChange(insights.OutcomeOpened, insights.SeverityHigh)
		change.Insight.ID = fmt.Sprintf("insight-%d", i)
		notifier.Notify(ctx, change)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("notify blocked for %s", elapsed)
	}

	close(channel.release)
	select {
	case <-channel.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("queued change never delivered")
	}
}

func TestMarkSentDropsExpiredRecords(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	notifier, _ := NewNotifier(&recordingChannel{}, nil, WithClock(clock), WithCooldown(time.Minute), WithDedupeWindow(5*time.Minute))

	notifier.markSent("insight-1", "opened", "a")
	notifier.markSent("insight-2", "opened", "b")
	clock.Add(6 * time.Minute)
	notifier.markSent("insight-3", "opened", "c")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sent) != 1 {
		t.Fatalf("expected only the fresh record, got %d", len(notifier.sent))
	}
	if _, ok := notifier.sent["insight-3|opened"]; !ok {
		t.Fatalf("fresh record missing: %v", notifier.sent)
	}
}

func TestMarkSentSkipsWithoutSuppression(t *testing.T) {
	notifier, _ := NewNotifier(&recordingChannel{}, nil)
	notifier.markSent("insight-1", "opened", "a")
	if len(notifier.sent) != 0 {
		t.Fatalf("expected no records without cooldown or dedupe, got %d", len(notifier.sent))
	}
}

func TestWebhookChannelRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, _ := NewWebhookChannel(server.URL, WithSendRetries(2, time.Millisecond))
	if err := channel.Send(context.Background(), Message{Content: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 posts, got %d", calls)
	}
}

func TestWebhookChannelDoesNotRetryRejection(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	channel, _ := NewWebhookChannel(server.URL, WithSendRetries(3, time.Millisecond))
	if err := channel.Send(context.Background(), Message{Content: "x"}); err == nil {
		t.Fatalf("expected rejection error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected a single post, got %d", calls)
	}
}
