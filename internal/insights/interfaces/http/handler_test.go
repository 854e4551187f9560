package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
	"plant-insights/internal/insights/notify"
)

type readerStub struct {
	mu      sync.Mutex
	views   map[string][]insightapp.InsightView
	history []insights.Insight
	lastKey insights.Key
	err     error
}

func (s *readerStub) ActiveInsightsFor(ctx context.Context, facilityID string) ([]insightapp.InsightView, error) {
	if facilityID == "" {
		return nil, insights.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]insightapp.InsightView(nil), s.views[facilityID]...), nil
}

func (s *readerStub) History(ctx context.Context, key insights.Key) ([]insights.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	return s.history, s.err
}

func (s *readerStub) set(facilityID string, views []insightapp.InsightView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.views == nil {
		s.views = map[string][]insightapp.InsightView{}
	}
	s.views[facilityID] = views
}

func newRouter(t *testing.T, reader InsightReader, waiter ChangeWaiter, opts ...Option) http.Handler {
	t.Helper()
	handler, err := NewHandler(reader, waiter, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	r := chi.NewRouter()
	handler.Routes(r)
	return r
}

func TestListActiveInsights(t *testing.T) {
	reader := &readerStub{}
	reader.set("plant-a", []insightapp.InsightView{{
		ID:         "i-1",
		Severity:   insights.SeverityHigh,
		Title:      "Temperature Above Maximum",
		MetricName: "temperature",
		DetectedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}})
	router := newRouter(t, reader, notify.NewBroadcaster())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/facilities/plant-a/insights/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp insightsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FacilityID != "plant-a" || len(resp.Insights) != 1 || resp.Insights[0].ID != "i-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListEmptyFacilityReturnsEmptyArray(t *testing.T) {
	router := newRouter(t, &readerStub{}, notify.NewBroadcaster())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/facilities/plant-z/insights/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"insights":[]`) {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestListStoreFailure(t *testing.T) {
	router := newRouter(t, &readerStub{err: errors.New("db down")}, notify.NewBroadcaster())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/facilities/plant-a/insights/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHistoryRequiresMetricAndType(t *testing.T) {
	reader := &readerStub{}
	router := newRouter(t, reader, notify.NewBroadcaster())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/facilities/plant-a/insights/history?metric_name=temperature", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/facilities/plant-a/insights/history?metric_name=temperature&threshold_type=above_max&asset_id=a-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := insights.Key{FacilityID: "plant-a", AssetID: "a-1", MetricName: "temperature", ThresholdType: insights.ThresholdAboveMax}
	if reader.lastKey != want {
		t.Fatalf("unexpected key: %+v", reader.lastKey)
	}
}

func TestNewHandlerRejectsNilDeps(t *testing.T) {
	if _, err := NewHandler(nil, notify.NewBroadcaster()); err == nil {
		t.Fatalf("expected error for nil reader")
	}
	if _, err := NewHandler(&readerStub{}, nil); err == nil {
		t.Fatalf("expected error for nil waiter")
	}
}

func readEvent(t *testing.T, scanner *bufio.Scanner) (string, string) {
	t.Helper()
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			event = "comment"
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
	return "", ""
}

func TestStreamPushesOnWake(t *testing.T) {
	reader := &readerStub{}
	reader.set("plant-a", nil)
	broadcaster := notify.NewBroadcaster()
	server := httptest.NewServer(newRouter(t, reader, broadcaster, WithHeartbeat(5*time.Second)))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/facilities/plant-a/insights/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)

	event, data := readEvent(t, scanner)
	if event != "insights" || !strings.Contains(data, `"insights":[]`) {
		t.Fatalf("unexpected initial event %q %s", event, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.Waiters("plant-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never waited")
		}
		time.Sleep(time.Millisecond)
	}
	reader.set("plant-a", []insightapp.InsightView{{ID: "i-9", Severity: insights.SeverityMedium}})
	broadcaster.Wake(context.Background(), "plant-a")

	event, data = readEvent(t, scanner)
	if event != "insights" || !strings.Contains(data, `"i-9"`) {
		t.Fatalf("unexpected pushed event %q %s", event, data)
	}
}

func TestStreamSendsKeepalive(t *testing.T) {
	reader := &readerStub{}
	server := httptest.NewServer(newRouter(t, reader, notify.NewBroadcaster(), WithHeartbeat(20*time.Millisecond)))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/facilities/plant-a/insights/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)

	if event, _ := readEvent(t, scanner); event != "insights" {
		t.Fatalf("expected initial insights event, got %q", event)
	}
	if event, _ := readEvent(t, scanner); event != "comment" {
		t.Fatalf("expected keepalive comment, got %q", event)
	}
}

func TestStreamCatchesChangeWithoutWake(t *testing.T) {
	reader := &readerStub{}
	server := httptest.NewServer(newRouter(t, reader, notify.NewBroadcaster(), WithHeartbeat(20*time.Millisecond)))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/facilities/plant-a/insights/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)

	if event, _ := readEvent(t, scanner); event != "insights" {
		t.Fatalf("expected initial insights event, got %q", event)
	}
	reader.set("plant-a", []insightapp.InsightView{{ID: "i-late", Severity: insights.SeverityLow}})

	for i := 0; i < 10; i++ {
		event, data := readEvent(t, scanner)
		if event == "insights" {
			if !strings.Contains(data, `"i-late"`) {
				t.Fatalf("unexpected payload %s", data)
			}
			return
		}
	}
	t.Fatalf("change never delivered")
}
