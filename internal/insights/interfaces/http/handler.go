package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
)

const defaultHeartbeat = 15 * time.Second

// InsightReader serves the read side of the ledger.
type InsightReader interface {
	ActiveInsightsFor(ctx context.Context, facilityID string) ([]insightapp.InsightView, error)
	History(ctx context.Context, key insights.Key) ([]insights.Insight, error)
}

// ChangeWaiter blocks until a facility changes.
type ChangeWaiter interface {
	WaitForChange(ctx context.Context, facilityID string, timeout time.Duration) (bool, error)
}

type insightsResponse struct {
	FacilityID  string                   `json:"facility_id"`
	Insights    []insightapp.InsightView `json:"insights"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// Handler provides insight HTTP endpoints.
type Handler struct {
	reader    InsightReader
	waiter    ChangeWaiter
	heartbeat time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures the handler.
type Option func(*Handler)

// WithHeartbeat sets how long a stream waits before sending a keepalive.
func WithHeartbeat(interval time.Duration) Option {
	return func(h *Handler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(reader InsightReader, waiter ChangeWaiter, opts ...Option) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("insights handler: nil reader")
	}
	if waiter == nil {
		return nil, errors.New("insights handler: nil waiter")
	}
	h := &Handler{
		reader:    reader,
		waiter:    waiter,
		heartbeat: defaultHeartbeat,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes mounts the insight endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/facilities/{facilityID}/insights", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/history", h.handleHistory)
		r.Get("/stream", h.handleStream)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	resp, err := h.snapshot(r.Context(), facilityID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := insights.Key{
		FacilityID:    chi.URLParam(r, "facilityID"),
		AssetID:       query.Get("asset_id"),
		MetricName:    query.Get("metric_name"),
		ThresholdType: insights.ThresholdType(query.Get("threshold_type")),
	}
	if err := key.Validate(); err != nil {
		http.Error(w, "metric_name and threshold_type are required", http.StatusBadRequest)
		return
	}
	list, err := h.reader.History(r.Context(), key)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) snapshot(ctx context.Context, facilityID string) (insightsResponse, error) {
	views, err := h.reader.ActiveInsightsFor(ctx, facilityID)
	if err != nil {
		return insightsResponse{}, err
	}
	if views == nil {
		views = []insightapp.InsightView{}
	}
	return insightsResponse{FacilityID: facilityID, Insights: views, GeneratedAt: h.now()}, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, insights.ErrInvalidKey) {
		http.Error(w, "invalid facility", http.StatusBadRequest)
		return
	}
	h.logger.Error("insights query failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
