package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"plant-insights/internal/observability/metrics"
	telemetry "plant-insights/internal/telemetry/domain"
)

const maxBodyBytes = 4 << 20

// Sink accepts pushed readings for the next pump cycle.
type Sink interface {
	Push(readings ...telemetry.Reading) int
}

// IngestHandler handles pushed sensor readings.
type IngestHandler struct {
	sink   Sink
	logger *zap.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(sink Sink, logger *zap.Logger) (*IngestHandler, error) {
	if sink == nil {
		return nil, errors.New("telemetry ingest: nil sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{sink: sink, logger: logger}, nil
}

// ServeHTTP ingests readings.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("telemetry ingest: read body", zap.Error(err))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	readings, err := telemetry.DecodePayload(body)
	if err != nil {
		h.logger.Warn("telemetry ingest: invalid payload", zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	dropped := h.sink.Push(readings...)
	if dropped > 0 {
		h.logger.Warn("telemetry ingest: buffer full, dropped oldest readings", zap.Int("dropped", dropped))
	}
	metrics.AddReadingsReceived("http", len(readings))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(readings)})
}
