package memory

import (
	"context"
	"fmt"
	"sync"

	telemetry "plant-insights/internal/telemetry/domain"
)

// ReadingRepository is an in-memory reading store for demo/testing.
// It keeps only the most recent limit readings.
type ReadingRepository struct {
	mu       sync.RWMutex
	readings []telemetry.Reading
	limit    int
}

// NewReadingRepository constructs a repository retaining up to limit readings.
func NewReadingRepository(limit int) *ReadingRepository {
	if limit <= 0 {
		limit = 10000
	}
	return &ReadingRepository{limit: limit}
}

// InsertReadings appends readings, dropping the oldest beyond the limit.
func (r *ReadingRepository) InsertReadings(_ context.Context, readings []telemetry.Reading) error {
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("memory reading repo: %w", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, readings...)
	if overflow := len(r.readings) - r.limit; overflow > 0 {
		r.readings = append([]telemetry.Reading(nil), r.readings[overflow:]...)
	}
	return nil
}

// Latest returns the most recent reading for an asset metric.
func (r *ReadingRepository) Latest(assetID, metricName string) (telemetry.Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.readings) - 1; i >= 0; i-- {
		reading := r.readings[i]
		if reading.AssetID == assetID && reading.MetricName == metricName {
			return reading, true
		}
	}
	return telemetry.Reading{}, false
}

// Len returns the number of retained readings.
func (r *ReadingRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readings)
}
