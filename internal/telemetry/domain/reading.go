package telemetry

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrInvalidReading indicates a reading that cannot be stored or evaluated.
var ErrInvalidReading = errors.New("reading: invalid")

// Reading is one sensor sample. Readings are immutable once written.
type Reading struct {
	ID         string    `json:"id,omitempty" db:"id"`
	AssetID    string    `json:"asset_id" db:"asset_id"`
	MetricName string    `json:"metric_name" db:"metric_name"`
	Value      float64   `json:"value" db:"value"`
	Unit       string    `json:"unit" db:"unit"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// Validate checks reading invariants.
func (r Reading) Validate() error {
	if r.AssetID == "" || r.MetricName == "" {
		return ErrInvalidReading
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return ErrInvalidReading
	}
	if r.Timestamp.IsZero() {
		return ErrInvalidReading
	}
	return nil
}

// Batch is the set of readings collected in one cycle.
type Batch struct {
	Readings    []Reading
	CollectedAt time.Time
}

// Len returns the number of readings in the batch.
func (b Batch) Len() int {
	return len(b.Readings)
}

// ReadingRepository persists readings.
type ReadingRepository interface {
	InsertReadings(ctx context.Context, readings []Reading) error
}

// BatchSource yields the readings collected since the previous call.
type BatchSource interface {
	Next(ctx context.Context) (Batch, error)
}
