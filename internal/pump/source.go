package pump

import (
	"context"
	"errors"
	"time"

	telemetry "plant-insights/internal/telemetry/domain"
)

// MultiSource concatenates the batches of several sources.
type MultiSource []telemetry.BatchSource

// Next drains every source. A failing source does not stop the others;
// the joined error is returned with whatever was collected.
func (m MultiSource) Next(ctx context.Context) (telemetry.Batch, error) {
	var (
		batch telemetry.Batch
		errs  []error
	)
	for _, source := range m {
		if source == nil {
			continue
		}
		next, err := source.Next(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		batch.Readings = append(batch.Readings, next.Readings...)
		if next.CollectedAt.After(batch.CollectedAt) {
			batch.CollectedAt = next.CollectedAt
		}
	}
	if batch.CollectedAt.IsZero() {
		batch.CollectedAt = time.Now().UTC()
	}
	return batch, errors.Join(errs...)
}
