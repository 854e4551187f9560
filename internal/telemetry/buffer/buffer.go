// Package buffer accumulates pushed readings until the next pump cycle drains them.
package buffer

import (
	"context"
	"sync"
	"time"

	telemetry "plant-insights/internal/telemetry/domain"
)

// Buffer is a bounded push-side accumulator. When full, the oldest readings are dropped.
type Buffer struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	capacity int
	dropped  int
	now      func() time.Time
}

// New constructs a buffer holding at most capacity readings.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 50000
	}
	return &Buffer{capacity: capacity, now: func() time.Time { return time.Now().UTC() }}
}

// Push appends readings and returns how many older readings were dropped to make room.
func (b *Buffer) Push(readings ...telemetry.Reading) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readings = append(b.readings, readings...)
	overflow := len(b.readings) - b.capacity
	if overflow <= 0 {
		return 0
	}
	b.readings = append([]telemetry.Reading(nil), b.readings[overflow:]...)
	b.dropped += overflow
	return overflow
}

// Next implements telemetry.BatchSource by draining the buffer.
func (b *Buffer) Next(_ context.Context) (telemetry.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := telemetry.Batch{Readings: b.readings, CollectedAt: b.now()}
	b.readings = nil
	return batch, nil
}

// Pending returns the number of readings waiting for the next cycle.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// Dropped returns the total number of readings discarded due to capacity.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
