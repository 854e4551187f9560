package buffer

import (
	"context"
	"testing"
	"time"

	telemetry "plant-insights/internal/telemetry/domain"
)

func reading(value float64) telemetry.Reading {
	return telemetry.Reading{AssetID: "asset-1", MetricName: "temperature", Value: value, Timestamp: time.Unix(100, 0).UTC()}
}

func TestBufferDrainsOnNext(t *testing.T) {
	buf := New(10)
	buf.Push(reading(1), reading(2))
	batch, err := buf.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected 2 readings, got %d", batch.Len())
	}
	if buf.Pending() != 0 {
		t.Fatalf("expected empty buffer after drain")
	}
	batch, _ = buf.Next(context.Background())
	if batch.Len() != 0 {
		t.Fatalf("expected empty batch, got %d", batch.Len())
	}
}

func TestBufferDropsOldestBeyondCapacity(t *testing.T) {
	buf := New(2)
	if dropped := buf.Push(reading(1), reading(2), reading(3)); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	batch, _ := buf.Next(context.Background())
	if batch.Len() != 2 || batch.Readings[0].Value != 2 || batch.Readings[1].Value != 3 {
		t.Fatalf("expected newest readings kept, got %+v", batch.Readings)
	}
	if buf.Dropped() != 1 {
		t.Fatalf("expected dropped counter 1, got %d", buf.Dropped())
	}
}
