// Package storetest holds the behaviour every insights.Store must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	insights "plant-insights/internal/insights/domain"
)

// Factory returns an empty store for one sub-test.
type Factory func(t *testing.T) insights.Store

// Run executes the shared store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("OpenThenUnchanged", func(t *testing.T) { testOpenThenUnchanged(t, factory(t)) })
	t.Run("EscalationKeepsDetectedAt", func(t *testing.T) { testEscalationKeepsDetectedAt(t, factory(t)) })
	t.Run("ResolveIsIdempotent", func(t *testing.T) { testResolveIsIdempotent(t, factory(t)) })
	t.Run("ResolveClampsToDetectedAt", func(t *testing.T) { testResolveClamps(t, factory(t)) })
	t.Run("ReopenCreatesNewRow", func(t *testing.T) { testReopenCreatesNewRow(t, factory(t)) })
	t.Run("FacilityWideKey", func(t *testing.T) { testFacilityWideKey(t, factory(t)) })
	t.Run("ListActiveScopesFacility", func(t *testing.T) { testListActiveScopesFacility(t, factory(t)) })
	t.Run("ConcurrentUpsertsKeepOneActive", func(t *testing.T) { ConcurrentUpserts(t, factory(t)) })
}

// Key is the key used by the contract.
var Key = insights.Key{
	FacilityID:    "11111111-1111-1111-1111-111111111111",
	AssetID:       "22222222-2222-2222-2222-222222222222",
	MetricName:    "temperature",
	ThresholdType: insights.ThresholdAboveMax,
}

// Base is the first timestamp used by the contract.
var Base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// Candidate builds a fresh active insight for key.
func Candidate(key insights.Key, severity insights.Severity, detectedAt time.Time) insights.Insight {
	return insights.Insight{
		ID:            uuid.NewString(),
		FacilityID:    key.FacilityID,
		AssetID:       key.AssetID,
		Severity:      severity,
		Title:         "Temperature Above Maximum",
		Description:   "Boiler T1: Temperature at " + string(severity),
		MetricName:    key.MetricName,
		ThresholdType: key.ThresholdType,
		ObservedValue: 118.3,
		DetectedAt:    detectedAt,
		IsActive:      true,
		CreatedAt:     detectedAt,
		UpdatedAt:     detectedAt,
	}
}

func mustUpsert(t *testing.T, store insights.Store, candidate insights.Insight) insights.UpsertResult {
	t.Helper()
	res, err := store.UpsertActive(context.Background(), candidate)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return res
}

func activeCount(t *testing.T, store insights.Store, facilityID string) int {
	t.Helper()
	list, err := store.ListActive(context.Background(), facilityID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	return len(list)
}

func testOpenThenUnchanged(t *testing.T, store insights.Store) {
	first := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	if first.Outcome != insights.OutcomeOpened {
		t.Fatalf("expected opened, got %s", first.Outcome)
	}
	second := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base.Add(time.Minute)))
	if second.Outcome != insights.OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", second.Outcome)
	}
	if second.Insight.ID != first.Insight.ID {
		t.Fatalf("expected same row, got %s vs %s", second.Insight.ID, first.Insight.ID)
	}
	if !second.Insight.UpdatedAt.Equal(first.Insight.UpdatedAt) {
		t.Fatalf("unchanged upsert must not touch updated_at")
	}
	if n := activeCount(t, store, Key.FacilityID); n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
}

func testEscalationKeepsDetectedAt(t *testing.T, store insights.Store) {
	first := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	escalated := Candidate(Key, insights.SeverityHigh, Base.Add(time.Minute))
	escalated.ObservedValue = 150
	res := mustUpsert(t, store, escalated)
	if res.Outcome != insights.OutcomeEscalated || res.Previous != insights.SeverityLow {
		t.Fatalf("expected escalated from low, got %s from %s", res.Outcome, res.Previous)
	}
	if res.Insight.ID != first.Insight.ID {
		t.Fatalf("escalation must update the existing row")
	}
	if !res.Insight.DetectedAt.Equal(Base) {
		t.Fatalf("detected_at changed to %v", res.Insight.DetectedAt)
	}
	if res.Insight.Severity != insights.SeverityHigh || res.Insight.ObservedValue != 150 {
		t.Fatalf("expected updated severity/value, got %+v", res.Insight)
	}
	if !res.Insight.UpdatedAt.Equal(Base.Add(time.Minute)) {
		t.Fatalf("expected updated_at bumped, got %v", res.Insight.UpdatedAt)
	}

	res = mustUpsert(t, store, Candidate(Key, insights.SeverityMedium, Base.Add(2*time.Minute)))
	if res.Outcome != insights.OutcomeDeescalated {
		t.Fatalf("expected deescalated, got %s", res.Outcome)
	}
}

func testResolveIsIdempotent(t *testing.T, store insights.Store) {
	ctx := context.Background()
	mustUpsert(t, store, Candidate(Key, insights.SeverityMedium, Base))
	resolved, err := store.ResolveActive(ctx, Key, Base.Add(time.Minute), Base.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || resolved.IsActive || !resolved.ResolvedAt.Equal(Base.Add(time.Minute)) {
		t.Fatalf("unexpected resolved row %+v", resolved)
	}
	if err := resolved.Validate(); err != nil {
		t.Fatalf("resolved row violates invariants: %v", err)
	}
	again, err := store.ResolveActive(ctx, Key, Base.Add(2*time.Minute), Base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again != nil {
		t.Fatalf("second resolve must be a no-op, got %+v", again)
	}
	if n := activeCount(t, store, Key.FacilityID); n != 0 {
		t.Fatalf("expected 0 active, got %d", n)
	}
}

func testResolveClamps(t *testing.T, store insights.Store) {
	mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	resolved, err := store.ResolveActive(context.Background(), Key, Base.Add(-time.Hour), Base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || !resolved.ResolvedAt.Equal(Base) {
		t.Fatalf("expected resolved_at clamped to detected_at, got %+v", resolved)
	}
}

func testReopenCreatesNewRow(t *testing.T, store insights.Store) {
	ctx := context.Background()
	first := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	if _, err := store.ResolveActive(ctx, Key, Base.Add(time.Minute), Base.Add(time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base.Add(2*time.Minute)))
	if second.Outcome != insights.OutcomeOpened || second.Insight.ID == first.Insight.ID {
		t.Fatalf("expected a new row to open, got %s id %s", second.Outcome, second.Insight.ID)
	}
	history, err := store.ListHistory(ctx, Key)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rows in history, got %d", len(history))
	}
	if !history[0].IsActive || history[1].IsActive {
		t.Fatalf("expected newest active, oldest resolved: %+v", history)
	}
	for _, row := range history {
		if err := row.Validate(); err != nil {
			t.Fatalf("row %s violates invariants: %v", row.ID, err)
		}
	}
}

func testFacilityWideKey(t *testing.T, store insights.Store) {
	key := Key
	key.AssetID = ""
	first := mustUpsert(t, store, Candidate(key, insights.SeverityLow, Base))
	second := mustUpsert(t, store, Candidate(key, insights.SeverityLow, Base.Add(time.Minute)))
	if first.Outcome != insights.OutcomeOpened || second.Outcome != insights.OutcomeUnchanged {
		t.Fatalf("facility-wide key must deduplicate, got %s then %s", first.Outcome, second.Outcome)
	}
	asset := mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	if asset.Outcome != insights.OutcomeOpened {
		t.Fatalf("asset key must be distinct from facility-wide key")
	}
	if n := activeCount(t, store, Key.FacilityID); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
}

func testListActiveScopesFacility(t *testing.T, store insights.Store) {
	other := Key
	other.FacilityID = "33333333-3333-3333-3333-333333333333"
	below := Key
	below.ThresholdType = insights.ThresholdBelowMin
	mustUpsert(t, store, Candidate(Key, insights.SeverityLow, Base))
	mustUpsert(t, store, Candidate(below, insights.SeverityHigh, Base.Add(time.Minute)))
	mustUpsert(t, store, Candidate(other, insights.SeverityLow, Base))

	list, err := store.ListActive(context.Background(), Key.FacilityID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 active for facility, got %d", len(list))
	}
	if list[0].ThresholdType != insights.ThresholdBelowMin {
		t.Fatalf("expected most recent detected_at first, got %+v", list)
	}
}

// ConcurrentUpserts races writers on one key. Losers may report a wrapped ErrConflict.
func ConcurrentUpserts(t *testing.T, store insights.Store) {
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpsertActive(context.Background(), Candidate(Key, insights.SeverityLow, Base))
			if err != nil && !errors.Is(err, insights.ErrConflict) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent upsert: %v", err)
	}
	if n := activeCount(t, store, Key.FacilityID); n != 1 {
		t.Fatalf("expected exactly 1 active, got %d", n)
	}
}
