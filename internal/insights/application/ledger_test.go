package application

import (
	"context"
	"errors"
	"testing"
	"time"

	insights "plant-insights/internal/insights/domain"
	"plant-insights/internal/insights/infrastructure/memory"
	masterdata "plant-insights/internal/masterdata/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type namerStub map[string]string

func (n namerStub) AssetName(assetID string) (string, bool) {
	name, ok := n[assetID]
	return name, ok
}

type listenerStub struct {
	changes []Change
}

func (l *listenerStub) Notify(_ context.Context, change Change) {
	l.changes = append(l.changes, change)
}

var boilerRange = masterdata.OperatingRange{
	AssetID:    "boiler-1",
	AssetName:  "Boiler T1",
	FacilityID: "plant-a",
	MetricName: "temperature",
	MinValue:   60,
	MaxValue:   115,
	Unit:       "°C",
}

var aboveKey = insights.Key{FacilityID: "plant-a", AssetID: "boiler-1", MetricName: "temperature", ThresholdType: insights.ThresholdAboveMax}

func at(minute int) time.Time {
	return time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC)
}

func finding(value float64, severity insights.Severity, ts time.Time) insights.Finding {
	return insights.Finding{
		Key:        aboveKey,
		AssetName:  "Boiler T1",
		Severity:   severity,
		Value:      value,
		Unit:       "°C",
		Range:      boilerRange,
		ObservedAt: ts,
	}
}

func newLedger(t *testing.T, store insights.Store, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock{now: at(30)}), WithAssetNamer(namerStub{"boiler-1": "Boiler T1"})}, opts...)
	ledger, err := NewLedger(store, opts...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	listener := &listenerStub{}
	ledger := newLedger(t, store, WithListener(listener))

	applied, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0))}, nil)
	if err != nil {
		t.Fatalf("apply open: %v", err)
	}
	if len(applied.Changes) != 1 || applied.Changes[0].Outcome != insights.OutcomeOpened {
		t.Fatalf("expected opened, got %+v", applied.Changes)
	}
	opened := applied.Changes[0].Insight
	if opened.Title != "Temperature Above Maximum" {
		t.Fatalf("unexpected title %q", opened.Title)
	}
	if opened.Description != "Boiler T1: Temperature at 118.3°C - above acceptable range (60-115°C)" {
		t.Fatalf("unexpected description %q", opened.Description)
	}
	if !opened.DetectedAt.Equal(at(0)) {
		t.Fatalf("detected_at must be the reading timestamp, got %v", opened.DetectedAt)
	}
	if len(applied.Facilities) != 1 || applied.Facilities[0] != "plant-a" {
		t.Fatalf("expected facility plant-a, got %v", applied.Facilities)
	}

	applied, err = ledger.Apply(ctx, []insights.Finding{finding(150, insights.SeverityHigh, at(1))}, nil)
	if err != nil {
		t.Fatalf("apply escalate: %v", err)
	}
	if len(applied.Changes) != 1 || applied.Changes[0].Outcome != insights.OutcomeEscalated {
		t.Fatalf("expected escalated, got %+v", applied.Changes)
	}
	escalated := applied.Changes[0].Insight
	if escalated.ID != opened.ID || !escalated.DetectedAt.Equal(at(0)) {
		t.Fatalf("escalation must keep the row and detected_at, got %+v", escalated)
	}
	if escalated.Severity != insights.SeverityHigh || escalated.ObservedValue != 150 {
		t.Fatalf("expected severity high and value 150, got %+v", escalated)
	}

	clear := insights.ClearKey{Key: aboveKey, Value: 90, ObservedAt: at(2)}
	applied, err = ledger.Apply(ctx, nil, []insights.ClearKey{clear})
	if err != nil {
		t.Fatalf("apply clear: %v", err)
	}
	if len(applied.Changes) != 1 || applied.Changes[0].Outcome != insights.OutcomeResolved {
		t.Fatalf("expected resolved, got %+v", applied.Changes)
	}
	resolved := applied.Changes[0].Insight
	if resolved.IsActive || !resolved.ResolvedAt.Equal(at(2)) {
		t.Fatalf("unexpected resolved row %+v", resolved)
	}

	views, err := ledger.ActiveInsightsFor(ctx, "plant-a")
	if err != nil {
		t.Fatalf("active insights: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no active insights, got %d", len(views))
	}
	if len(listener.changes) != 3 {
		t.Fatalf("expected 3 notified changes, got %d", len(listener.changes))
	}
}

func TestLedgerReapplyIsNoop(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t, memory.NewStore())
	batch := []insights.Finding{finding(121, insights.SeverityMedium, at(0))}

	if _, err := ledger.Apply(ctx, batch, nil); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, err := ledger.Apply(ctx, batch, nil)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(applied.Changes) != 0 || len(applied.Facilities) != 0 {
		t.Fatalf("re-apply must not change state, got %+v", applied)
	}

	clear := []insights.ClearKey{{Key: aboveKey, Value: 90, ObservedAt: at(1)}}
	if _, err := ledger.Apply(ctx, nil, clear); err != nil {
		t.Fatalf("clear: %v", err)
	}
	applied, err = ledger.Apply(ctx, nil, clear)
	if err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if len(applied.Changes) != 0 {
		t.Fatalf("clearing an inactive key must be a no-op, got %+v", applied.Changes)
	}
}

func TestLedgerResolveThenReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t, memory.NewStore())
	if _, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0))}, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ledger.Apply(ctx, nil, []insights.ClearKey{{Key: aboveKey, ObservedAt: at(1)}}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	applied, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(2))}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(applied.Changes) != 1 || applied.Changes[0].Outcome != insights.OutcomeOpened {
		t.Fatalf("expected a new insight to open, got %+v", applied.Changes)
	}
	history, err := ledger.History(ctx, aboveKey)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(history))
	}
	active := 0
	for _, row := range history {
		if row.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active row, got %d", active)
	}
}

func TestLedgerActiveInsightsForOrdersAndNames(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t, memory.NewStore())
	below := finding(40, insights.SeverityHigh, at(5))
	below.Key.ThresholdType = insights.ThresholdBelowMin
	below.AssetName = ""
	if _, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0)), below}, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	views, err := ledger.ActiveInsightsFor(ctx, "plant-a")
	if err != nil {
		t.Fatalf("active insights: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if !views[0].DetectedAt.Equal(at(5)) {
		t.Fatalf("expected most recent first, got %v", views[0].DetectedAt)
	}
	for _, view := range views {
		if view.AssetName != "Boiler T1" {
			t.Fatalf("expected asset name from namer, got %q", view.AssetName)
		}
	}
	if _, err := ledger.ActiveInsightsFor(ctx, ""); !errors.Is(err, insights.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty facility, got %v", err)
	}
}

type conflictStore struct {
	insights.Store
	conflicts int
}

func (s *conflictStore) UpsertActive(ctx context.Context, candidate insights.Insight) (insights.UpsertResult, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return insights.UpsertResult{}, insights.ErrConflict
	}
	return s.Store.UpsertActive(ctx, candidate)
}

func TestLedgerRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: memory.NewStore(), conflicts: 2}
	ledger := newLedger(t, store)
	applied, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0))}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied.Changes) != 1 {
		t.Fatalf("expected change after retries, got %+v", applied.Changes)
	}

	store.conflicts = 5
	other := finding(40, insights.SeverityHigh, at(1))
	other.Key.ThresholdType = insights.ThresholdBelowMin
	if _, err := ledger.Apply(ctx, []insights.Finding{other}, nil); !errors.Is(err, insights.ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausting attempts, got %v", err)
	}
}

type failingStore struct {
	insights.Store
	failOn insights.ThresholdType
}

func (s *failingStore) UpsertActive(ctx context.Context, candidate insights.Insight) (insights.UpsertResult, error) {
	if candidate.ThresholdType == s.failOn {
		return insights.UpsertResult{}, errors.New("boom")
	}
	return s.Store.UpsertActive(ctx, candidate)
}

func TestLedgerReturnsPartialChangesOnError(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore(), failOn: insights.ThresholdBelowMin}
	ledger := newLedger(t, store)
	below := finding(40, insights.SeverityHigh, at(1))
	below.Key.ThresholdType = insights.ThresholdBelowMin
	applied, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0)), below}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(applied.Changes) != 1 || len(applied.Facilities) != 1 {
		t.Fatalf("expected the first change to be reported, got %+v", applied)
	}
}

func TestLedgerActiveKeys(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t, memory.NewStore())
	if _, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0))}, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	set, err := ledger.ActiveKeys(ctx, []string{"plant-a", "plant-b"})
	if err != nil {
		t.Fatalf("active keys: %v", err)
	}
	if !set.Has(aboveKey) || len(set) != 1 {
		t.Fatalf("unexpected active set %v", set)
	}
}

func TestNewLedgerNilStore(t *testing.T) {
	if _, err := NewLedger(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

type failingResolveStore struct {
	*memory.Store
}

func (s failingResolveStore) ResolveActive(context.Context, insights.Key, time.Time, time.Time) (*insights.Insight, error) {
	return nil, errors.New("store unavailable")
}

func TestLedgerNotifiesAfterApplyFinishes(t *testing.T) {
	ctx := context.Background()
	store := failingResolveStore{memory.NewStore()}
	var seen []insights.Outcome
	listener := listenerFunc(func(change Change) {
		active, _ := store.ListActive(ctx, "plant-a")
		if len(active) != 1 {
			t.Errorf("listener saw %d active rows", len(active))
		}
		seen = append(seen, change.Outcome)
	})
	ledger := newLedger(t, store, WithListener(listener))

	other := insights.ClearKey{Key: aboveKey, Value: 90, ObservedAt: at(1)}
	applied, err := ledger.Apply(ctx, []insights.Finding{finding(118.3, insights.SeverityLow, at(0))}, []insights.ClearKey{other})
	if err == nil {
		t.Fatalf("expected resolve error")
	}
	if len(applied.Changes) != 1 || len(seen) != 1 || seen[0] != insights.OutcomeOpened {
		t.Fatalf("expected the stored change to be notified once, changes=%+v seen=%v", applied.Changes, seen)
	}
}

type listenerFunc func(Change)

func (f listenerFunc) Notify(_ context.Context, change Change) { f(change) }
