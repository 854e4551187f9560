package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	insights "plant-insights/internal/insights/domain"
	masterdata "plant-insights/internal/masterdata/domain"
	"plant-insights/internal/observability/metrics"
)

const defaultMaxAttempts = 3

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// ChangeListener receives the state transitions of an Apply call once the
// whole call has finished. Implementations must not block.
type ChangeListener interface {
	Notify(ctx context.Context, change Change)
}

// Change is one state transition of an insight.
type Change struct {
	Outcome   insights.Outcome  `json:"outcome"`
	Previous  insights.Severity `json:"previous_severity,omitempty"`
	Insight   insights.Insight  `json:"insight"`
	AssetName string            `json:"asset_name,omitempty"`
}

// AppliedInsights summarises one Apply call.
type AppliedInsights struct {
	Changes []Change
	// Facilities lists each facility with at least one change, sorted.
	Facilities []string
}

// Ledger owns the insight lifecycle: open, escalate, de-escalate, resolve.
type Ledger struct {
	store       insights.Store
	namer       masterdata.AssetNamer
	listener    ChangeListener
	clock       Clock
	logger      *zap.Logger
	maxAttempts int
	newID       func() string
}

// Option customizes the ledger.
type Option func(*Ledger)

// WithAssetNamer resolves asset names for titles and the read model.
func WithAssetNamer(namer masterdata.AssetNamer) Option {
	return func(l *Ledger) {
		l.namer = namer
	}
}

// WithListener assigns a change listener.
func WithListener(listener ChangeListener) Option {
	return func(l *Ledger) {
		l.listener = listener
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMaxAttempts bounds retries of an upsert that lost the active-key race.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithIDGenerator overrides insight id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		if newID != nil {
			l.newID = newID
		}
	}
}

// NewLedger constructs a ledger.
func NewLedger(store insights.Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("insights: nil store")
	}
	l := &Ledger{
		store:       store,
		clock:       systemClock{},
		logger:      zap.NewNop(),
		maxAttempts: defaultMaxAttempts,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Apply stores findings and clears. Re-applying the same input is a no-op.
// On a store error the changes made so far are returned with the error.
func (l *Ledger) Apply(ctx context.Context, findings []insights.Finding, clears []insights.ClearKey) (AppliedInsights, error) {
	if l == nil {
		return AppliedInsights{}, errors.New("insights: nil ledger")
	}
	start := time.Now()
	var applied AppliedInsights
	err := l.apply(ctx, findings, clears, &applied)
	applied.Facilities = facilitiesOf(applied.Changes)
	if l.listener != nil {
		for _, change := range applied.Changes {
			l.listener.Notify(ctx, change)
		}
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveLedgerApply(result, time.Since(start))
	return applied, err
}

func (l *Ledger) apply(ctx context.Context, findings []insights.Finding, clears []insights.ClearKey, applied *AppliedInsights) error {
	for _, finding := range findings {
		if err := finding.Key.Validate(); err != nil {
			return fmt.Errorf("insights: finding %s: %w", finding.Key, err)
		}
		if !finding.Severity.Active() {
			return fmt.Errorf("insights: finding %s has inactive severity %q", finding.Key, finding.Severity)
		}
		res, err := l.upsert(ctx, finding)
		if err != nil {
			return fmt.Errorf("insights: upsert %s: %w", finding.Key, err)
		}
		if res.Outcome == insights.OutcomeUnchanged {
			continue
		}
		l.record(applied, Change{
			Outcome:   res.Outcome,
			Previous:  res.Previous,
			Insight:   res.Insight,
			AssetName: l.assetName(finding.Key.AssetID, finding.AssetName),
		})
	}

	now := l.clock.Now().UTC()
	for _, clear := range clears {
		if err := clear.Key.Validate(); err != nil {
			return fmt.Errorf("insights: clear %s: %w", clear.Key, err)
		}
		resolved, err := l.store.ResolveActive(ctx, clear.Key, clear.ObservedAt, now)
		if err != nil {
			return fmt.Errorf("insights: resolve %s: %w", clear.Key, err)
		}
		if resolved == nil {
			continue
		}
		l.record(applied, Change{
			Outcome:   insights.OutcomeResolved,
			Previous:  resolved.Severity,
			Insight:   *resolved,
			AssetName: l.assetName(clear.Key.AssetID, ""),
		})
	}
	return nil
}

func (l *Ledger) upsert(ctx context.Context, finding insights.Finding) (insights.UpsertResult, error) {
	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		now := l.clock.Now().UTC()
		candidate := insights.Insight{
			ID:            l.newID(),
			FacilityID:    finding.Key.FacilityID,
			AssetID:       finding.Key.AssetID,
			Severity:      finding.Severity,
			Title:         Title(finding.Key.MetricName, finding.Key.ThresholdType),
			Description:   Description(finding, l.assetName(finding.Key.AssetID, finding.AssetName)),
			MetricName:    finding.Key.MetricName,
			ThresholdType: finding.Key.ThresholdType,
			ObservedValue: finding.Value,
			DetectedAt:    finding.ObservedAt.UTC(),
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		res, err := l.store.UpsertActive(ctx, candidate)
		if errors.Is(err, insights.ErrConflict) {
			metrics.IncUpsertConflict()
			l.logger.Debug("insight upsert conflict, retrying",
				zap.String("key", finding.Key.String()),
				zap.Int("attempt", attempt+1),
			)
			lastErr = err
			continue
		}
		return res, err
	}
	return insights.UpsertResult{}, lastErr
}

func (l *Ledger) record(applied *AppliedInsights, change Change) {
	applied.Changes = append(applied.Changes, change)
	metrics.IncTransition(string(change.Outcome))
	l.logger.Info("insight transition",
		zap.String("outcome", string(change.Outcome)),
		zap.String("facility_id", change.Insight.FacilityID),
		zap.String("asset_id", change.Insight.AssetID),
		zap.String("metric", change.Insight.MetricName),
		zap.String("threshold_type", string(change.Insight.ThresholdType)),
		zap.String("severity", string(change.Insight.Severity)),
	)
}

// ActiveKeys returns the keys with an active insight across the given facilities.
func (l *Ledger) ActiveKeys(ctx context.Context, facilityIDs []string) (insights.KeySet, error) {
	if l == nil {
		return nil, errors.New("insights: nil ledger")
	}
	set := insights.KeySet{}
	for _, facilityID := range facilityIDs {
		list, err := l.store.ListActive(ctx, facilityID)
		if err != nil {
			return nil, err
		}
		for _, item := range list {
			set.Add(item.Key())
		}
	}
	return set, nil
}

// History returns every insight row of a key, most recent first.
func (l *Ledger) History(ctx context.Context, key insights.Key) ([]insights.Insight, error) {
	if l == nil {
		return nil, errors.New("insights: nil ledger")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return l.store.ListHistory(ctx, key)
}

func (l *Ledger) assetName(assetID, fallback string) string {
	if fallback != "" || assetID == "" {
		return fallback
	}
	if l.namer != nil {
		if name, ok := l.namer.AssetName(assetID); ok {
			return name
		}
	}
	return ""
}

func facilitiesOf(changes []Change) []string {
	seen := make(map[string]struct{}, len(changes))
	var out []string
	for _, change := range changes {
		if _, ok := seen[change.Insight.FacilityID]; ok {
			continue
		}
		seen[change.Insight.FacilityID] = struct{}{}
		out = append(out, change.Insight.FacilityID)
	}
	sort.Strings(out)
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
