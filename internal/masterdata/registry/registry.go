// Package registry serves operating ranges from an immutable in-memory snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	masterdata "plant-insights/internal/masterdata/domain"
)

// Source loads the full set of configured ranges.
type Source interface {
	LoadRanges(ctx context.Context) ([]masterdata.OperatingRange, error)
}

// Snapshot is a read-only view of the configured ranges.
type Snapshot struct {
	ranges     map[masterdata.RangeKey]masterdata.OperatingRange
	assetNames map[string]string
	ordered    []masterdata.OperatingRange
	loadedAt   time.Time
}

// NewSnapshot validates ranges and indexes them by (asset, metric).
func NewSnapshot(ranges []masterdata.OperatingRange, loadedAt time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		ranges:     make(map[masterdata.RangeKey]masterdata.OperatingRange, len(ranges)),
		assetNames: make(map[string]string),
		ordered:    make([]masterdata.OperatingRange, 0, len(ranges)),
		loadedAt:   loadedAt,
	}
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("range %s/%s: %w", r.AssetID, r.MetricName, err)
		}
		key := r.Key()
		if _, dup := snap.ranges[key]; dup {
			return nil, fmt.Errorf("range %s/%s: duplicate", r.AssetID, r.MetricName)
		}
		snap.ranges[key] = r
		if r.AssetName != "" {
			snap.assetNames[r.AssetID] = r.AssetName
		}
		snap.ordered = append(snap.ordered, r)
	}
	sort.Slice(snap.ordered, func(i, j int) bool {
		if snap.ordered[i].AssetID != snap.ordered[j].AssetID {
			return snap.ordered[i].AssetID < snap.ordered[j].AssetID
		}
		return snap.ordered[i].MetricName < snap.ordered[j].MetricName
	})
	return snap, nil
}

// Lookup implements masterdata.RangeLookup.
func (s *Snapshot) Lookup(assetID, metricName string) (masterdata.OperatingRange, bool) {
	if s == nil {
		return masterdata.OperatingRange{}, false
	}
	r, ok := s.ranges[masterdata.RangeKey{AssetID: assetID, MetricName: metricName}]
	return r, ok
}

// AssetName implements masterdata.AssetNamer.
func (s *Snapshot) AssetName(assetID string) (string, bool) {
	if s == nil {
		return "", false
	}
	name, ok := s.assetNames[assetID]
	return name, ok
}

// Ranges returns every range ordered by asset then metric.
func (s *Snapshot) Ranges() []masterdata.OperatingRange {
	if s == nil {
		return nil
	}
	out := make([]masterdata.OperatingRange, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Facilities returns the distinct facility ids of the snapshot, sorted.
func (s *Snapshot) Facilities() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.ordered {
		if _, ok := seen[r.FacilityID]; ok || r.FacilityID == "" {
			continue
		}
		seen[r.FacilityID] = struct{}{}
		out = append(out, r.FacilityID)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of configured ranges.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Registry holds the current snapshot. Readers never lock.
type Registry struct {
	source  Source
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// Option customizes the registry.
type Option func(*Registry)

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock assigns the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a registry with an empty snapshot.
func New(source Source, opts ...Option) (*Registry, error) {
	if source == nil {
		return nil, errors.New("registry: nil source")
	}
	r := &Registry{
		source: source,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	empty, _ := NewSnapshot(nil, time.Time{})
	r.current.Store(empty)
	return r, nil
}

// Refresh reloads ranges from the source. On failure the previous snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	ranges, err := r.source.LoadRanges(ctx)
	if err != nil {
		return fmt.Errorf("registry: load ranges: %w", err)
	}
	snap, err := NewSnapshot(ranges, r.now())
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.current.Store(snap)
	r.logger.Debug("operating ranges refreshed", zap.Int("ranges", snap.Len()))
	return nil
}

// Run refreshes the snapshot every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("operating range refresh failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup implements masterdata.RangeLookup against the current snapshot.
func (r *Registry) Lookup(assetID, metricName string) (masterdata.OperatingRange, bool) {
	return r.Snapshot().Lookup(assetID, metricName)
}

// AssetName implements masterdata.AssetNamer against the current snapshot.
func (r *Registry) AssetName(assetID string) (string, bool) {
	return r.Snapshot().AssetName(assetID)
}

// Ranges returns the ranges of the current snapshot.
func (r *Registry) Ranges() []masterdata.OperatingRange {
	return r.Snapshot().Ranges()
}

// StaticSource serves a fixed slice of ranges.
type StaticSource []masterdata.OperatingRange

// LoadRanges implements Source.
func (s StaticSource) LoadRanges(context.Context) ([]masterdata.OperatingRange, error) {
	out := make([]masterdata.OperatingRange, len(s))
	copy(out, s)
	return out, nil
}
