package insights

import (
	"errors"
	"sort"
	"time"
)

// ThresholdType names the rule that fired for a metric.
type ThresholdType string

const (
	ThresholdAboveMax ThresholdType = "above_max"
	ThresholdBelowMin ThresholdType = "below_min"
)

// ThresholdTypes lists every rule the evaluator applies.
var ThresholdTypes = []ThresholdType{ThresholdAboveMax, ThresholdBelowMin}

// Valid reports whether t is a known threshold type.
func (t ThresholdType) Valid() bool {
	switch t {
	case ThresholdAboveMax, ThresholdBelowMin:
		return true
	default:
		return false
	}
}

// Key identifies one distinct problem. An empty AssetID is a facility-wide finding.
type Key struct {
	FacilityID    string        `json:"facility_id"`
	AssetID       string        `json:"asset_id,omitempty"`
	MetricName    string        `json:"metric_name"`
	ThresholdType ThresholdType `json:"threshold_type"`
}

// Validate checks key completeness.
func (k Key) Validate() error {
	if k.FacilityID == "" || k.MetricName == "" || !k.ThresholdType.Valid() {
		return ErrInvalidKey
	}
	return nil
}

// String renders the key for logs and map keys.
func (k Key) String() string {
	return k.FacilityID + "|" + k.AssetID + "|" + k.MetricName + "|" + string(k.ThresholdType)
}

// Less orders keys deterministically.
func (k Key) Less(other Key) bool {
	if k.FacilityID != other.FacilityID {
		return k.FacilityID < other.FacilityID
	}
	if k.AssetID != other.AssetID {
		return k.AssetID < other.AssetID
	}
	if k.MetricName != other.MetricName {
		return k.MetricName < other.MetricName
	}
	return k.ThresholdType < other.ThresholdType
}

// Insight is a persisted alert instance for one key.
type Insight struct {
	ID            string        `json:"id"`
	FacilityID    string        `json:"facility_id"`
	AssetID       string        `json:"asset_id,omitempty"`
	Severity      Severity      `json:"severity"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	MetricName    string        `json:"metric_name"`
	ThresholdType ThresholdType `json:"threshold_type"`
	ObservedValue float64       `json:"observed_value"`
	DetectedAt    time.Time     `json:"detected_at"`
	ResolvedAt    time.Time     `json:"resolved_at,omitempty"`
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Key returns the deduplication key of the insight.
func (i Insight) Key() Key {
	return Key{
		FacilityID:    i.FacilityID,
		AssetID:       i.AssetID,
		MetricName:    i.MetricName,
		ThresholdType: i.ThresholdType,
	}
}

// Validate checks the record invariants before it is written.
func (i Insight) Validate() error {
	if i.ID == "" {
		return errors.New("insight: empty id")
	}
	if err := i.Key().Validate(); err != nil {
		return err
	}
	if i.IsActive && !i.Severity.Active() {
		return errors.New("insight: active insight needs severity above ok")
	}
	if i.DetectedAt.IsZero() {
		return errors.New("insight: empty detected_at")
	}
	if i.IsActive != i.ResolvedAt.IsZero() {
		return errors.New("insight: resolved_at must be set iff inactive")
	}
	if !i.ResolvedAt.IsZero() && i.ResolvedAt.Before(i.DetectedAt) {
		return errors.New("insight: resolved_at before detected_at")
	}
	return nil
}

// SortByDetectedDesc orders insights most recent first, ids break ties.
func SortByDetectedDesc(list []Insight) {
	sort.SliceStable(list, func(a, b int) bool {
		if !list[a].DetectedAt.Equal(list[b].DetectedAt) {
			return list[a].DetectedAt.After(list[b].DetectedAt)
		}
		return list[a].ID < list[b].ID
	})
}
