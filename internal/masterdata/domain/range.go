package masterdata

import (
	"errors"
	"math"
)

// ErrInvalidRange indicates an operating range that cannot be evaluated.
var ErrInvalidRange = errors.New("operating range: invalid")

// OperatingRange is the safe envelope configured for one asset metric.
// AssetName and FacilityID are copied from the asset directory.
type OperatingRange struct {
	AssetID    string  `json:"asset_id" yaml:"asset_id" db:"asset_id"`
	AssetName  string  `json:"asset_name" yaml:"asset_name" db:"asset_name"`
	FacilityID string  `json:"facility_id" yaml:"facility_id" db:"facility_id"`
	MetricName string  `json:"metric_name" yaml:"metric_name" db:"metric_name"`
	MinValue   float64 `json:"min_value" yaml:"min_value" db:"min_value"`
	MaxValue   float64 `json:"max_value" yaml:"max_value" db:"max_value"`
	Unit       string  `json:"unit" yaml:"unit" db:"unit"`
}

// Validate checks range invariants.
func (r OperatingRange) Validate() error {
	if r.AssetID == "" {
		return errors.New("operating range: empty asset id")
	}
	if r.FacilityID == "" {
		return errors.New("operating range: empty facility id")
	}
	if r.MetricName == "" {
		return errors.New("operating range: empty metric name")
	}
	if math.IsNaN(r.MinValue) || math.IsNaN(r.MaxValue) || math.IsInf(r.MinValue, 0) || math.IsInf(r.MaxValue, 0) {
		return ErrInvalidRange
	}
	if !(r.MinValue < r.MaxValue) {
		return ErrInvalidRange
	}
	return nil
}

// Width returns max minus min.
func (r OperatingRange) Width() float64 {
	return r.MaxValue - r.MinValue
}

// Contains reports whether value lies in [min, max].
func (r OperatingRange) Contains(value float64) bool {
	return value >= r.MinValue && value <= r.MaxValue
}

// RangeKey identifies a range row.
type RangeKey struct {
	AssetID    string
	MetricName string
}

// Key returns the uniqueness key of the range.
func (r OperatingRange) Key() RangeKey {
	return RangeKey{AssetID: r.AssetID, MetricName: r.MetricName}
}

// RangeLookup resolves the configured envelope of an asset metric.
type RangeLookup interface {
	Lookup(assetID, metricName string) (OperatingRange, bool)
}
