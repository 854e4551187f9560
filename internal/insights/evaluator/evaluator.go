// Package evaluator turns sensor readings into out-of-range findings and clears.
package evaluator

import (
	"errors"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	insights "plant-insights/internal/insights/domain"
	masterdata "plant-insights/internal/masterdata/domain"
	"plant-insights/internal/observability/metrics"
	telemetry "plant-insights/internal/telemetry/domain"
)

// ActiveSet reports which keys currently carry an active insight. insights.KeySet implements it.
type ActiveSet interface {
	Has(key insights.Key) bool
}

// Result is the outcome of evaluating one batch.
type Result struct {
	Findings  []insights.Finding
	Clears    []insights.ClearKey
	Unmatched []telemetry.Reading
	// Facilities lists every facility with at least one evaluable reading, sorted.
	Facilities []string
	// AssetStatuses marks assets with any breach as maintenance, the rest as operational.
	AssetStatuses map[string]masterdata.AssetStatus
}

// Evaluator classifies readings against operating ranges.
type Evaluator struct {
	policy insights.SeverityPolicy
	logger *zap.Logger
	warned sync.Map
}

// Option configures the evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an evaluator with a validated severity policy.
func New(policy insights.SeverityPolicy, opts ...Option) (*Evaluator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{policy: policy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate classifies a batch. ranges must not be nil. active may be nil, in which
// case every in-range reading clears both threshold types of its metric.
func (e *Evaluator) Evaluate(readings []telemetry.Reading, ranges masterdata.RangeLookup, active ActiveSet) (Result, error) {
	if ranges == nil {
		return Result{}, errors.New("evaluator: nil range lookup")
	}

	findings := make(map[insights.Key]insights.Finding)
	clears := make(map[insights.Key]insights.ClearKey)
	facilities := make(map[string]struct{})
	statuses := make(map[string]masterdata.AssetStatus)
	var unmatched []telemetry.Reading

	for _, reading := range readings {
		if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
			unmatched = append(unmatched, reading)
			continue
		}
		r, ok := ranges.Lookup(reading.AssetID, reading.MetricName)
		if !ok {
			unmatched = append(unmatched, reading)
			e.rangeMiss(reading)
			continue
		}
		facilities[r.FacilityID] = struct{}{}
		if _, seen := statuses[r.AssetID]; !seen {
			statuses[r.AssetID] = masterdata.AssetOperational
		}

		base := insights.Key{FacilityID: r.FacilityID, AssetID: r.AssetID, MetricName: r.MetricName}
		breach, overshoot := classify(r, reading.Value)
		if breach == "" {
			for _, tt := range insights.ThresholdTypes {
				key := base
				key.ThresholdType = tt
				addClear(clears, key, reading)
			}
			continue
		}

		statuses[r.AssetID] = masterdata.AssetMaintenance
		key := base
		key.ThresholdType = breach
		ratio := overshoot / r.Width()
		unit := reading.Unit
		if unit == "" {
			unit = r.Unit
		}
		candidate := insights.Finding{
			Key:        key,
			AssetName:  r.AssetName,
			Severity:   e.policy.Classify(ratio),
			Value:      reading.Value,
			Unit:       unit,
			Ratio:      ratio,
			Range:      r,
			ObservedAt: reading.Timestamp,
		}
		if current, ok := findings[key]; !ok || outranks(candidate, current) {
			findings[key] = candidate
		}

		opposite := base
		opposite.ThresholdType = oppositeOf(breach)
		addClear(clears, opposite, reading)
	}

	result := Result{Unmatched: unmatched, AssetStatuses: statuses}
	for _, finding := range findings {
		result.Findings = append(result.Findings, finding)
		metrics.IncFinding(string(finding.Severity))
	}
	for key, clear := range clears {
		if _, ok := findings[key]; ok {
			continue
		}
		if active != nil && !active.Has(key) {
			continue
		}
		result.Clears = append(result.Clears, clear)
	}
	for facility := range facilities {
		result.Facilities = append(result.Facilities, facility)
	}

	sort.Slice(result.Findings, func(a, b int) bool { return result.Findings[a].Key.Less(result.Findings[b].Key) })
	sort.Slice(result.Clears, func(a, b int) bool { return result.Clears[a].Key.Less(result.Clears[b].Key) })
	sort.Strings(result.Facilities)
	return result, nil
}

func classify(r masterdata.OperatingRange, value float64) (insights.ThresholdType, float64) {
	switch {
	case value > r.MaxValue:
		return insights.ThresholdAboveMax, value - r.MaxValue
	case value < r.MinValue:
		return insights.ThresholdBelowMin, r.MinValue - value
	default:
		return "", 0
	}
}

func oppositeOf(t insights.ThresholdType) insights.ThresholdType {
	if t == insights.ThresholdAboveMax {
		return insights.ThresholdBelowMin
	}
	return insights.ThresholdAboveMax
}

// outranks picks the worst finding per key: higher severity, then larger ratio, then later reading.
func outranks(candidate, current insights.Finding) bool {
	if candidate.Severity.Rank() != current.Severity.Rank() {
		return candidate.Severity.Rank() > current.Severity.Rank()
	}
	if candidate.Ratio != current.Ratio {
		return candidate.Ratio > current.Ratio
	}
	return candidate.ObservedAt.After(current.ObservedAt)
}

func addClear(clears map[insights.Key]insights.ClearKey, key insights.Key, reading telemetry.Reading) {
	if current, ok := clears[key]; ok && !reading.Timestamp.After(current.ObservedAt) {
		return
	}
	clears[key] = insights.ClearKey{Key: key, Value: reading.Value, ObservedAt: reading.Timestamp}
}

func (e *Evaluator) rangeMiss(reading telemetry.Reading) {
	metrics.IncRangeMiss()
	key := masterdata.RangeKey{AssetID: reading.AssetID, MetricName: reading.MetricName}
	if _, loaded := e.warned.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	e.logger.Warn("no operating range for reading",
		zap.String("asset_id", reading.AssetID),
		zap.String("metric", reading.MetricName),
	)
}
