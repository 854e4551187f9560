package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload is the wire shape accepted by push ingestion (HTTP and MQTT).
// Either Readings is set, or AssetID with one or more Points.
type Payload struct {
	Readings []Reading          `json:"readings"`
	AssetID  string             `json:"asset_id"`
	TS       int64              `json:"ts"`
	Values   map[string]float64 `json:"values"`
	Units    map[string]string  `json:"units"`
	Points   []PayloadPoint     `json:"points"`
}

// PayloadPoint groups metric values sampled at the same instant.
type PayloadPoint struct {
	TS     int64              `json:"ts"`
	Values map[string]float64 `json:"values"`
}

// DecodePayload parses and validates a push payload.
func DecodePayload(body []byte) ([]Reading, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload.ToReadings()
}

// ToReadings flattens the payload into validated readings.
func (p Payload) ToReadings() ([]Reading, error) {
	readings := make([]Reading, 0, len(p.Readings))
	for _, reading := range p.Readings {
		if err := reading.Validate(); err != nil {
			return nil, fmt.Errorf("%w: asset %q metric %q", err, reading.AssetID, reading.MetricName)
		}
		reading.Timestamp = reading.Timestamp.UTC()
		readings = append(readings, reading)
	}

	points := p.Points
	if len(points) == 0 && p.TS != 0 {
		points = []PayloadPoint{{TS: p.TS, Values: p.Values}}
	}
	if len(points) > 0 && p.AssetID == "" {
		return nil, errors.New("missing asset_id")
	}
	for _, point := range points {
		ts, err := ParseTimestamp(point.TS)
		if err != nil {
			return nil, err
		}
		if len(point.Values) == 0 {
			return nil, errors.New("empty values")
		}
		for metric, value := range point.Values {
			reading := Reading{
				AssetID:    p.AssetID,
				MetricName: metric,
				Value:      value,
				Unit:       p.Units[metric],
				Timestamp:  ts,
			}
			if err := reading.Validate(); err != nil {
				return nil, fmt.Errorf("%w: metric %q", err, metric)
			}
			readings = append(readings, reading)
		}
	}

	if len(readings) == 0 {
		return nil, errors.New("no readings")
	}
	return readings, nil
}

// ParseTimestamp accepts unix milliseconds or seconds.
func ParseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
