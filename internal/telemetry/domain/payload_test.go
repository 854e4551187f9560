package telemetry

import (
	"testing"
	"time"
)

func TestDecodePayloadPoints(t *testing.T) {
	body := []byte(`{"asset_id":"a1","units":{"temperature":"°C"},"points":[{"ts":1700000000000,"values":{"temperature":118.3,"pressure":2.1}}]}`)
	readings, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	want := time.UnixMilli(1700000000000).UTC()
	for _, reading := range readings {
		if !reading.Timestamp.Equal(want) {
			t.Fatalf("unexpected ts %v", reading.Timestamp)
		}
		if reading.MetricName == "temperature" && reading.Unit != "°C" {
			t.Fatalf("expected unit from units map, got %q", reading.Unit)
		}
	}
}

func TestDecodePayloadReadingsList(t *testing.T) {
	body := []byte(`{"readings":[{"asset_id":"a1","metric_name":"temperature","value":90,"unit":"°C","timestamp":"2024-01-01T00:00:00Z"}]}`)
	readings, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 90 {
		t.Fatalf("unexpected readings %+v", readings)
	}
}

func TestDecodePayloadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad json":      `{`,
		"empty":         `{}`,
		"missing asset": `{"ts":1700000000,"values":{"t":1}}`,
		"bad ts":        `{"asset_id":"a1","points":[{"ts":-1,"values":{"t":1}}]}`,
		"no values":     `{"asset_id":"a1","ts":1700000000}`,
		"invalid row":   `{"readings":[{"asset_id":"","metric_name":"t","value":1,"timestamp":"2024-01-01T00:00:00Z"}]}`,
	}
	for name, body := range cases {
		if _, err := DecodePayload([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseTimestampSeconds(t *testing.T) {
	ts, err := ParseTimestamp(1700000000)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.Unix() != 1700000000 {
		t.Fatalf("unexpected ts %v", ts)
	}
}
