// Package yamlfile loads operating ranges from a YAML document.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	masterdata "plant-insights/internal/masterdata/domain"
)

// Document is the on-disk layout:
//
//	facilities:
//	  - id: facility-a
//	    assets:
//	      - id: asset-t1
//	        name: Boiler T1
//	        ranges:
//	          - metric: temperature
//	            min: 60
//	            max: 115
//	            unit: °C
type Document struct {
	Facilities []Facility `yaml:"facilities"`
}

// Facility groups assets.
type Facility struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Assets []Asset `yaml:"assets"`
}

// Asset lists the ranges configured for one asset.
type Asset struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Ranges []Range `yaml:"ranges"`
}

// Range is one metric envelope.
type Range struct {
	Metric string  `yaml:"metric"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Unit   string  `yaml:"unit"`
}

// RangeSource reads a YAML file on every load.
type RangeSource struct {
	path string
}

// NewRangeSource constructs a source for path.
func NewRangeSource(path string) (*RangeSource, error) {
	if path == "" {
		return nil, errors.New("yaml range source: empty path")
	}
	return &RangeSource{path: path}, nil
}

// LoadRanges implements registry.Source.
func (s *RangeSource) LoadRanges(_ context.Context) ([]masterdata.OperatingRange, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("yaml range source: read %s: %w", s.path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into flat ranges.
func Parse(raw []byte) ([]masterdata.OperatingRange, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml range source: decode: %w", err)
	}
	var out []masterdata.OperatingRange
	for _, facility := range doc.Facilities {
		if facility.ID == "" {
			return nil, errors.New("yaml range source: facility without id")
		}
		for _, asset := range facility.Assets {
			if asset.ID == "" {
				return nil, fmt.Errorf("yaml range source: asset without id in facility %s", facility.ID)
			}
			for _, r := range asset.Ranges {
				out = append(out, masterdata.OperatingRange{
					AssetID:    asset.ID,
					AssetName:  asset.Name,
					FacilityID: facility.ID,
					MetricName: r.Metric,
					MinValue:   r.Min,
					MaxValue:   r.Max,
					Unit:       r.Unit,
				})
			}
		}
	}
	return out, nil
}
