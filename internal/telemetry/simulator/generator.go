// Package simulator produces live sensor readings around each configured operating range.
package simulator

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	masterdata "plant-insights/internal/masterdata/domain"
	telemetry "plant-insights/internal/telemetry/domain"
)

const (
	defaultAmplitude = 0.45
	defaultNoise     = 0.04
	defaultPeriod    = time.Hour
)

// RangeLister exposes the currently configured ranges.
type RangeLister interface {
	Ranges() []masterdata.OperatingRange
}

// Generator emits one reading per configured (asset, metric) on each call to Next.
// Values follow a slow sinusoid around the range midpoint plus gaussian noise.
// Amplitude is a fraction of the range width; above 0.5 the signal regularly leaves the range.
type Generator struct {
	ranges    RangeLister
	amplitude float64
	noise     float64
	period    time.Duration
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures the generator.
type Option func(*Generator)

// WithAmplitude sets the sinusoid amplitude as a fraction of the range width.
func WithAmplitude(fraction float64) Option {
	return func(g *Generator) {
		if fraction > 0 {
			g.amplitude = fraction
		}
	}
}

// WithNoise sets the gaussian noise standard deviation as a fraction of the range width.
func WithNoise(fraction float64) Option {
	return func(g *Generator) {
		if fraction >= 0 {
			g.noise = fraction
		}
	}
}

// WithPeriod sets the sinusoid period.
func WithPeriod(period time.Duration) Option {
	return func(g *Generator) {
		if period > 0 {
			g.period = period
		}
	}
}

// WithClock sets the clock used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSeed makes the noise deterministic.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// New constructs a generator over the given ranges.
func New(ranges RangeLister, opts ...Option) (*Generator, error) {
	if ranges == nil {
		return nil, errors.New("simulator: nil ranges")
	}
	g := &Generator{
		ranges:    ranges,
		amplitude: defaultAmplitude,
		noise:     defaultNoise,
		period:    defaultPeriod,
		now:       func() time.Time { return time.Now().UTC() },
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next implements telemetry.BatchSource.
func (g *Generator) Next(_ context.Context) (telemetry.Batch, error) {
	now := g.now()
	ranges := g.ranges.Ranges()
	readings := make([]telemetry.Reading, 0, len(ranges))

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range ranges {
		readings = append(readings, telemetry.Reading{
			ID:         uuid.NewString(),
			AssetID:    r.AssetID,
			MetricName: r.MetricName,
			Value:      g.sample(r, now),
			Unit:       r.Unit,
			Timestamp:  now,
		})
	}
	return telemetry.Batch{Readings: readings, CollectedAt: now}, nil
}

func (g *Generator) sample(r masterdata.OperatingRange, now time.Time) float64 {
	width := r.Width()
	mid := r.MinValue + width/2
	phase := phaseOf(r.AssetID + "/" + r.MetricName)
	t := float64(now.UnixNano()) / float64(g.period.Nanoseconds())
	base := mid + g.amplitude*width*math.Sin(phase+2*math.Pi*t)
	value := base + g.rng.NormFloat64()*g.noise*width
	return math.Round(value*100) / 100
}

// phaseOf spreads series across the cycle so assets do not breach in lockstep.
func phaseOf(id string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()%1000) / 1000 * 2 * math.Pi
}
