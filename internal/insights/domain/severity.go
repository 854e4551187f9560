package insights

import "fmt"

// Severity grades how far a reading left its operating envelope.
type Severity string

const (
	SeverityOK     Severity = "ok"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; unknown values rank below ok.
func (s Severity) Rank() int {
	switch s {
	case SeverityOK:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Active reports whether s may be carried by an active insight.
func (s Severity) Active() bool {
	return s.Rank() > 0
}

// ParseSeverity validates a stored severity value.
func ParseSeverity(value string) (Severity, error) {
	s := Severity(value)
	if !s.Valid() {
		return "", fmt.Errorf("insight: unknown severity %q", value)
	}
	return s, nil
}

// SeverityPolicy maps the fractional breach of a range width to a severity.
// Ratios below MediumRatio are low, below HighRatio medium, anything else high.
type SeverityPolicy struct {
	MediumRatio float64
	HighRatio   float64
}

// DefaultSeverityPolicy returns the 10%/25% cutoffs.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{MediumRatio: 0.10, HighRatio: 0.25}
}

// Validate checks the cutoffs are ordered and positive.
func (p SeverityPolicy) Validate() error {
	if p.MediumRatio <= 0 {
		return fmt.Errorf("severity policy: medium ratio must be > 0, got %v", p.MediumRatio)
	}
	if p.HighRatio <= p.MediumRatio {
		return fmt.Errorf("severity policy: high ratio %v must exceed medium ratio %v", p.HighRatio, p.MediumRatio)
	}
	return nil
}

// Classify returns the severity for a breach ratio.
func (p SeverityPolicy) Classify(ratio float64) Severity {
	switch {
	case ratio >= p.HighRatio:
		return SeverityHigh
	case ratio >= p.MediumRatio:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
