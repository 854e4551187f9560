package insights

import (
	"time"

	masterdata "plant-insights/internal/masterdata/domain"
)

// Finding is a reading observed outside its operating range.
type Finding struct {
	Key        Key
	AssetName  string
	Severity   Severity
	Value      float64
	Unit       string
	Ratio      float64
	Range      masterdata.OperatingRange
	ObservedAt time.Time
}

// ClearKey reports that a key is back inside its range.
type ClearKey struct {
	Key        Key
	Value      float64
	ObservedAt time.Time
}

// Outcome classifies what an upsert did to the active row of a key.
type Outcome string

const (
	OutcomeOpened      Outcome = "opened"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeDeescalated Outcome = "deescalated"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeResolved    Outcome = "resolved"
)

// OutcomeFor classifies a severity change on an existing active row.
func OutcomeFor(previous, current Severity) Outcome {
	switch {
	case previous == current:
		return OutcomeUnchanged
	case current.Rank() > previous.Rank():
		return OutcomeEscalated
	default:
		return OutcomeDeescalated
	}
}
