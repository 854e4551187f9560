package insights

import (
	"context"
	"time"
)

// UpsertResult is what the store did with a candidate active insight.
// Insight is the active row after the write; Previous is its severity before it.
type UpsertResult struct {
	Insight  Insight
	Outcome  Outcome
	Previous Severity
}

// Store persists insights. Implementations guarantee that at most one active row
// exists per Key, and that a concurrent loser of that race sees ErrConflict.
type Store interface {
	// UpsertActive inserts candidate as the active row of its key, or updates the
	// existing active row when the severity differs. detected_at is never rewritten.
	UpsertActive(ctx context.Context, candidate Insight) (UpsertResult, error)
	// ResolveActive deactivates the active row of key. It returns nil when no row was active.
	// resolved_at is at, clamped so it is never before detected_at.
	ResolveActive(ctx context.Context, key Key, at, now time.Time) (*Insight, error)
	// ListActive returns the active rows of a facility, most recent detected_at first.
	ListActive(ctx context.Context, facilityID string) ([]Insight, error)
	// ListHistory returns every row of a key, most recent detected_at first.
	ListHistory(ctx context.Context, key Key) ([]Insight, error)
}

// KeySet is a set of insight keys.
type KeySet map[Key]struct{}

// Has reports whether key is in the set.
func (s KeySet) Has(key Key) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key.
func (s KeySet) Add(key Key) {
	s[key] = struct{}{}
}

// ResolvedAt clamps a clearing timestamp so resolved_at never precedes detected_at.
func ResolvedAt(detectedAt, at time.Time) time.Time {
	if at.Before(detectedAt) {
		return detectedAt
	}
	return at
}
