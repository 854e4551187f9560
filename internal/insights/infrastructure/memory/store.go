package memory

import (
	"context"
	"sync"
	"time"

	insights "plant-insights/internal/insights/domain"
)

// Store is an in-memory insight store for demo/testing.
// A single lock makes every upsert and resolve atomic per key.
type Store struct {
	mu     sync.RWMutex
	rows   map[string]*insights.Insight
	active map[insights.Key]string
	order  []string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		rows:   make(map[string]*insights.Insight),
		active: make(map[insights.Key]string),
	}
}

// UpsertActive implements insights.Store.
func (s *Store) UpsertActive(_ context.Context, candidate insights.Insight) (insights.UpsertResult, error) {
	if err := candidate.Validate(); err != nil {
		return insights.UpsertResult{}, err
	}
	key := candidate.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[key]; ok {
		row := s.rows[id]
		previous := row.Severity
		if previous == candidate.Severity {
			return insights.UpsertResult{Insight: *row, Outcome: insights.OutcomeUnchanged, Previous: previous}, nil
		}
		row.Severity = candidate.Severity
		row.Title = candidate.Title
		row.Description = candidate.Description
		row.ObservedValue = candidate.ObservedValue
		row.UpdatedAt = candidate.UpdatedAt
		return insights.UpsertResult{
			Insight:  *row,
			Outcome:  insights.OutcomeFor(previous, candidate.Severity),
			Previous: previous,
		}, nil
	}

	if _, exists := s.rows[candidate.ID]; exists {
		return insights.UpsertResult{}, insights.ErrConflict
	}
	row := candidate
	s.rows[row.ID] = &row
	s.active[key] = row.ID
	s.order = append(s.order, row.ID)
	return insights.UpsertResult{Insight: row, Outcome: insights.OutcomeOpened, Previous: insights.SeverityOK}, nil
}

// ResolveActive implements insights.Store.
func (s *Store) ResolveActive(_ context.Context, key insights.Key, at, now time.Time) (*insights.Insight, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[key]
	if !ok {
		return nil, nil
	}
	row := s.rows[id]
	row.IsActive = false
	row.ResolvedAt = insights.ResolvedAt(row.DetectedAt, at)
	row.UpdatedAt = now
	delete(s.active, key)
	out := *row
	return &out, nil
}

// ListActive implements insights.Store.
func (s *Store) ListActive(_ context.Context, facilityID string) ([]insights.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []insights.Insight
	for key, id := range s.active {
		if key.FacilityID == facilityID {
			out = append(out, *s.rows[id])
		}
	}
	insights.SortByDetectedDesc(out)
	return out, nil
}

// ListHistory implements insights.Store.
func (s *Store) ListHistory(_ context.Context, key insights.Key) ([]insights.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []insights.Insight
	for _, id := range s.order {
		row := s.rows[id]
		if row.Key() == key {
			out = append(out, *row)
		}
	}
	insights.SortByDetectedDesc(out)
	return out, nil
}
