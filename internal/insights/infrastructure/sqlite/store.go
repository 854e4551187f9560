package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	insights "plant-insights/internal/insights/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS operational_insights (
	id TEXT PRIMARY KEY,
	facility_id TEXT NOT NULL,
	asset_id TEXT NULL,
	asset_key TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	threshold_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	observed_value REAL NOT NULL DEFAULT 0,
	detected_at INTEGER NOT NULL,
	resolved_at INTEGER NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	CHECK (
		(is_active = 1 AND resolved_at IS NULL)
		OR (is_active = 0 AND resolved_at IS NOT NULL AND resolved_at >= detected_at)
	)
);
CREATE UNIQUE INDEX IF NOT EXISTS operational_insights_active_key
	ON operational_insights (facility_id, metric_name, threshold_type, asset_key)
	WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS operational_insights_facility_detected
	ON operational_insights (facility_id, detected_at DESC);
`

const insightColumns = `id, facility_id, asset_key, metric_name, threshold_type, severity, title, description,
	observed_value, detected_at, resolved_at, is_active, created_at, updated_at`

const activeKeyPredicate = `facility_id = ? AND asset_key = ? AND metric_name = ? AND threshold_type = ? AND is_active = 1`

// Store is an embedded SQLite implementation of insights.Store.
// Timestamps are stored as unix nanoseconds; asset_key is asset_id with NULL folded to ''.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) a database at dsn and applies the schema.
// The pool is limited to one connection so every transaction is serialised.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for metrics gauges.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

type insightRow struct {
	ID            string        `db:"id"`
	FacilityID    string        `db:"facility_id"`
	AssetKey      string        `db:"asset_key"`
	MetricName    string        `db:"metric_name"`
	ThresholdType string        `db:"threshold_type"`
	Severity      string        `db:"severity"`
	Title         string        `db:"title"`
	Description   string        `db:"description"`
	ObservedValue float64       `db:"observed_value"`
	DetectedAt    int64         `db:"detected_at"`
	ResolvedAt    sql.NullInt64 `db:"resolved_at"`
	IsActive      bool          `db:"is_active"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
}

func (r insightRow) toDomain() (insights.Insight, error) {
	severity, err := insights.ParseSeverity(r.Severity)
	if err != nil {
		return insights.Insight{}, err
	}
	out := insights.Insight{
		ID:            r.ID,
		FacilityID:    r.FacilityID,
		AssetID:       r.AssetKey,
		Severity:      severity,
		Title:         r.Title,
		Description:   r.Description,
		MetricName:    r.MetricName,
		ThresholdType: insights.ThresholdType(r.ThresholdType),
		ObservedValue: r.ObservedValue,
		DetectedAt:    fromNanos(r.DetectedAt),
		IsActive:      r.IsActive,
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}
	if r.ResolvedAt.Valid {
		out.ResolvedAt = fromNanos(r.ResolvedAt.Int64)
	}
	return out, nil
}

func keyArgs(key insights.Key) []any {
	return []any{key.FacilityID, key.AssetID, key.MetricName, string(key.ThresholdType)}
}

// UpsertActive implements insights.Store.
func (s *Store) UpsertActive(ctx context.Context, candidate insights.Insight) (insights.UpsertResult, error) {
	if s == nil || s.db == nil {
		return insights.UpsertResult{}, errors.New("insight store: nil db")
	}
	if err := candidate.Validate(); err != nil {
		return insights.UpsertResult{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return insights.UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current insightRow
	err = tx.GetContext(ctx, &current, `SELECT `+insightColumns+` FROM operational_insights WHERE `+activeKeyPredicate, keyArgs(candidate.Key())...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO operational_insights (
	id, facility_id, asset_id, asset_key, metric_name, threshold_type, severity,
	title, description, observed_value, detected_at, is_active, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			candidate.ID, candidate.FacilityID, nullable(candidate.AssetID), candidate.AssetID,
			candidate.MetricName, string(candidate.ThresholdType), string(candidate.Severity),
			candidate.Title, candidate.Description, candidate.ObservedValue,
			toNanos(candidate.DetectedAt), toNanos(candidate.CreatedAt), toNanos(candidate.UpdatedAt),
		); err != nil {
			return insights.UpsertResult{}, mapError(err)
		}
		if err := tx.Commit(); err != nil {
			return insights.UpsertResult{}, mapError(err)
		}
		stored := candidate
		stored.DetectedAt = fromNanos(toNanos(candidate.DetectedAt))
		stored.CreatedAt = fromNanos(toNanos(candidate.CreatedAt))
		stored.UpdatedAt = fromNanos(toNanos(candidate.UpdatedAt))
		return insights.UpsertResult{Insight: stored, Outcome: insights.OutcomeOpened, Previous: insights.SeverityOK}, nil
	case err != nil:
		return insights.UpsertResult{}, err
	}

	stored, err := current.toDomain()
	if err != nil {
		return insights.UpsertResult{}, err
	}
	previous := stored.Severity
	if previous == candidate.Severity {
		return insights.UpsertResult{Insight: stored, Outcome: insights.OutcomeUnchanged, Previous: previous}, nil
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE operational_insights
SET severity = ?, title = ?, description = ?, observed_value = ?, updated_at = ?
WHERE id = ?`,
		string(candidate.Severity), candidate.Title, candidate.Description, candidate.ObservedValue,
		toNanos(candidate.UpdatedAt), stored.ID,
	); err != nil {
		return insights.UpsertResult{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return insights.UpsertResult{}, mapError(err)
	}
	stored.Severity = candidate.Severity
	stored.Title = candidate.Title
	stored.Description = candidate.Description
	stored.ObservedValue = candidate.ObservedValue
	stored.UpdatedAt = fromNanos(toNanos(candidate.UpdatedAt))
	return insights.UpsertResult{
		Insight:  stored,
		Outcome:  insights.OutcomeFor(previous, candidate.Severity),
		Previous: previous,
	}, nil
}

// ResolveActive implements insights.Store.
func (s *Store) ResolveActive(ctx context.Context, key insights.Key, at, now time.Time) (*insights.Insight, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("insight store: nil db")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	args := append([]any{toNanos(at), toNanos(now)}, keyArgs(key)...)
	var row insightRow
	err := s.db.GetContext(ctx, &row, `
UPDATE operational_insights
SET is_active = 0, resolved_at = MAX(?, detected_at), updated_at = ?
WHERE `+activeKeyPredicate+`
RETURNING `+insightColumns, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	resolved, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// ListActive implements insights.Store.
func (s *Store) ListActive(ctx context.Context, facilityID string) ([]insights.Insight, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("insight store: nil db")
	}
	var rows []insightRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+insightColumns+`
FROM operational_insights
WHERE facility_id = ? AND is_active = 1
ORDER BY detected_at DESC, id ASC`, facilityID); err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

// ListHistory implements insights.Store.
func (s *Store) ListHistory(ctx context.Context, key insights.Key) ([]insights.Insight, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("insight store: nil db")
	}
	var rows []insightRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+insightColumns+`
FROM operational_insights
WHERE facility_id = ? AND asset_key = ? AND metric_name = ? AND threshold_type = ?
ORDER BY detected_at DESC, id ASC`, keyArgs(key)...); err != nil {
		return nil, err
	}
	return toDomainList(rows)
}

func toDomainList(rows []insightRow) ([]insights.Insight, error) {
	out := make([]insights.Insight, 0, len(rows))
	for _, row := range rows {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func mapError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", insights.ErrConflict, sqliteErr.Error())
		}
	}
	return err
}
