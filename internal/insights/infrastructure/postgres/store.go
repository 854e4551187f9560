package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	insights "plant-insights/internal/insights/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation       = "23505"
	pgInvalidTextRepr       = "22P02"
	zeroUUID                = "00000000-0000-0000-0000-000000000000"
	insightColumns          = `id::text AS id, facility_id::text AS facility_id, COALESCE(asset_id::text, '') AS asset_id, metric_name, threshold_type, severity, title, description, observed_value, detected_at, resolved_at, is_active, created_at, updated_at`
	activeKeyPredicate      = `facility_id = $1::uuid AND COALESCE(asset_id, '` + zeroUUID + `'::uuid) = COALESCE($2::uuid, '` + zeroUUID + `'::uuid) AND metric_name = $3 AND threshold_type = $4 AND is_active`
	activeKeyConflictTarget = `(facility_id, metric_name, threshold_type, COALESCE(asset_id, '` + zeroUUID + `'::uuid)) WHERE is_active`
)

// Store is a Postgres implementation of insights.Store.
// The partial unique index on the active key makes the upsert a single atomic statement.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the insights table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("insight store: nil db")
	}
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

type insightRow struct {
	ID               string         `db:"id"`
	FacilityID       string         `db:"facility_id"`
	AssetID          string         `db:"asset_id"`
	MetricName       string         `db:"metric_name"`
	ThresholdType    string         `db:"threshold_type"`
	Severity         string         `db:"severity"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	ObservedValue    float64        `db:"observed_value"`
	DetectedAt       time.Time      `db:"detected_at"`
	ResolvedAt       sql.NullTime   `db:"resolved_at"`
	IsActive         bool           `db:"is_active"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	PreviousSeverity sql.NullString `db:"previous_severity"`
}

func (r insightRow) toDomain() (insights.Insight, error) {
	severity, err := insights.ParseSeverity(r.Severity)
	if err != nil {
		return insights.Insight{}, err
	}
	out := insights.Insight{
		ID:            r.ID,
		FacilityID:    r.FacilityID,
		AssetID:       r.AssetID,
		Severity:      severity,
		Title:         r.Title,
		Description:   r.Description,
		MetricName:    r.MetricName,
		ThresholdType: insights.ThresholdType(r.ThresholdType),
		ObservedValue: r.ObservedValue,
		DetectedAt:    r.DetectedAt.UTC(),
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ResolvedAt.Valid {
		out.ResolvedAt = r.ResolvedAt.Time.UTC()
	}
	return out, nil
}

// UpsertActive implements insights.Store.
func (s *Store) UpsertActive(ctx context.Context, candidate insights.Insight) (insights.UpsertResult, error) {
	if s == nil || s.db == nil {
		return insights.UpsertResult{}, errors.New("insight store: nil db")
	}
	if err := candidate.Validate(); err != nil {
		return insights.UpsertResult{}, err
	}

	query := `
WITH prev AS (
	SELECT severity FROM operational_insights
	WHERE ` + activeKeyPredicate + `
)
INSERT INTO operational_insights (
	id, facility_id, asset_id, metric_name, threshold_type, severity,
	title, description, observed_value, detected_at, is_active, created_at, updated_at
) VALUES (
	$5::uuid, $1::uuid, $2::uuid, $3, $4, $6,
	$7, $8, $9, $10, TRUE, $11, $12
)
ON CONFLICT ` + activeKeyConflictTarget + `
DO UPDATE SET
	severity = EXCLUDED.severity,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	observed_value = EXCLUDED.observed_value,
	updated_at = EXCLUDED.updated_at
WHERE operational_insights.severity <> EXCLUDED.severity
RETURNING ` + insightColumns + `, (SELECT severity FROM prev) AS previous_severity`

	var row insightRow
	err := s.db.GetContext(ctx, &row, query,
		candidate.FacilityID,
		nullableUUID(candidate.AssetID),
		candidate.MetricName,
		string(candidate.ThresholdType),
		candidate.ID,
		string(candidate.Severity),
		candidate.Title,
		candidate.Description,
		candidate.ObservedValue,
		candidate.DetectedAt.UTC(),
		candidate.CreatedAt.UTC(),
		candidate.UpdatedAt.UTC(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		// The active row already carries this severity.
		return s.unchanged(ctx, candidate.Key())
	}
	if err != nil {
		return insights.UpsertResult{}, mapError(err)
	}

	stored, err := row.toDomain()
	if err != nil {
		return insights.UpsertResult{}, err
	}
	if stored.ID == candidate.ID {
		return insights.UpsertResult{Insight: stored, Outcome: insights.OutcomeOpened, Previous: insights.SeverityOK}, nil
	}
	// prev is read from the statement snapshot; a row committed concurrently is treated as a change from ok.
	previous := insights.SeverityOK
	if row.PreviousSeverity.Valid {
		previous = insights.Severity(row.PreviousSeverity.String)
	}
	return insights.UpsertResult{
		Insight:  stored,
		Outcome:  insights.OutcomeFor(previous, stored.Severity),
		Previous: previous,
	}, nil
}

func (s *Store) unchanged(ctx context.Context, key insights.Key) (insights.UpsertResult, error) {
	var row insightRow
	err := s.db.GetContext(ctx, &row, `SELECT `+insightColumns+` FROM operational_insights WHERE `+activeKeyPredicate,
		key.FacilityID, nullableUUID(key.AssetID), key.MetricName, string(key.ThresholdType))
	if errors.Is(err, sql.ErrNoRows) {
		// Resolved between the upsert and this read.
		return insights.UpsertResult{}, insights.ErrConflict
	}
	if err != nil {
		return insights.UpsertResult{}, mapError(err)
	}
	stored, err := row.toDomain()
	if err != nil {
		return insights.UpsertResult{}, err
	}
	return insights.UpsertResult{Insight: stored, Outcome: insights.OutcomeUnchanged, Previous: stored.Severity}, nil
}

// ResolveActive implements insights.Store.
func (s *Store) ResolveActive(ctx context.Context, key insights.Key, at, now time.Time) (*insights.Insight, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("insight store: nil db")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var row insightRow
	err := s.db.GetContext(ctx, &row, `
UPDATE operational_insights
SET is_active = FALSE,
	resolved_at = GREATEST($5::timestamptz, detected_at),
	updated_at = $6
WHERE `+activeKeyPredicate+`
RETURNING `+insightColumns,
		key.FacilityID, nullableUUID(key.AssetID), key.MetricName, string(key.ThresholdType),
		at.UTC(), now.UTC(),
	)
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
WHERE facility_id = $1::uuid AND is_active
ORDER BY detected_at DESC, id ASC`, facilityID); err != nil {
		return nil, mapError(err)
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
WHERE facility_id = $1::uuid
	AND COALESCE(asset_id, '`+zeroUUID+`'::uuid) = COALESCE($2::uuid, '`+zeroUUID+`'::uuid)
	AND metric_name = $3
	AND threshold_type = $4
ORDER BY detected_at DESC, id ASC`,
		key.FacilityID, nullableUUID(key.AssetID), key.MetricName, string(key.ThresholdType)); err != nil {
		return nil, mapError(err)
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

func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", insights.ErrConflict, pgErr.ConstraintName)
		case pgInvalidTextRepr:
			return fmt.Errorf("%w: %s", insights.ErrInvalidKey, pgErr.Message)
		}
	}
	return err
}
