package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	telemetry "plant-insights/internal/telemetry/domain"
)

const defaultReadingsTable = "sensor_readings"

// ReadingRepository is a Postgres implementation for sensor readings.
type ReadingRepository struct {
	db    *sqlx.DB
	table string
}

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *sqlx.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// InsertReadings writes a batch of readings in one transaction.
func (r *ReadingRepository) InsertReadings(ctx context.Context, readings []telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	asset_id,
	metric_name,
	value,
	unit,
	timestamp
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (id) DO NOTHING`, r.table)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reading repo: %w", err)
		}
		id := reading.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(
			ctx,
			id,
			reading.AssetID,
			reading.MetricName,
			reading.Value,
			reading.Unit,
			reading.Timestamp.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
