package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	masterdata "plant-insights/internal/masterdata/domain"
)

const (
	defaultRangesTable = "asset_operational_ranges"
	defaultAssetsTable = "assets"
)

// RangeRepository loads operating ranges joined with their assets.
type RangeRepository struct {
	db          *sqlx.DB
	rangesTable string
	assetsTable string
}

// RangeOption configures the repository.
type RangeOption func(*RangeRepository)

// WithRangesTable overrides the ranges table name.
func WithRangesTable(table string) RangeOption {
	return func(repo *RangeRepository) {
		if table != "" {
			repo.rangesTable = table
		}
	}
}

// WithAssetsTable overrides the assets table name.
func WithAssetsTable(table string) RangeOption {
	return func(repo *RangeRepository) {
		if table != "" {
			repo.assetsTable = table
		}
	}
}

// NewRangeRepository constructs a repository.
func NewRangeRepository(db *sqlx.DB, opts ...RangeOption) *RangeRepository {
	repo := &RangeRepository{db: db, rangesTable: defaultRangesTable, assetsTable: defaultAssetsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// LoadRanges implements registry.Source.
func (r *RangeRepository) LoadRanges(ctx context.Context) ([]masterdata.OperatingRange, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("range repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT
	aor.asset_id::text    AS asset_id,
	a.name                AS asset_name,
	a.facility_id::text   AS facility_id,
	aor.metric_name       AS metric_name,
	aor.min_value         AS min_value,
	aor.max_value         AS max_value,
	aor.unit              AS unit
FROM %s aor
JOIN %s a ON a.id = aor.asset_id
ORDER BY aor.asset_id, aor.metric_name`, r.rangesTable, r.assetsTable)

	var ranges []masterdata.OperatingRange
	if err := r.db.SelectContext(ctx, &ranges, query); err != nil {
		return nil, err
	}
	return ranges, nil
}

// ListByFacility returns ranges for one facility.
func (r *RangeRepository) ListByFacility(ctx context.Context, facilityID string) ([]masterdata.OperatingRange, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("range repo: nil db")
	}
	if facilityID == "" {
		return nil, errors.New("range repo: empty facility id")
	}
	query := fmt.Sprintf(`
SELECT
	aor.asset_id::text    AS asset_id,
	a.name                AS asset_name,
	a.facility_id::text   AS facility_id,
	aor.metric_name       AS metric_name,
	aor.min_value         AS min_value,
	aor.max_value         AS max_value,
	aor.unit              AS unit
FROM %s aor
JOIN %s a ON a.id = aor.asset_id
WHERE a.facility_id = $1
ORDER BY aor.asset_id, aor.metric_name`, r.rangesTable, r.assetsTable)

	var ranges []masterdata.OperatingRange
	if err := r.db.SelectContext(ctx, &ranges, query, facilityID); err != nil {
		return nil, err
	}
	return ranges, nil
}
