package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	masterdata "plant-insights/internal/masterdata/domain"
)

// AssetStatusRepository writes derived asset statuses.
type AssetStatusRepository struct {
	db    *sqlx.DB
	table string
}

// NewAssetStatusRepository constructs a repository.
func NewAssetStatusRepository(db *sqlx.DB) *AssetStatusRepository {
	return &AssetStatusRepository{db: db, table: defaultAssetsTable}
}

// UpdateStatuses sets each asset status, skipping rows already in that state.
func (r *AssetStatusRepository) UpdateStatuses(ctx context.Context, statuses map[string]masterdata.AssetStatus) error {
	if r == nil || r.db == nil {
		return errors.New("asset status repo: nil db")
	}
	if len(statuses) == 0 {
		return nil
	}
	assetIDs := make([]string, 0, len(statuses))
	for id := range statuses {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)

	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, updated_at = NOW()
WHERE id = $2 AND status <> $1`, r.table)
	for _, id := range assetIDs {
		if _, err := r.db.ExecContext(ctx, query, string(statuses[id]), id); err != nil {
			return fmt.Errorf("asset status repo: update %s: %w", id, err)
		}
	}
	return nil
}
