package masterdata

import "context"

// AssetStatus is the operational state shown for an asset.
type AssetStatus string

const (
	AssetOperational AssetStatus = "operational"
	AssetMaintenance AssetStatus = "maintenance"
)

// AssetNamer resolves display names for assets.
type AssetNamer interface {
	AssetName(assetID string) (string, bool)
}

// AssetStatusWriter persists derived asset statuses.
type AssetStatusWriter interface {
	UpdateStatuses(ctx context.Context, statuses map[string]AssetStatus) error
}
