package memory

import (
	"context"
	"sync"

	masterdata "plant-insights/internal/masterdata/domain"
)

// AssetStatusStore keeps derived asset statuses for the embedded mode.
type AssetStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]masterdata.AssetStatus
}

// NewAssetStatusStore constructs a store.
func NewAssetStatusStore() *AssetStatusStore {
	return &AssetStatusStore{statuses: make(map[string]masterdata.AssetStatus)}
}

// UpdateStatuses implements masterdata.AssetStatusWriter.
func (s *AssetStatusStore) UpdateStatuses(_ context.Context, statuses map[string]masterdata.AssetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, status := range statuses {
		s.statuses[id] = status
	}
	return nil
}

// Status returns the last status written for an asset.
func (s *AssetStatusStore) Status(assetID string) (masterdata.AssetStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[assetID]
	return status, ok
}
