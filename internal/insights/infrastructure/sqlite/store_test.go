package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	insights "plant-insights/internal/insights/domain"
	"plant-insights/internal/insights/infrastructure/storetest"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	store, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract_SQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) insights.Store { return openMemory(t) })
}

func TestUpsertDuplicateIDIsConflict(t *testing.T) {
	store := openMemory(t)
	ctx := context.Background()
	first := storetest.Candidate(storetest.Key, insights.SeverityLow, storetest.Base)
	if _, err := store.UpsertActive(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.ResolveActive(ctx, storetest.Key, storetest.Base, storetest.Base); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Reusing a primary key must surface as a conflict so the ledger retries with a fresh id.
	_, err := store.UpsertActive(ctx, first)
	if err == nil {
		t.Fatalf("expected conflict for reused id")
	}
	if !errors.Is(err, insights.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
