// Package adaptertest verifies adapter implementations behave the way
// exchange expects. Every entity store adapter should pass TestEntityStore.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
)

// EntityStore is the full adapter surface exercised by TestEntityStore.
type EntityStore interface {
	exchange.EntityStore
	exchange.SessionFactory
	exchange.RetentionStore
}

func TestEntityStore(t *testing.T, store EntityStore) {
	t.Run("versioning", func(t *testing.T) {
		testVersioning(t, store)
	})
	t.Run("version conflict", func(t *testing.T) {
		testVersionConflict(t, store)
	})
	t.Run("content hash lookup", func(t *testing.T) {
		testContentHashLookup(t, store)
	})
	t.Run("session isolation", func(t *testing.T) {
		testSessionIsolation(t, store)
	})
	t.Run("retention keeps newest", func(t *testing.T) {
		testRetention(t, store)
	})
}

func testEntity(tenantID, externalID string, version int) *exchange.Entity {
	now := time.Now()
	return &exchange.Entity{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ExternalID:    externalID,
		CanonicalType: "order",
		Source:        "shopify",
		Version:       version,
		ContentHash:   uuid.New().String(),
		Attributes:    map[string]any{"k": "v"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testVersioning(t *testing.T, store EntityStore) {
	ctx := context.Background()
	externalID := uuid.New().String()

	max, err := store.MaxVersion(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, 0, max)

	_, err = store.Latest(ctx, "t1", "shopify", externalID)
	jtest.Require(t, exchange.ErrEntityNotFound, err)

	v1 := testEntity("t1", externalID, 1)
	jtest.RequireNil(t, store.Insert(ctx, v1))
	v2 := testEntity("t1", externalID, 2)
	jtest.RequireNil(t, store.Insert(ctx, v2))

	latest, err := store.Latest(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, 2, latest.Version)
	require.Equal(t, v2.ID, latest.ID)

	got, err := store.LookupVersion(ctx, "t1", "shopify", externalID, 1)
	jtest.RequireNil(t, err)
	require.Equal(t, v1.ID, got.ID)

	ls, err := store.ListVersions(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Len(t, ls, 2)
	require.Equal(t, 1, ls[0].Version)
	require.Equal(t, 2, ls[1].Version)

	max, err = store.MaxVersion(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, 2, max)

	// Tenants never see each other's entities.
	_, err = store.Lookup(ctx, "t2", v1.ID)
	jtest.Require(t, exchange.ErrEntityNotFound, err)
}

func testVersionConflict(t *testing.T, store EntityStore) {
	ctx := context.Background()
	externalID := uuid.New().String()

	jtest.RequireNil(t, store.Insert(ctx, testEntity("t1", externalID, 1)))
	err := store.Insert(ctx, testEntity("t1", externalID, 1))
	jtest.Require(t, exchange.ErrEntityVersionConflict, err)
}

func testContentHashLookup(t *testing.T, store EntityStore) {
	ctx := context.Background()
	externalID := uuid.New().String()

	e := testEntity("t1", externalID, 1)
	e.ContentHash = "hash-" + externalID
	jtest.RequireNil(t, store.Insert(ctx, e))

	other := testEntity("t1", uuid.New().String(), 1)
	other.Source = "ebay"
	other.ContentHash = e.ContentHash
	jtest.RequireNil(t, store.Insert(ctx, other))

	matches, err := store.LookupByContentHash(ctx, "t1", e.ContentHash)
	jtest.RequireNil(t, err)
	require.Len(t, matches, 2)

	matches, err = store.LookupByContentHash(ctx, "t2", e.ContentHash)
	jtest.RequireNil(t, err)
	require.Empty(t, matches)
}

func testSessionIsolation(t *testing.T, store EntityStore) {
	ctx := context.Background()
	externalID := uuid.New().String()

	sess, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)

	e := testEntity("t1", externalID, 1)
	jtest.RequireNil(t, sess.Insert(ctx, e))

	// The write is visible inside the session before commit.
	got, err := sess.Latest(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, e.ID, got.ID)

	// And invisible outside until Commit.
	_, err = store.Latest(ctx, "t1", "shopify", externalID)
	jtest.Require(t, exchange.ErrEntityNotFound, err)

	jtest.RequireNil(t, sess.Commit(ctx))
	jtest.RequireNil(t, sess.Close())

	got, err = store.Latest(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, e.ID, got.ID)

	// A rolled back session leaves no trace.
	sess2, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, sess2.Insert(ctx, testEntity("t1", externalID, 2)))
	jtest.RequireNil(t, sess2.Rollback(ctx))
	jtest.RequireNil(t, sess2.Close())

	max, err := store.MaxVersion(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, 1, max)
}

func testRetention(t *testing.T, store EntityStore) {
	ctx := context.Background()
	externalID := uuid.New().String()

	old := testEntity("t1", externalID, 1)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	jtest.RequireNil(t, store.Insert(ctx, old))
	newer := testEntity("t1", externalID, 2)
	newer.CreatedAt = time.Now().Add(-36 * time.Hour)
	jtest.RequireNil(t, store.Insert(ctx, newer))

	// Even though both versions predate the cutoff, the newest survives.
	n, err := store.PurgeVersionsBefore(ctx, "t1", time.Now().Add(-24*time.Hour))
	jtest.RequireNil(t, err)
	require.GreaterOrEqual(t, n, 1)

	latest, err := store.Latest(ctx, "t1", "shopify", externalID)
	jtest.RequireNil(t, err)
	require.Equal(t, 2, latest.Version)

	_, err = store.LookupVersion(ctx, "t1", "shopify", externalID, 1)
	jtest.Require(t, exchange.ErrEntityNotFound, err)
}
