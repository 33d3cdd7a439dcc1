package memstore_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/adaptertest"
	"github.com/fluxline/exchange/adapters/memstore"
)

func TestEntityStore(t *testing.T) {
	adaptertest.TestEntityStore(t, memstore.New())
}

func TestTransitionReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	st := &exchange.StateTransition{
		TransitionID: "tr-1",
		TenantID:     "t1",
		PipelineID:   "p1",
		FromState:    exchange.StateReceived,
		ToState:      exchange.StateProcessing,
	}
	jtest.RequireNil(t, store.InsertTransition(ctx, st))
	jtest.RequireNil(t, store.InsertTransition(ctx, st))

	transitions, err := store.ListTransitions(ctx, "t1", "p1")
	jtest.RequireNil(t, err)
	require.Len(t, transitions, 1)
}

func TestSessionConflictAtCommit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// Two sessions race for version 1 of the same logical entity.
	s1, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)
	s2, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)

	e1 := &exchange.Entity{
		ID: "a", TenantID: "t1", ExternalID: "ORDER-123", CanonicalType: "order",
		Source: "shopify", Version: 1, ContentHash: "h1",
	}
	e2 := &exchange.Entity{
		ID: "b", TenantID: "t1", ExternalID: "ORDER-123", CanonicalType: "order",
		Source: "shopify", Version: 1, ContentHash: "h2",
	}

	jtest.RequireNil(t, s1.Insert(ctx, e1))
	jtest.RequireNil(t, s2.Insert(ctx, e2))

	jtest.RequireNil(t, s1.Commit(ctx))
	jtest.Require(t, exchange.ErrEntityVersionConflict, s2.Commit(ctx))

	latest, err := store.Latest(ctx, "t1", "shopify", "ORDER-123")
	jtest.RequireNil(t, err)
	require.Equal(t, "a", latest.ID)
}

func TestSessionAttributeMerge(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	jtest.RequireNil(t, store.Insert(ctx, &exchange.Entity{
		ID: "a", TenantID: "t1", ExternalID: "ORDER-123", CanonicalType: "order",
		Source: "shopify", Version: 1, ContentHash: "h1",
		Attributes: map[string]any{"k": "v", "locked": "orig"},
	}))

	sess, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, sess.MergeAttributes(ctx, "t1", "a", map[string]any{"k": "v2", "locked": "new"}, []string{"locked"}))

	// Nothing applied until commit.
	e, err := store.Lookup(ctx, "t1", "a")
	jtest.RequireNil(t, err)
	require.Equal(t, "v", e.Attributes["k"])

	jtest.RequireNil(t, sess.Commit(ctx))

	e, err = store.Lookup(ctx, "t1", "a")
	jtest.RequireNil(t, err)
	require.Equal(t, "v2", e.Attributes["k"])
	require.Equal(t, "orig", e.Attributes["locked"])
}

func TestClosedSession(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	sess, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, sess.Close())

	err = sess.Insert(ctx, &exchange.Entity{ID: "a", TenantID: "t1", ExternalID: "x", Source: "s", Version: 1})
	jtest.Require(t, exchange.ErrSessionClosed, err)
	jtest.Require(t, exchange.ErrSessionClosed, sess.Commit(ctx))
}
