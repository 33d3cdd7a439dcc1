package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/memstore"
)

func TestSweepPurgesAgedVersions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(t0)
	store := memstore.New(memstore.WithClock(fc))
	sightings := exchange.NewSightings(exchange.WithSightingsClock(fc))

	record := func(total float64) {
		_, err := sightings.Record(ctx, store, "t1", exchange.SightingParams{
			ExternalID:    "ORDER-123",
			CanonicalType: "order",
			Source:        "shopify",
			Content:       map[string]any{"total": total},
		})
		jtest.RequireNil(t, err)
	}

	record(1)
	fc.Step(24 * time.Hour)
	record(2)
	fc.Step(40 * 24 * time.Hour)
	record(3)

	sweeper := exchange.NewSweeper(store, []string{"t1"},
		exchange.WithSweepMaxAge(30*24*time.Hour),
		exchange.WithSweepClock(fc),
	)
	jtest.RequireNil(t, sweeper.Sweep(ctx))

	// Versions 1 and 2 are older than 30 days, version 3 survives along with
	// nothing else.
	ls, err := store.ListVersions(ctx, "t1", "shopify", "ORDER-123")
	jtest.RequireNil(t, err)
	require.Len(t, ls, 1)
	require.Equal(t, 3, ls[0].Version)
}

func TestSweepKeepsNewestEvenWhenAged(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(t0)
	store := memstore.New(memstore.WithClock(fc))
	sightings := exchange.NewSightings(exchange.WithSightingsClock(fc))

	for i := 0; i < 2; i++ {
		_, err := sightings.Record(ctx, store, "t1", exchange.SightingParams{
			ExternalID:    "ORDER-9",
			CanonicalType: "order",
			Source:        "shopify",
			Content:       map[string]any{"rev": i},
		})
		jtest.RequireNil(t, err)
	}

	fc.Step(365 * 24 * time.Hour)

	sweeper := exchange.NewSweeper(store, []string{"t1"},
		exchange.WithSweepMaxAge(30*24*time.Hour),
		exchange.WithSweepClock(fc),
	)
	jtest.RequireNil(t, sweeper.Sweep(ctx))

	latest, err := store.Latest(ctx, "t1", "shopify", "ORDER-9")
	jtest.RequireNil(t, err)
	require.Equal(t, 2, latest.Version)
}
