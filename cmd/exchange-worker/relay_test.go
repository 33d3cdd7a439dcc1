package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/memstore"
)

func TestRelayValidate(t *testing.T) {
	relay := &relayProcessor{}

	msg := exchange.NewMessage(exchange.MessageTypeEntityProcessing, map[string]any{
		"external_id":    "ORDER-123",
		"canonical_type": "order",
		"source":         "shopify",
	})
	require.Empty(t, relay.Validate(msg))

	bad := exchange.NewMessage(exchange.MessageTypeControl, map[string]any{
		"external_id": "ORDER-123",
	})
	errs := relay.Validate(bad)
	require.Len(t, errs, 3)
}

func TestRelayRecordsAndForwards(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	relay := &relayProcessor{outputs: []exchange.Output{
		{HandlerType: exchange.HandlerTypeNoop, Destination: "sink"},
	}}

	router := exchange.NewRouter()
	router.RegisterHandler(exchange.HandlerTypeNoop, exchange.NoopHandler{})

	h := exchange.NewExecutionHandler(relay,
		exchange.WithSessionFactory(store),
		exchange.WithRouter(router),
		exchange.WithTenantResolver(exchange.StaticTenant("t1")),
	)

	msg := exchange.NewMessage(exchange.MessageTypeEntityProcessing, map[string]any{
		"external_id":    "ORDER-123",
		"canonical_type": "order",
		"source":         "shopify",
		"content":        map[string]any{"total": 10.0},
	})

	result, err := h.Execute(ctx, msg)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.EntitiesCreated, 1)
	require.Len(t, result.Outputs, 1)

	e, err := store.Latest(ctx, "t1", "shopify", "ORDER-123")
	require.NoError(t, err)
	require.Equal(t, 1, e.Version)
}

func TestRelaySkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	relay := &relayProcessor{}

	h := exchange.NewExecutionHandler(relay,
		exchange.WithSessionFactory(store),
		exchange.WithTenantResolver(exchange.StaticTenant("t1")),
	)

	payload := map[string]any{
		"external_id":    "ORDER-123",
		"canonical_type": "order",
		"source":         "shopify",
		"content":        map[string]any{"total": 10.0},
	}

	first, err := h.Execute(ctx, exchange.NewMessage(exchange.MessageTypeEntityProcessing, payload))
	require.NoError(t, err)
	require.Equal(t, exchange.StatusSuccess, first.Status)

	second, err := h.Execute(ctx, exchange.NewMessage(exchange.MessageTypeEntityProcessing, payload))
	require.NoError(t, err)
	require.Equal(t, exchange.StatusSkipped, second.Status)
	// The duplicate still produced a version for the audit trail.
	require.Len(t, second.EntitiesCreated, 1)
}
