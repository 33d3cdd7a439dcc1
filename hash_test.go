package exchange_test

import (
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
)

func TestContentHashDeterministic(t *testing.T) {
	content := map[string]any{
		"order_id": "ORDER-123",
		"total":    42.5,
		"customer": map[string]any{"id": "C-9", "name": "Jo"},
	}

	h1, err := exchange.ContentHash(content, nil)
	jtest.RequireNil(t, err)
	h2, err := exchange.ContentHash(content, nil)
	jtest.RequireNil(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestContentHashIgnoresVolatileFields(t *testing.T) {
	base := map[string]any{
		"order_id": "ORDER-123",
		"total":    42.5,
	}
	noisy := map[string]any{
		"order_id":           "ORDER-123",
		"total":              42.5,
		"created_at":         "2026-01-02T03:04:05Z",
		"updated_at":         "2026-02-02T03:04:05Z",
		"metadata":           map[string]any{"attempt": 3},
		"version":            7,
		"content_hash":       "stale",
		"last_processed_at":  "2026-02-02T03:04:05Z",
		"processing_history": []any{"a", "b"},
	}

	h1, err := exchange.ContentHash(base, nil)
	jtest.RequireNil(t, err)
	h2, err := exchange.ContentHash(noisy, nil)
	jtest.RequireNil(t, err)

	require.Equal(t, h1, h2)
}

func TestContentHashCustomIgnoreFields(t *testing.T) {
	cfg := &exchange.HashConfig{IgnoreFields: []string{"noise"}}

	h1, err := exchange.ContentHash(map[string]any{"a": 1, "noise": "x"}, cfg)
	jtest.RequireNil(t, err)
	h2, err := exchange.ContentHash(map[string]any{"a": 1, "noise": "y"}, cfg)
	jtest.RequireNil(t, err)
	h3, err := exchange.ContentHash(map[string]any{"a": 2, "noise": "x"}, cfg)
	jtest.RequireNil(t, err)

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
}

func TestContentHashKeyFields(t *testing.T) {
	cfg := &exchange.HashConfig{KeyFields: []string{"order_id", "customer.id"}}

	h1, err := exchange.ContentHash(map[string]any{
		"order_id": "ORDER-123",
		"total":    42.5,
		"customer": map[string]any{"id": "C-9", "name": "Jo"},
	}, cfg)
	jtest.RequireNil(t, err)

	// Only the key fields matter, the rest may drift freely.
	h2, err := exchange.ContentHash(map[string]any{
		"order_id": "ORDER-123",
		"total":    99.0,
		"customer": map[string]any{"id": "C-9", "name": "Sam"},
	}, cfg)
	jtest.RequireNil(t, err)
	require.Equal(t, h1, h2)

	h3, err := exchange.ContentHash(map[string]any{
		"order_id": "ORDER-123",
		"customer": map[string]any{"id": "C-10"},
	}, cfg)
	jtest.RequireNil(t, err)
	require.NotEqual(t, h1, h3)
}

func TestContentHashMissingKeyField(t *testing.T) {
	cfg := &exchange.HashConfig{KeyFields: []string{"order_id", "customer.id"}}

	h1, err := exchange.ContentHash(map[string]any{"order_id": "ORDER-123"}, cfg)
	jtest.RequireNil(t, err)
	h2, err := exchange.ContentHash(map[string]any{"order_id": "ORDER-123", "customer": "not-a-map"}, cfg)
	jtest.RequireNil(t, err)

	require.Equal(t, h1, h2)
}
