package exchange_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
)

func TestBuildAttributes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attrs := exchange.BuildAttributes(exchange.AttributeParams{
		ProcessorName: "importer",
		Detection: &exchange.Detection{
			IsDuplicate: true,
			Confidence:  90,
			Reason:      exchange.ReasonSameSourceContentMatch,
		},
		SourceMetadata: map[string]any{"shop": "uk"},
		Custom:         map[string]any{"priority": "high"},
		Now:            now,
	})

	processing := attrs["processing"].(map[string]any)
	require.Equal(t, "importer", processing["processor"])
	require.Equal(t, "2026-03-01T12:00:00Z", processing["processed_at"])

	dd := attrs["duplicate_detection"].(map[string]any)
	require.Equal(t, true, dd["is_duplicate"])
	require.Equal(t, 90, dd["confidence"])

	require.Equal(t, map[string]any{"shop": "uk"}, attrs["source_metadata"])
	require.Equal(t, "high", attrs["priority"])
}

func TestBuildAttributesCustomWins(t *testing.T) {
	attrs := exchange.BuildAttributes(exchange.AttributeParams{
		ProcessorName: "importer",
		Custom:        map[string]any{"processing": "overridden"},
		Now:           time.Now(),
	})
	require.Equal(t, "overridden", attrs["processing"])
}

func TestMergeAttributes(t *testing.T) {
	existing := map[string]any{"a": 1, "b": 2, "locked": "original"}
	incoming := map[string]any{"b": 20, "c": 30, "locked": "update"}

	out := exchange.MergeAttributes(existing, incoming, []string{"locked"})

	require.Equal(t, 1, out["a"])
	require.Equal(t, 20, out["b"])
	require.Equal(t, 30, out["c"])
	// Preserved keys keep their existing value.
	require.Equal(t, "original", out["locked"])

	// But a preserved key with no existing value still lands.
	out = exchange.MergeAttributes(map[string]any{}, incoming, []string{"locked"})
	require.Equal(t, "update", out["locked"])

	// Inputs stay untouched.
	require.Equal(t, 2, existing["b"])
}
