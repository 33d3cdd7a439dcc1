package fileout_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/fileout"
)

func TestHandleAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	h := fileout.New(exchange.FileConfig{Directory: dir, Format: "jsonl"})

	msg := exchange.NewMessage(exchange.MessageTypeEntityProcessing, map[string]any{"total": 10.0})
	out := exchange.Output{HandlerType: exchange.HandlerTypeFile, Destination: "orders.jsonl"}

	for i := 0; i < 2; i++ {
		or := h.Handle(context.Background(), msg, exchange.Success(), out)
		require.True(t, or.Success)
		require.Equal(t, msg.MessageID, or.MessageID)
	}

	b, err := os.ReadFile(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var decoded exchange.Message
	require.NoError(t, exchange.Unmarshal([]byte(lines[0]), &decoded))
	require.Equal(t, msg.MessageID, decoded.MessageID)
}

func TestHandleCreatesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	h := fileout.New(exchange.FileConfig{Directory: dir})

	or := h.Handle(context.Background(),
		exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil),
		exchange.Success(),
		exchange.Output{HandlerType: exchange.HandlerTypeFile, Destination: filepath.Join("by-tenant", "t1", "orders.jsonl")},
	)
	require.True(t, or.Success)

	_, err := os.Stat(filepath.Join(dir, "by-tenant", "t1", "orders.jsonl"))
	require.NoError(t, err)
}

func TestHandleTextFormat(t *testing.T) {
	dir := t.TempDir()
	h := fileout.New(exchange.FileConfig{Directory: dir, Format: "text"})

	msg := exchange.NewMessage(exchange.MessageTypeHeartbeat, nil)
	or := h.Handle(context.Background(), msg, exchange.Success(), exchange.Output{
		HandlerType: exchange.HandlerTypeFile,
		Destination: "beat.log",
	})
	require.True(t, or.Success)

	b, err := os.ReadFile(filepath.Join(dir, "beat.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), msg.MessageID)
	require.Contains(t, string(b), string(exchange.MessageTypeHeartbeat))
}

func TestHandleUnsupportedFormat(t *testing.T) {
	h := fileout.New(exchange.FileConfig{Directory: t.TempDir(), Format: "parquet"})

	or := h.Handle(context.Background(),
		exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil),
		exchange.Success(),
		exchange.Output{HandlerType: exchange.HandlerTypeFile, Destination: "orders.bin"},
	)
	require.False(t, or.Success)
	require.Equal(t, "FILE_WRITE_ERROR", or.ErrorCode)
}
