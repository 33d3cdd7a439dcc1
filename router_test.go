package exchange_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
)

func TestDispatchOrderedIsolation(t *testing.T) {
	ctx := context.Background()
	handler := &exchange.RecordingOutputHandler{}
	handler.FailDestination("orders.flaky", exchange.OutputFailure(exchange.HandlerTypeQueue, "orders.flaky", "QUEUE_PUBLISH_ERROR", "connection reset", true))

	router := exchange.NewRouter()
	router.RegisterHandler(exchange.HandlerTypeQueue, handler)

	msg := exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil)
	result := exchange.Success().
		AddOutput(exchange.HandlerTypeQueue, "orders.first", nil).
		AddOutput(exchange.HandlerTypeQueue, "orders.flaky", nil).
		AddOutput(exchange.HandlerTypeQueue, "orders.last", nil)

	err := router.Dispatch(ctx, msg, result)
	jtest.RequireNil(t, err)

	// The failing middle destination never blocks the one after it.
	handled := handler.Handled()
	require.Len(t, handled, 3)
	require.Equal(t, "orders.first", handled[0].Destination)
	require.Equal(t, "orders.flaky", handled[1].Destination)
	require.Equal(t, "orders.last", handled[2].Destination)

	outcomes, ok := result.Metadata["output_results"].([]exchange.OutputResult)
	require.True(t, ok)
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].Success)
	require.False(t, outcomes[1].Success)
	require.True(t, outcomes[2].Success)

	summary, ok := result.Metadata["output_summary"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 3, summary["total"])
	require.Equal(t, 2, summary["succeeded"])
	require.Equal(t, 1, summary["failed"])
	require.InDelta(t, 0.666, summary["success_rate"], 0.01)
}

func TestDispatchUnknownHandlerType(t *testing.T) {
	router := exchange.NewRouter()
	router.RegisterHandler(exchange.HandlerTypeNoop, exchange.NoopHandler{})

	result := exchange.Success().AddOutput(exchange.HandlerTypeBus, "orders.topic", nil)
	err := router.Dispatch(context.Background(), exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil), result)
	jtest.Require(t, exchange.ErrUnknownHandlerType, err)
}

func TestDispatchPanicContainment(t *testing.T) {
	ctx := context.Background()
	panicky := &exchange.RecordingOutputHandler{Panic: true}
	sane := &exchange.RecordingOutputHandler{}

	router := exchange.NewRouter()
	router.RegisterHandler(exchange.HandlerTypeQueue, panicky)
	router.RegisterHandler(exchange.HandlerTypeNoop, sane)

	result := exchange.Success().
		AddOutput(exchange.HandlerTypeQueue, "orders.boom", nil).
		AddOutput(exchange.HandlerTypeNoop, "orders.fine", nil)

	err := router.Dispatch(ctx, exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil), result)
	jtest.RequireNil(t, err)

	outcomes, ok := result.Metadata["output_results"].([]exchange.OutputResult)
	require.True(t, ok)
	require.Len(t, outcomes, 2)
	require.False(t, outcomes[0].Success)
	require.Equal(t, "HANDLER_EXECUTION_ERROR", outcomes[0].ErrorCode)
	require.True(t, outcomes[1].Success)
}

func TestDispatchNoOutputs(t *testing.T) {
	router := exchange.NewRouter()
	result := exchange.Success()

	err := router.Dispatch(context.Background(), exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil), result)
	jtest.RequireNil(t, err)
	require.NotContains(t, result.Metadata, "output_summary")
}
