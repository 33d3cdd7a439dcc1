package exchange_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/memstore"
)

func TestContextCreateEntityAndMessage(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	var followOn *exchange.Message
	h := exchange.NewExecutionHandler(&stubProcessor{
		process: func(ctx context.Context, msg *exchange.Message, pc *exchange.Context) (*exchange.ProcessingResult, error) {
			s, m, err := pc.CreateEntityAndMessage(ctx, exchange.SightingParams{
				ExternalID:    "ORDER-123",
				CanonicalType: "order",
				Source:        "shopify",
				Content:       map[string]any{"total": 10.0},
			}, map[string]any{"stage": "enrich"})
			if err != nil {
				return nil, err
			}
			followOn = m
			return exchange.Success().AddEntityCreated(s.EntityID), nil
		},
	},
		exchange.WithSessionFactory(store),
		exchange.WithTenantResolver(exchange.StaticTenant("t1")),
	)

	msg := exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil)
	result, err := h.Execute(ctx, msg)
	jtest.RequireNil(t, err)
	require.True(t, result.Success)

	require.NotNil(t, followOn)
	// Follow-on messages stay in the pipeline and correlate to their parent.
	require.Equal(t, msg.PipelineID, followOn.PipelineID)
	require.Equal(t, msg.MessageID, followOn.CorrelationID)
	require.NotEqual(t, msg.MessageID, followOn.MessageID)

	require.NotNil(t, followOn.EntityRef)
	jtest.RequireNil(t, followOn.EntityRef.Validate())
	require.Equal(t, "t1", followOn.EntityRef.TenantID)
	require.Equal(t, 1, followOn.EntityRef.Version)
	require.Equal(t, result.EntitiesCreated[0], followOn.EntityRef.ID)
	require.Equal(t, map[string]any{"stage": "enrich"}, followOn.Payload)
}

func TestContextEntityLookups(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	h := exchange.NewExecutionHandler(&stubProcessor{
		process: func(ctx context.Context, msg *exchange.Message, pc *exchange.Context) (*exchange.ProcessingResult, error) {
			s, err := pc.CreateEntity(ctx, exchange.SightingParams{
				ExternalID:    "ORDER-123",
				CanonicalType: "order",
				Source:        "shopify",
			})
			if err != nil {
				return nil, err
			}

			// Both lookups see the uncommitted entity inside the session.
			byID, err := pc.Entity(ctx, s.EntityID)
			if err != nil {
				return nil, err
			}
			byExternal, err := pc.EntityByExternalID(ctx, "shopify", "ORDER-123")
			if err != nil {
				return nil, err
			}
			if byID.ID != byExternal.ID {
				return exchange.Failure("MISMATCH", "lookup mismatch", false), nil
			}
			return exchange.Success(), nil
		},
	},
		exchange.WithSessionFactory(store),
		exchange.WithTenantResolver(exchange.StaticTenant("t1")),
	)

	result, err := h.Execute(ctx, exchange.NewMessage(exchange.MessageTypeEntityProcessing, nil))
	jtest.RequireNil(t, err)
	require.True(t, result.Success)
}

func TestDeadLetterPayloadShape(t *testing.T) {
	dlq := &exchange.RecordingDeadLetterSink{}
	h := exchange.NewExecutionHandler(&stubProcessor{
		name: "enricher",
		process: func(ctx context.Context, msg *exchange.Message, pc *exchange.Context) (*exchange.ProcessingResult, error) {
			return exchange.Failure("DOWNSTREAM_REJECTED", "schema mismatch", false), nil
		},
	},
		exchange.WithSessionFactory(memstore.New()),
		exchange.WithDeadLetterSink(dlq),
		exchange.WithTenantResolver(exchange.StaticTenant("t1")),
	)

	msg := exchange.NewEntityMessage(exchange.EntityReference{
		ID: "e1", ExternalID: "ORDER-123", CanonicalType: "order",
		Source: "shopify", Version: 1, TenantID: "t1",
	}, map[string]any{"total": 10.0})

	_, err := h.Execute(context.Background(), msg)
	jtest.RequireNil(t, err)

	payloads := dlq.Payloads()
	require.Len(t, payloads, 1)

	var p struct {
		OriginalMessage struct {
			MessageID  string         `json:"message_id"`
			ExternalID string         `json:"external_id"`
			Payload    map[string]any `json:"payload"`
		} `json:"original_message"`
		FailureInfo struct {
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
			Processor    string `json:"processor"`
			FailedAt     string `json:"failed_at"`
		} `json:"failure_info"`
	}
	require.NoError(t, exchange.Unmarshal(payloads[0], &p))

	require.Equal(t, msg.MessageID, p.OriginalMessage.MessageID)
	require.Equal(t, "ORDER-123", p.OriginalMessage.ExternalID)
	require.Equal(t, map[string]any{"total": 10.0}, p.OriginalMessage.Payload)
	require.Equal(t, "DOWNSTREAM_REJECTED", p.FailureInfo.ErrorCode)
	require.Equal(t, "schema mismatch", p.FailureInfo.ErrorMessage)
	require.Equal(t, "enricher", p.FailureInfo.Processor)
	require.NotEmpty(t, p.FailureInfo.FailedAt)
}
