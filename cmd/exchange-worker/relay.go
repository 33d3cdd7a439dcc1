package main

import (
	"context"

	"github.com/fluxline/exchange"
)

// relayProcessor is the worker's built-in processor. It records every inbound
// payload as an entity sighting and forwards the resulting entity message to
// the configured outputs. Deployments with bespoke business logic embed the
// exchange module directly instead.
type relayProcessor struct {
	outputs []exchange.Output
}

var _ exchange.Processor = (*relayProcessor)(nil)

func (p *relayProcessor) Name() string {
	return "relay"
}

func (p *relayProcessor) Validate(msg *exchange.Message) []exchange.FieldError {
	var errs []exchange.FieldError
	if msg.Type != exchange.MessageTypeEntityProcessing {
		errs = append(errs, exchange.FieldError{
			Field:   "type",
			Message: "relay only handles entity_processing messages",
		})
	}
	for _, field := range []string{"external_id", "canonical_type", "source"} {
		if s, _ := msg.Payload[field].(string); s == "" {
			errs = append(errs, exchange.FieldError{
				Field:   field,
				Message: "required",
			})
		}
	}
	return errs
}

func (p *relayProcessor) Process(ctx context.Context, msg *exchange.Message, pc *exchange.Context) (*exchange.ProcessingResult, error) {
	externalID, _ := msg.Payload["external_id"].(string)
	canonicalType, _ := msg.Payload["canonical_type"].(string)
	source, _ := msg.Payload["source"].(string)
	content, _ := msg.Payload["content"].(map[string]any)

	sighting, err := pc.CreateEntity(ctx, exchange.SightingParams{
		ExternalID:    externalID,
		CanonicalType: canonicalType,
		Source:        source,
		Content:       content,
	})
	if err != nil {
		return nil, err
	}

	if sighting.Detection.IsDuplicate {
		return exchange.Skipped("duplicate content").AddEntityCreated(sighting.EntityID), nil
	}

	result := exchange.Success().AddEntityCreated(sighting.EntityID)
	for _, out := range p.outputs {
		result.AddOutput(out.HandlerType, out.Destination, out.Params)
	}
	return result, nil
}

func (p *relayProcessor) CanRetry(err error) bool {
	return exchange.IsRetryable(err)
}
