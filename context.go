package exchange

import (
	"context"

	"github.com/luno/jettison/errors"
)

// Context is the capability surface handed to a processor for one message.
// It scopes every operation to the resolved tenant and the message's
// pipeline, so processors never touch tenancy or audit plumbing directly.
type Context struct {
	tenantID string
	msg      *Message

	session   EntityStore
	sightings *Sightings
	recorder  *Recorder
	errRec    *ErrorRecorder
	router    *Router
	processor string

	created []string
}

func (pc *Context) TenantID() string {
	return pc.tenantID
}

func (pc *Context) PipelineID() string {
	return pc.msg.PipelineID
}

// CreateEntity records a sighting as a new entity version inside the
// execution session and audits it moving into processing.
func (pc *Context) CreateEntity(ctx context.Context, p SightingParams) (*Sighting, error) {
	if p.ProcessorName == "" {
		p.ProcessorName = pc.processor
	}
	s, err := pc.sightings.Record(ctx, pc.session, pc.tenantID, p)
	if err != nil {
		return nil, err
	}
	pc.created = append(pc.created, s.EntityID)

	if pc.recorder != nil {
		pc.recorder.Record(ctx, StateTransition{
			TenantID:   pc.tenantID,
			PipelineID: pc.msg.PipelineID,
			EntityID:   s.EntityID,
			ExternalID: s.ExternalID,
			Processor:  pc.processor,
			FromState:  StateReceived,
			ToState:    StateProcessing,
			MessageID:  pc.msg.MessageID,
		})
	}

	return s, nil
}

// CreateMessage builds a follow-on entity message in this pipeline.
func (pc *Context) CreateMessage(ref EntityReference, payload map[string]any) *Message {
	m := NewEntityMessage(ref, payload)
	m.CorrelationID = pc.msg.MessageID
	return m.WithPipeline(pc.msg.PipelineID)
}

// CreateEntityAndMessage is the common case of persisting a sighting and
// immediately minting the message that moves it to the next processor.
func (pc *Context) CreateEntityAndMessage(ctx context.Context, p SightingParams, payload map[string]any) (*Sighting, *Message, error) {
	s, err := pc.CreateEntity(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	ref := EntityReference{
		ID:            s.EntityID,
		ExternalID:    s.ExternalID,
		CanonicalType: p.CanonicalType,
		Source:        p.Source,
		Version:       s.Version,
		TenantID:      pc.tenantID,
	}
	return s, pc.CreateMessage(ref, payload), nil
}

// Entity loads an entity by ID within the tenant.
func (pc *Context) Entity(ctx context.Context, id string) (*Entity, error) {
	return pc.session.Lookup(ctx, pc.tenantID, id)
}

// EntityByExternalID loads the latest version of a logical entity.
func (pc *Context) EntityByExternalID(ctx context.Context, source, externalID string) (*Entity, error) {
	return pc.session.Latest(ctx, pc.tenantID, source, externalID)
}

// RecordTransition audits a custom state transition within this pipeline.
func (pc *Context) RecordTransition(ctx context.Context, entityID string, from, to EntityState, typ TransitionType, notes string) string {
	if pc.recorder == nil {
		return ""
	}
	return pc.recorder.Record(ctx, StateTransition{
		TenantID:       pc.tenantID,
		PipelineID:     pc.msg.PipelineID,
		EntityID:       entityID,
		Processor:      pc.processor,
		FromState:      from,
		ToState:        to,
		TransitionType: typ,
		MessageID:      pc.msg.MessageID,
		Notes:          notes,
	})
}

// RecordError captures a non-fatal failure against this pipeline without
// failing the execution.
func (pc *Context) RecordError(ctx context.Context, code, message string, canRetry bool) string {
	if pc.errRec == nil {
		return ""
	}
	return pc.errRec.Record(ctx, ProcessingError{
		TenantID:   pc.tenantID,
		PipelineID: pc.msg.PipelineID,
		Processor:  pc.processor,
		ErrorCode:  code,
		Message:    message,
		CanRetry:   canRetry,
	})
}

// SendOutput dispatches a message to a single destination immediately,
// outside the declarative fan-out that runs after a successful commit.
func (pc *Context) SendOutput(ctx context.Context, msg *Message, out Output) (OutputResult, error) {
	if pc.router == nil {
		return OutputResult{}, errors.Wrap(ErrUnknownHandlerType, "no router configured")
	}
	res := &ProcessingResult{Outputs: []Output{out}}
	err := pc.router.Dispatch(ctx, msg, res)
	if err != nil {
		return OutputResult{}, err
	}
	outcomes, _ := res.Metadata["output_results"].([]OutputResult)
	if len(outcomes) == 0 {
		return OutputResult{}, errors.New("dispatch produced no outcome")
	}
	return outcomes[0], nil
}

// CreatedEntities lists entity IDs persisted through this context, in
// creation order.
func (pc *Context) CreatedEntities() []string {
	out := make([]string, len(pc.created))
	copy(out, pc.created)
	return out
}
