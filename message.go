package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// MessageType distinguishes the kinds of messages a processor can receive.
type MessageType string

const (
	MessageTypeEntityProcessing MessageType = "entity_processing"
	MessageTypeControl          MessageType = "control_message"
	MessageTypeError            MessageType = "error_message"
	MessageTypeHeartbeat        MessageType = "heartbeat"
	MessageTypeMetrics          MessageType = "metrics"
)

// EntityReference identifies a single version of an entity. All fields are
// required - a reference either resolves to exactly one stored version or it
// is invalid.
type EntityReference struct {
	ID            string `json:"id"`
	ExternalID    string `json:"external_id"`
	CanonicalType string `json:"canonical_type"`
	Source        string `json:"source"`
	Version       int    `json:"version"`
	TenantID      string `json:"tenant_id"`
}

func (r EntityReference) Validate() error {
	if r.ID == "" || r.ExternalID == "" || r.CanonicalType == "" || r.Source == "" || r.TenantID == "" {
		return errors.Wrap(ErrPartialEntityRef, "", j.MKV{
			"entity_id":   r.ID,
			"external_id": r.ExternalID,
		})
	}
	if r.Version < 1 {
		return errors.Wrap(ErrPartialEntityRef, "version must be 1 or greater", j.KV("version", r.Version))
	}
	return nil
}

// Message is the unit of work moving through a pipeline. The pipeline ID ties
// together every message, transition and error produced while handling one
// inbound payload.
type Message struct {
	MessageID     string           `json:"message_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	PipelineID    string           `json:"pipeline_id"`
	Type          MessageType      `json:"type"`
	EntityRef     *EntityReference `json:"entity_ref,omitempty"`
	Payload       map[string]any   `json:"payload,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	RetryCount    int              `json:"retry_count"`
}

// NewMessage mints a message of the given type. A fresh pipeline ID is
// generated so that downstream messages creating their own lineage still
// correlate back to this one.
func NewMessage(typ MessageType, payload map[string]any) *Message {
	return &Message{
		MessageID:  uuid.New().String(),
		PipelineID: uuid.New().String(),
		Type:       typ,
		Payload:    payload,
		Metadata:   make(map[string]any),
		CreatedAt:  time.Now().UTC(),
	}
}

// NewEntityMessage mints an entity_processing message carrying a reference to
// an already persisted entity version.
func NewEntityMessage(ref EntityReference, payload map[string]any) *Message {
	m := NewMessage(MessageTypeEntityProcessing, payload)
	m.EntityRef = &ref
	return m
}

// WithPipeline stamps the message into an existing pipeline, used when a
// processor emits follow-on messages.
func (m *Message) WithPipeline(pipelineID string) *Message {
	if pipelineID != "" {
		m.PipelineID = pipelineID
	}
	return m
}

func (m *Message) IncrementRetry() {
	m.RetryCount++
}

// EnsureIDs backfills identifiers for messages built by hand or decoded from
// an external queue.
func (m *Message) EnsureIDs() {
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	if m.PipelineID == "" {
		m.PipelineID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
