package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"k8s.io/utils/clock"

	"github.com/fluxline/exchange/internal/metrics"
)

// TransitionType classifies why an entity moved between states.
type TransitionType string

const (
	TransitionNormal   TransitionType = "NORMAL"
	TransitionError    TransitionType = "ERROR"
	TransitionRetry    TransitionType = "RETRY"
	TransitionManual   TransitionType = "MANUAL"
	TransitionTimeout  TransitionType = "TIMEOUT"
	TransitionRecovery TransitionType = "RECOVERY"
)

// EntityState is a lifecycle stage of an entity within a pipeline.
type EntityState string

const (
	StateReceived   EntityState = "received"
	StateStarted    EntityState = "started"
	StateProcessing EntityState = "processing"
	StateCompleted  EntityState = "completed"
	StateFailed     EntityState = "failed"
)

// StateTransition is one audit record of an entity moving between states.
type StateTransition struct {
	TransitionID   string         `json:"transition_id"`
	TenantID       string         `json:"tenant_id"`
	PipelineID     string         `json:"pipeline_id,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	ExternalID     string         `json:"external_id,omitempty"`
	Processor      string         `json:"processor,omitempty"`
	FromState      EntityState    `json:"from_state"`
	ToState        EntityState    `json:"to_state"`
	TransitionType TransitionType `json:"transition_type"`
	Status         string         `json:"status"`
	MessageID      string         `json:"message_id,omitempty"`
	QueueSource    string         `json:"queue_source,omitempty"`
	QueueDest      string         `json:"queue_destination,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// statusFor derives the processing status stored on the transition row.
// Normal and manual transitions carry the destination state through.
func statusFor(typ TransitionType, to EntityState) string {
	switch typ {
	case TransitionError, TransitionTimeout:
		return "failed"
	case TransitionRetry, TransitionRecovery:
		return "retrying"
	default:
		return string(to)
	}
}

// Recorder writes the state transition audit trail. The log line is the
// primary record and always happens; the optional store and stream are best
// effort - their failures are logged and counted but never fail the caller.
type Recorder struct {
	logger Logger
	store  TransitionStore
	sender EventSender
	clock  clock.Clock
}

type RecorderOption func(*Recorder)

func WithRecorderStore(store TransitionStore) RecorderOption {
	return func(r *Recorder) {
		r.store = store
	}
}

func WithRecorderStream(sender EventSender) RecorderOption {
	return func(r *Recorder) {
		r.sender = sender
	}
}

func WithRecorderClock(c clock.Clock) RecorderOption {
	return func(r *Recorder) {
		r.clock = c
	}
}

func NewRecorder(logger Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Recorder{
		logger: logger,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record logs the transition and, when configured, persists and streams it.
// It returns the transition ID in all cases.
func (r *Recorder) Record(ctx context.Context, st StateTransition) string {
	st.TransitionID = uuid.New().String()
	st.CreatedAt = r.clock.Now()
	if st.TransitionType == "" {
		st.TransitionType = TransitionNormal
	}
	st.Status = statusFor(st.TransitionType, st.ToState)

	r.logger.Info(ctx, "state transition", transitionMKV(st))

	if r.store != nil {
		err := r.store.InsertTransition(ctx, &st)
		if err != nil {
			metrics.RecorderFailures.WithLabelValues("store").Inc()
			r.logger.Error(ctx, errors.Wrap(err, "persist state transition"))
		}
	}

	if r.sender != nil {
		b, err := Marshal(&st)
		if err == nil {
			err = r.sender.Send(ctx, st.EntityID, b, map[Header]string{
				HeaderTenantID:       st.TenantID,
				HeaderPipelineID:     st.PipelineID,
				HeaderTransitionType: string(st.TransitionType),
			})
		}
		if err != nil {
			metrics.RecorderFailures.WithLabelValues("stream").Inc()
			r.logger.Error(ctx, errors.Wrap(err, "stream state transition"))
		}
	}

	return st.TransitionID
}

// transitionMKV flattens a transition for logging, omitting empty fields so
// the audit line stays scannable.
func transitionMKV(st StateTransition) MKV {
	m := MKV{
		"transition_id": st.TransitionID,
		"tenant_id":     st.TenantID,
		"from_state":    string(st.FromState),
		"to_state":      string(st.ToState),
		"type":          string(st.TransitionType),
		"status":        st.Status,
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("pipeline_id", st.PipelineID)
	set("entity_id", st.EntityID)
	set("external_id", st.ExternalID)
	set("processor", st.Processor)
	set("message_id", st.MessageID)
	set("queue_source", st.QueueSource)
	set("queue_destination", st.QueueDest)
	set("notes", st.Notes)
	if len(st.Metadata) > 0 {
		m["metadata_keys"] = strconv.Itoa(len(st.Metadata))
	}
	return m
}
