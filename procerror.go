package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"k8s.io/utils/clock"
)

// ProcessingError is a durable record of a failure tied to a pipeline and,
// when known, a specific entity.
type ProcessingError struct {
	ErrorID    string    `json:"error_id"`
	TenantID   string    `json:"tenant_id"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Processor  string    `json:"processor,omitempty"`
	ErrorCode  string    `json:"error_code"`
	Message    string    `json:"message"`
	CanRetry   bool      `json:"can_retry"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProcessingErrorStore persists error records for later inspection.
type ProcessingErrorStore interface {
	InsertProcessingError(ctx context.Context, pe *ProcessingError) error
}

// ErrorRecorder captures processing failures. Like the transition recorder
// the log line always happens and store failures are swallowed.
type ErrorRecorder struct {
	logger Logger
	store  ProcessingErrorStore
	clock  clock.Clock
}

type ErrorRecorderOption func(*ErrorRecorder)

func WithErrorStore(store ProcessingErrorStore) ErrorRecorderOption {
	return func(r *ErrorRecorder) {
		r.store = store
	}
}

func WithErrorClock(c clock.Clock) ErrorRecorderOption {
	return func(r *ErrorRecorder) {
		r.clock = c
	}
}

func NewErrorRecorder(logger Logger, opts ...ErrorRecorderOption) *ErrorRecorder {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &ErrorRecorder{
		logger: logger,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ErrorRecorder) Record(ctx context.Context, pe ProcessingError) string {
	pe.ErrorID = uuid.New().String()
	pe.CreatedAt = r.clock.Now()

	r.logger.Info(ctx, "processing error", MKV{
		"error_id":    pe.ErrorID,
		"tenant_id":   pe.TenantID,
		"pipeline_id": pe.PipelineID,
		"entity_id":   pe.EntityID,
		"processor":   pe.Processor,
		"error_code":  pe.ErrorCode,
		"message":     pe.Message,
	})

	if r.store != nil {
		err := r.store.InsertProcessingError(ctx, &pe)
		if err != nil {
			r.logger.Error(ctx, errors.Wrap(err, "persist processing error"))
		}
	}

	return pe.ErrorID
}
