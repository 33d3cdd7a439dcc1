package exchange

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/fluxline/exchange/internal/metrics"
)

// Error codes surfaced in processing results.
const (
	CodeMissingTenant   = "MISSING_TENANT_ID"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnexpectedError = "UNEXPECTED_ERROR"
	CodeHandlerError    = "HANDLER_EXECUTION_ERROR"
	CodeVersionConflict = "VERSION_CONFLICT"
)

// TenantResolver resolves the tenant an execution runs under. Returning an
// error aborts execution before any state is touched; returning an empty
// tenant produces a MISSING_TENANT_ID failure result instead.
type TenantResolver func(ctx context.Context) (string, error)

type tenantKey struct{}

// ContextWithTenant stamps a tenant onto the context for the default
// resolver.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext reads the tenant stamped by ContextWithTenant.
func TenantFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey{}).(string)
	return s
}

// EnvTenantResolver reads the tenant from the TENANT_ID environment
// variable, for single-tenant worker deployments.
func EnvTenantResolver(ctx context.Context) (string, error) {
	return os.Getenv("TENANT_ID"), nil
}

func defaultTenantResolver(ctx context.Context) (string, error) {
	return TenantFromContext(ctx), nil
}

// ExecutionHandler drives one processor: it resolves tenancy, opens a
// session, validates and executes the message, commits or rolls back, audits
// the transitions, fans successful results out and dead letters permanent
// failures. The processor only ever sees Validate and Process.
type ExecutionHandler struct {
	processor Processor

	sessionFactory SessionFactory
	sharedSession  Session
	router         *Router
	recorder       *Recorder
	errRec         *ErrorRecorder
	dlq            DeadLetterSink
	resolver       TenantResolver
	sightings      *Sightings
	logger         Logger
	clock          clock.Clock
}

type HandlerOption func(*ExecutionHandler)

func WithSessionFactory(f SessionFactory) HandlerOption {
	return func(h *ExecutionHandler) {
		h.sessionFactory = f
	}
}

// WithSharedSession configures a fallback session used when no factory is
// set. Shared sessions trade isolation for simplicity and log a warning per
// execution.
func WithSharedSession(s Session) HandlerOption {
	return func(h *ExecutionHandler) {
		h.sharedSession = s
	}
}

func WithRouter(r *Router) HandlerOption {
	return func(h *ExecutionHandler) {
		h.router = r
	}
}

func WithRecorder(r *Recorder) HandlerOption {
	return func(h *ExecutionHandler) {
		h.recorder = r
	}
}

func WithErrorRecorder(r *ErrorRecorder) HandlerOption {
	return func(h *ExecutionHandler) {
		h.errRec = r
	}
}

func WithDeadLetterSink(s DeadLetterSink) HandlerOption {
	return func(h *ExecutionHandler) {
		h.dlq = s
	}
}

func WithTenantResolver(r TenantResolver) HandlerOption {
	return func(h *ExecutionHandler) {
		h.resolver = r
	}
}

func WithHandlerLogger(l Logger) HandlerOption {
	return func(h *ExecutionHandler) {
		h.logger = l
	}
}

func WithHandlerClock(c clock.Clock) HandlerOption {
	return func(h *ExecutionHandler) {
		h.clock = c
	}
}

func NewExecutionHandler(p Processor, opts ...HandlerOption) *ExecutionHandler {
	h := &ExecutionHandler{
		processor: p,
		resolver:  defaultTenantResolver,
		logger:    noopLogger{},
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sightings == nil {
		h.sightings = NewSightings(
			WithSightingsLogger(h.logger),
			WithSightingsClock(h.clock),
		)
	}
	return h
}

// Execute runs the processor against one message and always returns a result
// when the execution environment could be established. Only environmental
// failures, resolving the tenant or opening a session, return an error; every
// processor level failure is expressed as a failure result.
func (h *ExecutionHandler) Execute(ctx context.Context, msg *Message) (*ProcessingResult, error) {
	msg.EnsureIDs()

	if msg.EntityRef != nil {
		if err := msg.EntityRef.Validate(); err != nil {
			// A reference resolves to exactly one stored version or the
			// message is structurally invalid. Nothing ran, so the result
			// carries no duration.
			result := Failure(CodeInvalidMessage, err.Error(), false)
			result.CompletedAt = h.clock.Now()
			metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), CodeInvalidMessage).Inc()
			return result, nil
		}
	}

	tenantID, err := h.resolver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve tenant", j.KV("message_id", msg.MessageID))
	}
	if tenantID == "" {
		tenantID = tenantFromMessage(msg)
	}
	if tenantID == "" {
		// No execution happened, so the result carries no duration.
		result := Failure(CodeMissingTenant, "message has no tenant context", false)
		result.CompletedAt = h.clock.Now()
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), CodeMissingTenant).Inc()
		return result, nil
	}

	start := h.clock.Now()

	session, owned, err := h.openSession(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open session", j.KV("message_id", msg.MessageID))
	}
	if owned {
		defer func() {
			err := session.Close()
			if err != nil {
				h.logger.Error(ctx, errors.Wrap(err, "close session"))
			}
		}()
	}

	if fieldErrs := h.processor.Validate(msg); len(fieldErrs) > 0 {
		result := Failure(CodeInvalidMessage, validationMessage(fieldErrs), false)
		result.AddMetadata("validation_errors", fieldErrs)
		h.finalise(result, start)
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), CodeInvalidMessage).Inc()
		return result, nil
	}

	pc := &Context{
		tenantID:  tenantID,
		msg:       msg,
		session:   session,
		sightings: h.sightings,
		recorder:  h.recorder,
		errRec:    h.errRec,
		router:    h.router,
		processor: h.processor.Name(),
	}

	result, procErr := h.invoke(ctx, msg, pc)
	if procErr != nil {
		canRetry := h.processor.CanRetry(procErr)
		h.rollback(ctx, session)
		result = Failure(CodeUnexpectedError, procErr.Error(), canRetry)
		result.EntitiesCreated = pc.CreatedEntities()
		h.fail(ctx, tenantID, msg, result)
		h.finalise(result, start)
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), CodeUnexpectedError).Inc()
		return result, nil
	}
	if result == nil {
		h.rollback(ctx, session)
		result = Failure(CodeUnexpectedError, "processor returned no result", false)
		h.fail(ctx, tenantID, msg, result)
		h.finalise(result, start)
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), CodeUnexpectedError).Inc()
		return result, nil
	}

	mergeCreated(result, pc.CreatedEntities())

	if !result.Success {
		h.rollback(ctx, session)
		h.fail(ctx, tenantID, msg, result)
		h.finalise(result, start)
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), result.ErrorCode).Inc()
		return result, nil
	}

	h.mergeEntityData(ctx, session, tenantID, msg, result)

	err = session.Commit(ctx)
	if err != nil {
		if errors.Is(err, ErrEntityVersionConflict) {
			metrics.VersionConflicts.WithLabelValues(h.processor.Name()).Inc()
			result = Failure(CodeVersionConflict, err.Error(), true)
		} else {
			result = Failure(CodeUnexpectedError, err.Error(), h.processor.CanRetry(err))
		}
		h.fail(ctx, tenantID, msg, result)
		h.finalise(result, start)
		metrics.ExecutionErrors.WithLabelValues(h.processor.Name(), result.ErrorCode).Inc()
		return result, nil
	}

	h.succeed(ctx, tenantID, msg, result)

	if h.router != nil && len(result.Outputs) > 0 {
		err := h.router.Dispatch(ctx, msg, result)
		if err != nil {
			// Routing faults never reverse a committed execution.
			h.logger.Error(ctx, errors.Wrap(err, "output dispatch"))
			result.AddMetadata("output_dispatch_error", err.Error())
		}
	}

	h.finalise(result, start)
	metrics.ExecutionLatency.WithLabelValues(h.processor.Name()).Observe(float64(h.clock.Since(start)) / float64(time.Second))
	return result, nil
}

func (h *ExecutionHandler) openSession(ctx context.Context) (Session, bool, error) {
	if h.sessionFactory != nil {
		s, err := h.sessionFactory.NewSession(ctx)
		return s, true, err
	}
	if h.sharedSession != nil {
		h.logger.Debug(ctx, "using shared session, execution is not isolated", MKV{
			"processor": h.processor.Name(),
		})
		return h.sharedSession, false, nil
	}
	return nil, false, errors.New("no session factory or shared session configured")
}

// invoke calls the processor with panic containment so a panicking processor
// degrades into a non-retryable failure result.
func (h *ExecutionHandler) invoke(ctx context.Context, msg *Message, pc *Context) (result *ProcessingResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = errors.New(fmt.Sprintf("processor panic: %v", p), j.KV("message_id", msg.MessageID))
		}
	}()
	return h.processor.Process(ctx, msg, pc)
}

func (h *ExecutionHandler) rollback(ctx context.Context, session Session) {
	err := session.Rollback(ctx)
	if err != nil {
		h.logger.Error(ctx, errors.Wrap(err, "rollback session"))
	}
}

// mergeEntityData folds processor supplied entity data into the referenced or
// first created entity before commit. Failures are logged, not fatal.
func (h *ExecutionHandler) mergeEntityData(ctx context.Context, session Session, tenantID string, msg *Message, result *ProcessingResult) {
	if len(result.EntityData) == 0 {
		return
	}
	entityID := resultEntityID(msg, result)
	if entityID == "" {
		return
	}
	var preserve []string
	if keys, ok := result.EntityMetadata["preserve_keys"].([]string); ok {
		preserve = keys
	}
	err := session.MergeAttributes(ctx, tenantID, entityID, result.EntityData, preserve)
	if err != nil {
		h.logger.Error(ctx, errors.Wrap(err, "merge entity data", j.KV("entity_id", entityID)))
	}
}

// succeed emits the completion transitions: the referenced entity finishes
// processing, freshly created entities jump from started to completed.
func (h *ExecutionHandler) succeed(ctx context.Context, tenantID string, msg *Message, result *ProcessingResult) {
	if h.recorder == nil {
		return
	}
	var refID string
	if msg.EntityRef != nil {
		refID = msg.EntityRef.ID
		h.recorder.Record(ctx, StateTransition{
			TenantID:   tenantID,
			PipelineID: msg.PipelineID,
			EntityID:   refID,
			ExternalID: msg.EntityRef.ExternalID,
			Processor:  h.processor.Name(),
			FromState:  StateProcessing,
			ToState:    StateCompleted,
			MessageID:  msg.MessageID,
		})
	}
	for _, id := range result.EntitiesCreated {
		if id == refID {
			continue
		}
		h.recorder.Record(ctx, StateTransition{
			TenantID:   tenantID,
			PipelineID: msg.PipelineID,
			EntityID:   id,
			Processor:  h.processor.Name(),
			FromState:  StateStarted,
			ToState:    StateCompleted,
			MessageID:  msg.MessageID,
		})
	}
}

// fail audits a failed execution and dead letters the message when the
// failure is permanent and a sink is configured.
func (h *ExecutionHandler) fail(ctx context.Context, tenantID string, msg *Message, result *ProcessingResult) {
	if h.recorder != nil {
		var refID, externalID string
		if msg.EntityRef != nil {
			refID = msg.EntityRef.ID
			externalID = msg.EntityRef.ExternalID
		}
		ids := result.EntitiesCreated
		if refID != "" {
			ids = append([]string{refID}, ids...)
		}
		for _, id := range ids {
			h.recorder.Record(ctx, StateTransition{
				TenantID:       tenantID,
				PipelineID:     msg.PipelineID,
				EntityID:       id,
				ExternalID:     externalID,
				Processor:      h.processor.Name(),
				FromState:      StateProcessing,
				ToState:        StateFailed,
				TransitionType: TransitionError,
				MessageID:      msg.MessageID,
				Notes:          result.ErrorMessage,
			})
			externalID = ""
		}
	}

	// Error records are tied to an entity; a failure before any entity was
	// referenced or created only gets the transition audit above.
	if entityID := resultEntityID(msg, result); h.errRec != nil && entityID != "" {
		h.errRec.Record(ctx, ProcessingError{
			TenantID:   tenantID,
			PipelineID: msg.PipelineID,
			EntityID:   entityID,
			Processor:  h.processor.Name(),
			ErrorCode:  result.ErrorCode,
			Message:    result.ErrorMessage,
			CanRetry:   result.CanRetry,
		})
	}

	if !result.CanRetry && h.dlq != nil {
		b, err := buildDeadLetter(msg, result, h.processor.Name(), h.clock.Now())
		if err == nil {
			err = h.dlq.Send(ctx, b)
		}
		if err != nil {
			h.logger.Error(ctx, errors.Wrap(err, "send dead letter", j.KV("message_id", msg.MessageID)))
			return
		}
		metrics.DeadLetters.WithLabelValues(h.processor.Name()).Inc()
		result.Status = StatusDeadLettered
	}
}

func (h *ExecutionHandler) finalise(result *ProcessingResult, start time.Time) {
	now := h.clock.Now()
	result.DurationMS = float64(now.Sub(start)) / float64(time.Millisecond)
	result.CompletedAt = now
}

func tenantFromMessage(msg *Message) string {
	if msg.EntityRef != nil && msg.EntityRef.TenantID != "" {
		return msg.EntityRef.TenantID
	}
	if s, ok := msg.Metadata["tenant_id"].(string); ok {
		return s
	}
	return ""
}

func resultEntityID(msg *Message, result *ProcessingResult) string {
	if msg.EntityRef != nil && msg.EntityRef.ID != "" {
		return msg.EntityRef.ID
	}
	if len(result.EntitiesCreated) > 0 {
		return result.EntitiesCreated[0]
	}
	return ""
}

func mergeCreated(result *ProcessingResult, created []string) {
	seen := make(map[string]bool, len(result.EntitiesCreated))
	for _, id := range result.EntitiesCreated {
		seen[id] = true
	}
	for _, id := range created {
		if !seen[id] {
			result.EntitiesCreated = append(result.EntitiesCreated, id)
			seen[id] = true
		}
	}
}

func validationMessage(fieldErrs []FieldError) string {
	if len(fieldErrs) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", fieldErrs[0].Field, fieldErrs[0].Message)
	}
	return fmt.Sprintf("validation failed with %d field errors", len(fieldErrs))
}
