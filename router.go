package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/fluxline/exchange/internal/metrics"
)

// HandlerType names a class of output destination.
type HandlerType string

const (
	HandlerTypeQueue HandlerType = "queue"
	HandlerTypeBus   HandlerType = "bus"
	HandlerTypeFile  HandlerType = "file"
	HandlerTypeNoop  HandlerType = "noop"
)

// OutputResult is the outcome of forwarding one message to one destination.
type OutputResult struct {
	Success     bool        `json:"success"`
	Status      string      `json:"status"`
	Destination string      `json:"destination"`
	HandlerType HandlerType `json:"handler_type"`
	MessageID   string      `json:"message_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	CanRetry    bool        `json:"can_retry,omitempty"`
	RetryAfter  int         `json:"retry_after_seconds,omitempty"`
	DurationMS  float64     `json:"duration_ms"`
}

func OutputSuccess(typ HandlerType, destination string) OutputResult {
	return OutputResult{
		Success:     true,
		Status:      "success",
		Destination: destination,
		HandlerType: typ,
	}
}

func OutputFailure(typ HandlerType, destination, code, message string, canRetry bool) OutputResult {
	return OutputResult{
		Success:     false,
		Status:      "failure",
		Destination: destination,
		HandlerType: typ,
		Error:       message,
		ErrorCode:   code,
		CanRetry:    canRetry,
	}
}

// OutputHandler forwards a processed message to one class of destination.
type OutputHandler interface {
	Handle(ctx context.Context, msg *Message, result *ProcessingResult, out Output) OutputResult
}

// Router fans a processing result out to its declared outputs. One handler is
// registered per handler type; destinations are resolved per output.
type Router struct {
	handlers map[HandlerType]OutputHandler
	logger   Logger
	clock    clock.Clock
}

type RouterOption func(*Router)

func WithRouterLogger(l Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

func WithRouterClock(c clock.Clock) RouterOption {
	return func(r *Router) {
		r.clock = c
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[HandlerType]OutputHandler),
		logger:   noopLogger{},
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) RegisterHandler(typ HandlerType, h OutputHandler) {
	r.handlers[typ] = h
}

// Dispatch forwards the message to every output in declaration order. A
// failing destination never stops later ones; per destination outcomes and a
// summary land in the result metadata. An output naming an unregistered
// handler type is a configuration fault and fails the whole dispatch.
func (r *Router) Dispatch(ctx context.Context, msg *Message, result *ProcessingResult) error {
	if len(result.Outputs) == 0 {
		return nil
	}

	outcomes := make([]OutputResult, 0, len(result.Outputs))
	var succeeded int
	for _, out := range result.Outputs {
		h, ok := r.handlers[out.HandlerType]
		if !ok {
			return errors.Wrap(ErrUnknownHandlerType, "", j.KV("handler_type", string(out.HandlerType)))
		}

		start := r.clock.Now()
		or := r.handleSafe(ctx, h, msg, result, out)
		or.DurationMS = float64(r.clock.Since(start)) / float64(time.Millisecond)

		if or.Success {
			succeeded++
			metrics.OutputDispatches.WithLabelValues(string(out.HandlerType), "success").Inc()
		} else {
			metrics.OutputDispatches.WithLabelValues(string(out.HandlerType), "failure").Inc()
			r.logger.Debug(ctx, "output dispatch failed", MKV{
				"destination":  out.Destination,
				"handler_type": string(out.HandlerType),
				"error_code":   or.ErrorCode,
			})
		}
		outcomes = append(outcomes, or)
	}

	result.AddMetadata("output_results", outcomes)
	result.AddMetadata("output_summary", map[string]any{
		"total":        len(outcomes),
		"succeeded":    succeeded,
		"failed":       len(outcomes) - succeeded,
		"success_rate": float64(succeeded) / float64(len(outcomes)),
	})

	return nil
}

// handleSafe contains a panicking handler so one destination cannot take down
// the dispatch loop.
func (r *Router) handleSafe(ctx context.Context, h OutputHandler, msg *Message, result *ProcessingResult, out Output) (or OutputResult) {
	defer func() {
		if p := recover(); p != nil {
			or = OutputFailure(out.HandlerType, out.Destination, "HANDLER_EXECUTION_ERROR", fmt.Sprintf("output handler panic: %v", p), false)
		}
	}()
	return h.Handle(ctx, msg, result, out)
}

// NoopHandler accepts everything and delivers nothing. Useful for tests and
// for disabling a route in config without touching processor code.
type NoopHandler struct{}

func (NoopHandler) Handle(ctx context.Context, msg *Message, result *ProcessingResult, out Output) OutputResult {
	or := OutputSuccess(HandlerTypeNoop, out.Destination)
	or.MessageID = msg.MessageID
	return or
}
