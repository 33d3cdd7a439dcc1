package exchange

import "context"

// FieldError describes one validation failure on an inbound message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Processor is the business logic plugged into the execution handler. One
// processor handles one kind of message; the handler owns everything around
// it - sessions, tenancy, routing, audit and failure handling.
type Processor interface {
	// Name identifies the processor in transitions, error records and logs.
	Name() string

	// Validate inspects the message before any state is touched. A non-empty
	// result stops execution before Process is called.
	Validate(msg *Message) []FieldError

	// Process executes the business logic. Returning an error means the
	// processor could not produce a verdict; the handler classifies it via
	// CanRetry.
	Process(ctx context.Context, msg *Message, pc *Context) (*ProcessingResult, error)

	// CanRetry reports whether the given processing error is transient.
	CanRetry(err error) bool
}
