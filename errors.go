package exchange

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrEntityNotFound        = errors.New("entity not found", j.C("ERR_8c2a1f04be63d911"))
	ErrEntityVersionConflict = errors.New("entity version already exists - retry to claim the next version", j.C("ERR_4fd0c2be9a81e575"))
	ErrPartialEntityRef      = errors.New("entity reference is incomplete", j.C("ERR_b31e99d40c75a2f8"))
	ErrUnknownHandlerType    = errors.New("no output handler registered for handler type", j.C("ERR_72ac50e1d3b98c44"))
	ErrMissingTenant         = errors.New("tenant could not be resolved for message", j.C("ERR_e9045cbb1762fa3d"))
	ErrTransitionNotFound    = errors.New("state transition not found", j.C("ERR_1d87f3a6c0529eb2"))
	ErrSessionClosed         = errors.New("session has already been closed", j.C("ERR_a65be02d418f73c9"))
)

// IsRetryable classifies the errors this module itself produces. Version
// conflicts resolve on retry once the racing writer commits, and deadline
// errors are worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEntityVersionConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}
