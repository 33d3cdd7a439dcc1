package exchange

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/fluxline/exchange/internal/metrics"
)

// Projector consumes streamed state transitions and materialises them into a
// transition store, letting audit queries run against a database that is
// decoupled from the workers emitting the events.
type Projector struct {
	store  TransitionStore
	logger Logger
}

func NewProjector(store TransitionStore, logger Logger) *Projector {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Projector{
		store:  store,
		logger: logger,
	}
}

// Run consumes until the context is cancelled or the receiver fails.
// Malformed events are counted, acked and skipped so a bad record cannot
// wedge the stream.
func (p *Projector) Run(ctx context.Context, receiver EventReceiver) error {
	for {
		event, ack, err := receiver.Recv(ctx)
		if err != nil {
			return errors.Wrap(err, "receive transition event")
		}

		var st StateTransition
		err = Unmarshal(event.Value, &st)
		if err != nil || st.TransitionID == "" {
			metrics.ProjectorSkippedEvents.Inc()
			p.logger.Debug(ctx, "skipping malformed transition event", MKV{
				"event_id": event.ID,
			})
			err = ack()
			if err != nil {
				return errors.Wrap(err, "ack malformed event")
			}
			continue
		}

		err = p.store.InsertTransition(ctx, &st)
		if err != nil {
			return errors.Wrap(err, "project transition", j.KV("transition_id", st.TransitionID))
		}

		err = ack()
		if err != nil {
			return errors.Wrap(err, "ack transition event")
		}
	}
}
