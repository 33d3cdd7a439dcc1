package amqpout

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/fluxline/exchange"
)

// Consume delivers queued messages to fn until the context is cancelled.
// A true verdict acks the delivery, false requeues it.
func (h *Handler) Consume(ctx context.Context, queue string, fn func(ctx context.Context, msg *exchange.Message) bool) error {
	err := h.declare(h.cfg.Queue.TTLSeconds, queue)
	if err != nil {
		return err
	}

	deliveries, err := h.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume queue", j.KV("queue", queue))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed", j.KV("queue", queue))
			}

			var msg exchange.Message
			err := exchange.Unmarshal(d.Body, &msg)
			if err != nil {
				// Undecodable payloads would requeue forever.
				rejectErr := d.Reject(false)
				if rejectErr != nil {
					return errors.Wrap(rejectErr, "reject malformed delivery")
				}
				continue
			}

			if fn(ctx, &msg) {
				err = d.Ack(false)
			} else {
				err = d.Nack(false, true)
			}
			if err != nil {
				return errors.Wrap(err, "settle delivery", j.KV("queue", queue))
			}
		}
	}
}
