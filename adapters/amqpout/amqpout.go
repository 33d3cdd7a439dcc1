// Package amqpout forwards processed messages to RabbitMQ queues.
package amqpout

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxline/exchange"
)

// New connects to RabbitMQ and returns a queue output handler. Queues are
// declared on first use with the configured durability and TTL; the route's
// retry and timeout settings shape the publish deadline and retry hints.
func New(url string, cfg exchange.OutputConfig, opts ...Option) (*Handler, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	h := &Handler{
		conn:     conn,
		ch:       ch,
		cfg:      cfg,
		dlq:      "dead_letter",
		declared: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type Option func(*Handler)

// WithDeadLetterQueue overrides the queue permanently failed messages land
// on.
func WithDeadLetterQueue(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.dlq = name
		}
	}
}

type Handler struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	cfg      exchange.OutputConfig
	dlq      string
	declared map[string]bool
}

var _ exchange.OutputHandler = (*Handler)(nil)

func (h *Handler) Handle(ctx context.Context, msg *exchange.Message, result *exchange.ProcessingResult, out exchange.Output) exchange.OutputResult {
	err := h.publish(ctx, out.Destination, msg)
	if err != nil {
		retry := h.cfg.RetryHint(msg.RetryCount)
		or := exchange.OutputFailure(exchange.HandlerTypeQueue, out.Destination, "QUEUE_PUBLISH_ERROR", err.Error(), retry > 0)
		or.RetryAfter = retry
		return or
	}
	or := exchange.OutputSuccess(exchange.HandlerTypeQueue, out.Destination)
	or.MessageID = msg.MessageID
	return or
}

// Send implements the dead letter sink against a fixed queue so permanently
// failed messages land somewhere operators can drain.
func (h *Handler) Send(ctx context.Context, payload []byte) error {
	err := h.declare(h.cfg.Queue.TTLSeconds, h.dlq)
	if err != nil {
		return err
	}
	return errors.Wrap(h.ch.Publish("", h.dlq, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	}), "publish dead letter")
}

func (h *Handler) publish(ctx context.Context, queue string, msg *exchange.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout())
	defer cancel()

	tracer := otel.Tracer("exchange")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(queue),
		),
	)
	defer span.End()

	err := h.declare(h.cfg.Queue.TTLSeconds, queue)
	if err != nil {
		return err
	}

	body, err := exchange.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	headers := amqp.Table{}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
	headers["pipeline_id"] = msg.PipelineID

	err = h.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.MessageID,
		Headers:     headers,
		Body:        body,
	})
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "publish message", j.KV("queue", queue))
	}
	return nil
}

func (h *Handler) declare(ttlSeconds int, queue string) error {
	if h.declared[queue] {
		return nil
	}
	var args amqp.Table
	if ttlSeconds > 0 {
		args = amqp.Table{"x-message-ttl": int32(ttlSeconds * 1000)}
	}
	_, err := h.ch.QueueDeclare(queue, h.cfg.Queue.Durable, false, false, false, args)
	if err != nil {
		return errors.Wrap(err, "declare queue", j.KV("queue", queue))
	}
	h.declared[queue] = true
	return nil
}

func (h *Handler) Close() error {
	err := h.ch.Close()
	if err != nil {
		_ = h.conn.Close()
		return errors.Wrap(err, "close channel")
	}
	return errors.Wrap(h.conn.Close(), "close connection")
}
