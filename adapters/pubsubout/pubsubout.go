// Package pubsubout forwards processed messages to Google Pub/Sub topics.
package pubsubout

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/fluxline/exchange"
)

// New builds a bus output handler on a Pub/Sub client. The route's retry and
// timeout settings shape the publish deadline and retry hints.
func New(ctx context.Context, cfg exchange.OutputConfig, opts ...option.ClientOption) (*Handler, error) {
	client, err := pubsub.NewClient(ctx, cfg.Bus.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create pubsub client")
	}
	return &Handler{
		client: client,
		cfg:    cfg,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

type Handler struct {
	client *pubsub.Client
	cfg    exchange.OutputConfig

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ exchange.OutputHandler = (*Handler)(nil)

func (h *Handler) Handle(ctx context.Context, msg *exchange.Message, result *exchange.ProcessingResult, out exchange.Output) exchange.OutputResult {
	err := h.publish(ctx, out.Destination, msg)
	if err != nil {
		retry := h.cfg.RetryHint(msg.RetryCount)
		or := exchange.OutputFailure(exchange.HandlerTypeBus, out.Destination, "BUS_PUBLISH_ERROR", err.Error(), retry > 0)
		or.RetryAfter = retry
		return or
	}
	or := exchange.OutputSuccess(exchange.HandlerTypeBus, out.Destination)
	or.MessageID = msg.MessageID
	return or
}

func (h *Handler) publish(ctx context.Context, topicName string, msg *exchange.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout())
	defer cancel()

	tracer := otel.Tracer("exchange")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKey.String(topicName),
		),
	)
	defer span.End()

	topic, err := h.topic(ctx, topicName)
	if err != nil {
		return err
	}

	body, err := exchange.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	attributes := map[string]string{
		"pipeline_id": msg.PipelineID,
		"type":        string(msg.Type),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	m := &pubsub.Message{
		Data:       body,
		Attributes: attributes,
	}
	// Ordering by pipeline keeps a pipeline's messages in emission order.
	if h.cfg.Bus.OrderingKey != "" {
		m.OrderingKey = h.cfg.Bus.OrderingKey
	} else {
		m.OrderingKey = msg.PipelineID
	}

	res := topic.Publish(ctx, m)
	_, err = res.Get(ctx)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "publish message", j.KV("topic", topicName))
	}
	return nil
}

func (h *Handler) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[name]; ok {
		return t, nil
	}

	t := h.client.Topic(name)
	if h.cfg.Bus.CreateMissing {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "check topic", j.KV("topic", name))
		}
		if !exists {
			t, err = h.client.CreateTopic(ctx, name)
			if err != nil {
				return nil, errors.Wrap(err, "create topic", j.KV("topic", name))
			}
		}
	}
	t.EnableMessageOrdering = true

	h.topics[name] = t
	return t, nil
}

func (h *Handler) Close() error {
	h.mu.Lock()
	for _, t := range h.topics {
		t.Stop()
	}
	h.mu.Unlock()
	return h.client.Close()
}
