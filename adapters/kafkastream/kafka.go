// Package kafkastream streams state transition events over Kafka.
package kafkastream

import (
	"context"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/segmentio/kafka-go"

	"github.com/fluxline/exchange"
)

func New(brokers []string) *StreamConstructor {
	return &StreamConstructor{
		brokers: brokers,
	}
}

var _ exchange.EventStreamer = (*StreamConstructor)(nil)

type StreamConstructor struct {
	brokers []string
}

func (s StreamConstructor) NewSender(ctx context.Context, topic string) (exchange.EventSender, error) {
	return &Sender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(s.brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: time.Millisecond * 50,
		},
	}, nil
}

type Sender struct {
	writer *kafka.Writer
}

var _ exchange.EventSender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, key string, value []byte, headers map[exchange.Header]string) error {
	var kHeaders []kafka.Header
	for k, v := range headers {
		kHeaders = append(kHeaders, kafka.Header{
			Key:   string(k),
			Value: []byte(v),
		})
	}

	for ctx.Err() == nil {
		err := s.writer.WriteMessages(ctx, kafka.Message{
			Key:     []byte(key),
			Value:   value,
			Headers: kHeaders,
		})
		if errors.Is(err, kafka.LeaderNotAvailable) || errors.Is(err, context.DeadlineExceeded) {
			time.Sleep(time.Millisecond * 100)
			continue
		} else if err != nil {
			return errors.Wrap(err, "write transition event")
		}

		break
	}

	return ctx.Err()
}

func (s *Sender) Close() error {
	return s.writer.Close()
}

func (s StreamConstructor) NewReceiver(ctx context.Context, topic string, name string, opts ...exchange.ReceiverOption) (exchange.EventReceiver, error) {
	var copts exchange.ReceiverOptions
	for _, opt := range opts {
		opt(&copts)
	}

	maxWait := time.Millisecond * 250
	if copts.PollFrequency != 0 {
		maxWait = copts.PollFrequency
	}
	startOffset := kafka.FirstOffset
	if copts.StreamFromLatest {
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		GroupID:     name,
		Topic:       topic,
		MaxWait:     maxWait,
		StartOffset: startOffset,
	})

	return &Receiver{
		reader: reader,
	}, nil
}

type Receiver struct {
	reader *kafka.Reader
}

var _ exchange.EventReceiver = (*Receiver)(nil)

func (r *Receiver) Recv(ctx context.Context) (*exchange.Event, exchange.Ack, error) {
	m, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetch transition event")
	}

	headers := make(map[exchange.Header]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[exchange.Header(h.Key)] = string(h.Value)
	}

	event := &exchange.Event{
		ID:        offsetID(m),
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		CreatedAt: m.Time,
	}

	return event, func() error {
		return r.reader.CommitMessages(ctx, m)
	}, nil
}

func (r *Receiver) Close() error {
	return r.reader.Close()
}

func offsetID(m kafka.Message) string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
}
