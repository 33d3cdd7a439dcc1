package exchange

import (
	"context"
	"time"
)

// EventStreamer defines the transition event streaming adapter interface.
// Senders carry the transitions the Recorder emits and receivers feed the
// Projector.
type EventStreamer interface {
	NewSender(ctx context.Context, topic string) (EventSender, error)
	NewReceiver(ctx context.Context, topic string, name string, opts ...ReceiverOption) (EventReceiver, error)
}

// EventSender defines the common interface that the EventStreamer adapter
// must implement for publishing transition events.
type EventSender interface {
	Send(ctx context.Context, key string, value []byte, headers map[Header]string) error
	Close() error
}

// EventReceiver defines the common interface that the EventStreamer adapter
// must implement for consuming transition events.
type EventReceiver interface {
	Recv(ctx context.Context) (*Event, Ack, error)
	Close() error
}

// Event is one streamed record as received from the streaming platform.
type Event struct {
	ID        string
	Key       string
	Value     []byte
	Headers   map[Header]string
	CreatedAt time.Time
}

// Ack is used for the event streamer to update its cursor of what messages
// have been consumed. If Ack is not called then the event streamer, depending
// on implementation, will likely not keep track of which records / events
// have been consumed.
type Ack func() error

type Header string

const (
	HeaderTenantID       Header = "tenant_id"
	HeaderPipelineID     Header = "pipeline_id"
	HeaderTransitionType Header = "transition_type"
	HeaderTopic          Header = "topic"
)

type ReceiverOptions struct {
	PollFrequency    time.Duration
	StreamFromLatest bool
}

type ReceiverOption func(*ReceiverOptions)

func WithReceiverPollFrequency(d time.Duration) ReceiverOption {
	return func(opt *ReceiverOptions) {
		opt.PollFrequency = d
	}
}

// StreamFromLatest tells the event streamer to start streaming events from
// the most recent event if there is no committed offset. If a consumer has
// received events before then this should have no effect and consumption
// should resume from where it left off previously.
func StreamFromLatest() ReceiverOption {
	return func(opt *ReceiverOptions) {
		opt.StreamFromLatest = true
	}
}
