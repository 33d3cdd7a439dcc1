package exchange

import (
	"context"
	"sync"
)

// StaticTenant is a TenantResolver that always resolves to the given tenant.
func StaticTenant(tenantID string) TenantResolver {
	return func(ctx context.Context) (string, error) {
		return tenantID, nil
	}
}

// RecordingDeadLetterSink captures dead letter payloads for assertions.
type RecordingDeadLetterSink struct {
	mu       sync.Mutex
	payloads [][]byte

	Err error
}

func (s *RecordingDeadLetterSink) Send(ctx context.Context, payload []byte) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *RecordingDeadLetterSink) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// RecordingOutputHandler captures dispatched outputs and answers with a
// scripted outcome per destination.
type RecordingOutputHandler struct {
	mu       sync.Mutex
	handled  []Output
	failures map[string]OutputResult

	Panic bool
}

func (h *RecordingOutputHandler) FailDestination(destination string, or OutputResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures == nil {
		h.failures = make(map[string]OutputResult)
	}
	h.failures[destination] = or
}

func (h *RecordingOutputHandler) Handle(ctx context.Context, msg *Message, result *ProcessingResult, out Output) OutputResult {
	if h.Panic {
		panic("output handler exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, out)
	if or, ok := h.failures[out.Destination]; ok {
		return or
	}
	or := OutputSuccess(out.HandlerType, out.Destination)
	or.MessageID = msg.MessageID
	return or
}

func (h *RecordingOutputHandler) Handled() []Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Output, len(h.handled))
	copy(out, h.handled)
	return out
}

// RecordingEventSender captures streamed transition events.
type RecordingEventSender struct {
	mu     sync.Mutex
	events []Event

	Err error
}

func (s *RecordingEventSender) Send(ctx context.Context, key string, value []byte, headers map[Header]string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (s *RecordingEventSender) Close() error {
	return nil
}

func (s *RecordingEventSender) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// RecordingLogger captures log lines for assertions.
type RecordingLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	errs   []error
}

func (l *RecordingLogger) Debug(ctx context.Context, msg string, meta MKV) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *RecordingLogger) Info(ctx context.Context, msg string, meta MKV) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *RecordingLogger) Error(ctx context.Context, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *RecordingLogger) Infos() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.infos))
	copy(out, l.infos)
	return out
}

func (l *RecordingLogger) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}
