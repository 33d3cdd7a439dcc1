package exchange

import (
	"context"
	"time"
)

// DeadLetterSink receives serialised dead letter payloads for messages that
// failed permanently.
type DeadLetterSink interface {
	Send(ctx context.Context, payload []byte) error
}

type deadLetterPayload struct {
	OriginalMessage deadLetterOriginal `json:"original_message"`
	FailureInfo     deadLetterFailure  `json:"failure_info"`
}

type deadLetterOriginal struct {
	MessageID  string         `json:"message_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type deadLetterFailure struct {
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Processor    string    `json:"processor"`
	FailedAt     time.Time `json:"failed_at"`
}

// buildDeadLetter assembles the payload shipped to the dead letter sink. It
// carries the original message alongside enough failure context to triage
// without the worker logs.
func buildDeadLetter(msg *Message, result *ProcessingResult, processor string, failedAt time.Time) ([]byte, error) {
	var externalID string
	if msg.EntityRef != nil {
		externalID = msg.EntityRef.ExternalID
	}
	p := deadLetterPayload{
		OriginalMessage: deadLetterOriginal{
			MessageID:  msg.MessageID,
			ExternalID: externalID,
			Payload:    msg.Payload,
		},
		FailureInfo: deadLetterFailure{
			ErrorCode:    result.ErrorCode,
			ErrorMessage: result.ErrorMessage,
			Processor:    processor,
			FailedAt:     failedAt.UTC(),
		},
	}
	return Marshal(&p)
}
