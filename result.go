package exchange

import "time"

// ProcessingStatus is the final verdict of one message execution.
type ProcessingStatus string

const (
	StatusSuccess      ProcessingStatus = "success"
	StatusFailure      ProcessingStatus = "failure"
	StatusSkipped      ProcessingStatus = "skipped"
	StatusDeadLettered ProcessingStatus = "dead_lettered"
)

// Output names one destination a processed message should be forwarded to.
// Params carry handler specific settings that override the handler's
// configured defaults for this dispatch only.
type Output struct {
	HandlerType HandlerType    `json:"handler_type"`
	Destination string         `json:"destination"`
	Params      map[string]any `json:"params,omitempty"`
}

// ProcessingResult is what a processor returns and what the execution handler
// enriches with timing, routing summaries and the final status.
type ProcessingResult struct {
	Success      bool             `json:"success"`
	Status       ProcessingStatus `json:"status"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CanRetry     bool             `json:"can_retry"`

	EntitiesCreated []string       `json:"entities_created,omitempty"`
	Outputs         []Output       `json:"outputs,omitempty"`
	EntityData      map[string]any `json:"entity_data,omitempty"`
	EntityMetadata  map[string]any `json:"entity_metadata,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	DurationMS  float64   `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

func Success() *ProcessingResult {
	return &ProcessingResult{
		Success:  true,
		Status:   StatusSuccess,
		Metadata: make(map[string]any),
	}
}

func Failure(code, message string, canRetry bool) *ProcessingResult {
	return &ProcessingResult{
		Success:      false,
		Status:       StatusFailure,
		ErrorCode:    code,
		ErrorMessage: message,
		CanRetry:     canRetry,
		Metadata:     make(map[string]any),
	}
}

// Skipped marks the message as intentionally not processed. Skips are
// successful from the pipeline's point of view.
func Skipped(reason string) *ProcessingResult {
	r := Success()
	r.Status = StatusSkipped
	r.Metadata["skip_reason"] = reason
	return r
}

func (r *ProcessingResult) AddOutput(typ HandlerType, destination string, params map[string]any) *ProcessingResult {
	r.Outputs = append(r.Outputs, Output{
		HandlerType: typ,
		Destination: destination,
		Params:      params,
	})
	return r
}

func (r *ProcessingResult) AddEntityCreated(entityID string) *ProcessingResult {
	r.EntitiesCreated = append(r.EntitiesCreated, entityID)
	return r
}

func (r *ProcessingResult) SetEntityData(data map[string]any) *ProcessingResult {
	r.EntityData = data
	return r
}

func (r *ProcessingResult) AddMetadata(key string, value any) *ProcessingResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}
