package exchange

import "time"

// AttributeParams feeds the standard attribute layout stored on every new
// entity version. Custom keys are merged last and win over the standard
// blocks on collision.
type AttributeParams struct {
	ProcessorName  string
	Detection      *Detection
	SourceMetadata map[string]any
	Custom         map[string]any
	Now            time.Time
}

// BuildAttributes assembles the attribute document for a new entity version.
func BuildAttributes(p AttributeParams) map[string]any {
	attrs := make(map[string]any)

	processing := map[string]any{
		"processed_at": p.Now.UTC().Format(time.RFC3339Nano),
	}
	if p.ProcessorName != "" {
		processing["processor"] = p.ProcessorName
	}
	attrs["processing"] = processing

	if p.Detection != nil {
		attrs["duplicate_detection"] = map[string]any{
			"is_duplicate":       p.Detection.IsDuplicate,
			"confidence":         p.Detection.Confidence,
			"reason":             string(p.Detection.Reason),
			"similar_entity_ids": p.Detection.SimilarEntityIDs,
			"is_suspicious":      p.Detection.IsSuspicious,
		}
	}

	if len(p.SourceMetadata) > 0 {
		attrs["source_metadata"] = p.SourceMetadata
	}

	for k, v := range p.Custom {
		attrs[k] = v
	}

	return attrs
}

// MergeAttributes folds incoming attributes into existing ones. Keys listed
// in preserve keep their existing value when one is already set.
func MergeAttributes(existing, incoming map[string]any, preserve []string) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if contains(preserve, k) {
			if _, ok := out[k]; ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}
