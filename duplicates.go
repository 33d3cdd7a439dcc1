package exchange

import (
	"context"

	"github.com/luno/jettison/errors"
)

// DetectionReason explains a duplicate detection verdict.
type DetectionReason string

const (
	ReasonNew                     DetectionReason = "NEW"
	ReasonNewVersion              DetectionReason = "NEW_VERSION"
	ReasonSameSourceContentMatch  DetectionReason = "SAME_SOURCE_CONTENT_MATCH"
	ReasonCrossSourceContentMatch DetectionReason = "CROSS_SOURCE_CONTENT_MATCH"
	ReasonDetectionFailed         DetectionReason = "DETECTION_FAILED"
)

// Detection is the advisory duplicate verdict attached to a new entity
// version. It never blocks a write - consumers read it from the entity
// attributes and decide for themselves.
type Detection struct {
	IsDuplicate      bool            `json:"is_duplicate"`
	Confidence       int             `json:"confidence"`
	Reason           DetectionReason `json:"reason"`
	SimilarEntityIDs []string        `json:"similar_entity_ids,omitempty"`
	IsSuspicious     bool            `json:"is_suspicious,omitempty"`
}

// Merge combines two verdicts, keeping the higher confidence one and unioning
// the similar entity sets. Suspicion is sticky.
func (d Detection) Merge(other Detection) Detection {
	out := d
	if other.Confidence > out.Confidence {
		out.IsDuplicate = other.IsDuplicate
		out.Confidence = other.Confidence
		out.Reason = other.Reason
	}
	out.IsSuspicious = d.IsSuspicious || other.IsSuspicious
	seen := make(map[string]bool, len(d.SimilarEntityIDs))
	for _, id := range d.SimilarEntityIDs {
		seen[id] = true
	}
	for _, id := range other.SimilarEntityIDs {
		if !seen[id] {
			out.SimilarEntityIDs = append(out.SimilarEntityIDs, id)
			seen[id] = true
		}
	}
	return out
}

// DetectDuplicate classifies a payload about to be written as a new version
// of (tenant, source, externalID). priorVersions is the number of versions a
// sighting has already stored for the logical entity.
func DetectDuplicate(ctx context.Context, store EntityStore, tenantID, source, externalID, contentHash string, priorVersions int) (Detection, error) {
	matches, err := store.LookupByContentHash(ctx, tenantID, contentHash)
	if err != nil {
		return Detection{Reason: ReasonDetectionFailed, Confidence: 0}, errors.Wrap(err, "lookup by content hash")
	}

	var sameSource, crossSource []string
	for _, m := range matches {
		if m.Source == source && m.ExternalID == externalID {
			sameSource = append(sameSource, m.ID)
		} else {
			crossSource = append(crossSource, m.ID)
		}
	}

	switch {
	case len(sameSource) > 0:
		// Identical content resubmitted for the same logical entity.
		return Detection{
			IsDuplicate:      true,
			Confidence:       90,
			Reason:           ReasonSameSourceContentMatch,
			SimilarEntityIDs: sameSource,
			IsSuspicious:     true,
		}, nil
	case len(crossSource) > 0:
		return Detection{
			IsDuplicate:      false,
			Confidence:       50,
			Reason:           ReasonCrossSourceContentMatch,
			SimilarEntityIDs: crossSource,
			IsSuspicious:     true,
		}, nil
	case priorVersions > 0:
		return Detection{
			IsDuplicate: false,
			Confidence:  90,
			Reason:      ReasonNewVersion,
		}, nil
	default:
		return Detection{
			IsDuplicate: false,
			Confidence:  100,
			Reason:      ReasonNew,
		}, nil
	}
}
