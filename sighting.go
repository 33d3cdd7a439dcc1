package exchange

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// SightingParams describes one observation of an external object. Content is
// the full payload as received, attributes are bookkeeping stored alongside
// the version.
type SightingParams struct {
	ExternalID    string
	CanonicalType string
	Source        string
	Content       map[string]any

	Hash             *HashConfig
	ProcessorName    string
	SourceMetadata   map[string]any
	CustomAttributes map[string]any

	// FailOnDetectionError escalates duplicate detection failures instead of
	// recording a DETECTION_FAILED verdict and continuing.
	FailOnDetectionError bool
}

// Sighting is the outcome of recording an observation: the persisted version
// and the advisory duplicate verdict.
type Sighting struct {
	EntityID   string
	ExternalID string
	Version    int
	IsNew      bool
	Detection  Detection
}

// Sightings turns payload observations into appended entity versions.
type Sightings struct {
	logger Logger
	clock  clock.Clock
}

type SightingsOption func(*Sightings)

func WithSightingsLogger(l Logger) SightingsOption {
	return func(s *Sightings) {
		s.logger = l
	}
}

func WithSightingsClock(c clock.Clock) SightingsOption {
	return func(s *Sightings) {
		s.clock = c
	}
}

func NewSightings(opts ...SightingsOption) *Sightings {
	s := &Sightings{
		logger: noopLogger{},
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record hashes the content, runs advisory duplicate detection, claims the
// next version of the logical entity and inserts it through the given store.
// A concurrent writer claiming the same version surfaces as
// ErrEntityVersionConflict, which is safe to retry.
func (s *Sightings) Record(ctx context.Context, store EntityStore, tenantID string, p SightingParams) (*Sighting, error) {
	if tenantID == "" {
		return nil, errors.Wrap(ErrMissingTenant, "")
	}
	if p.ExternalID == "" || p.CanonicalType == "" || p.Source == "" {
		return nil, errors.New("external id, canonical type and source are required", j.MKV{
			"external_id":    p.ExternalID,
			"canonical_type": p.CanonicalType,
			"source":         p.Source,
		})
	}

	hash, err := ContentHash(p.Content, p.Hash)
	if err != nil {
		return nil, err
	}

	maxVersion, err := store.MaxVersion(ctx, tenantID, p.Source, p.ExternalID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve max version")
	}

	detection, err := DetectDuplicate(ctx, store, tenantID, p.Source, p.ExternalID, hash, maxVersion)
	if err != nil {
		if p.FailOnDetectionError {
			return nil, err
		}
		// Detection is advisory. Record the failure verdict and move on.
		s.logger.Error(ctx, errors.Wrap(err, "duplicate detection failed, continuing"))
		detection = Detection{Reason: ReasonDetectionFailed, Confidence: 0}
	}

	now := s.clock.Now()
	version := maxVersion + 1

	attrs := BuildAttributes(AttributeParams{
		ProcessorName:  p.ProcessorName,
		Detection:      &detection,
		SourceMetadata: p.SourceMetadata,
		Custom:         p.CustomAttributes,
		Now:            now,
	})

	entity := &Entity{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ExternalID:    p.ExternalID,
		CanonicalType: p.CanonicalType,
		Source:        p.Source,
		Version:       version,
		ContentHash:   hash,
		Attributes:    attrs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = store.Insert(ctx, entity)
	if err != nil {
		return nil, errors.Wrap(err, "insert entity version", j.MKV{
			"external_id": p.ExternalID,
			"version":     strconv.Itoa(version),
		})
	}

	s.logger.Debug(ctx, "recorded entity sighting", MKV{
		"entity_id":   entity.ID,
		"external_id": p.ExternalID,
		"source":      p.Source,
		"reason":      string(detection.Reason),
	})

	return &Sighting{
		EntityID:   entity.ID,
		ExternalID: p.ExternalID,
		Version:    version,
		IsNew:      version == 1,
		Detection:  detection,
	}, nil
}
