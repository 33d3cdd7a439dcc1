package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/fluxline/exchange"
)

// New constructs an in-memory entity store. It is intended for tests and
// local development and keeps full version history per logical entity.
func New(opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}
	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		byID:        make(map[string]*exchange.Entity),
		byLogical:   make(map[string][]*exchange.Entity),
		transitions: make(map[string]*exchange.StateTransition),
		clock:       opt.clock,
	}
}

type options struct {
	clock clock.Clock
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

type Store struct {
	mu sync.Mutex

	byID      map[string]*exchange.Entity
	byLogical map[string][]*exchange.Entity

	transitions map[string]*exchange.StateTransition
	procErrors  []*exchange.ProcessingError

	clock clock.Clock
}

var (
	_ exchange.EntityStore          = (*Store)(nil)
	_ exchange.SessionFactory       = (*Store)(nil)
	_ exchange.TransitionStore      = (*Store)(nil)
	_ exchange.ProcessingErrorStore = (*Store)(nil)
	_ exchange.RetentionStore       = (*Store)(nil)
)

func logicalKey(tenantID, source, externalID string) string {
	return tenantID + "|" + source + "|" + externalID
}

func (s *Store) Insert(ctx context.Context, e *exchange.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(e)
}

func (s *Store) insertLocked(e *exchange.Entity) error {
	key := logicalKey(e.TenantID, e.Source, e.ExternalID)
	for _, existing := range s.byLogical[key] {
		if existing.Version == e.Version {
			return errors.Wrap(exchange.ErrEntityVersionConflict, "", j.MKV{
				"external_id": e.ExternalID,
				"version":     e.Version,
			})
		}
	}

	cp := cloneEntity(e)
	s.byID[cp.ID] = cp
	s.byLogical[key] = append(s.byLogical[key], cp)
	sort.Slice(s.byLogical[key], func(i, j int) bool {
		return s.byLogical[key][i].Version < s.byLogical[key][j].Version
	})
	return nil
}

func (s *Store) Lookup(ctx context.Context, tenantID, id string) (*exchange.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.TenantID != tenantID {
		return nil, errors.Wrap(exchange.ErrEntityNotFound, "", j.KV("entity_id", id))
	}
	return cloneEntity(e), nil
}

func (s *Store) Latest(ctx context.Context, tenantID, source, externalID string) (*exchange.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byLogical[logicalKey(tenantID, source, externalID)]
	if len(versions) == 0 {
		return nil, errors.Wrap(exchange.ErrEntityNotFound, "", j.KV("external_id", externalID))
	}
	return cloneEntity(versions[len(versions)-1]), nil
}

func (s *Store) LookupVersion(ctx context.Context, tenantID, source, externalID string, version int) (*exchange.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byLogical[logicalKey(tenantID, source, externalID)] {
		if e.Version == version {
			return cloneEntity(e), nil
		}
	}
	return nil, errors.Wrap(exchange.ErrEntityNotFound, "", j.MKV{
		"external_id": externalID,
		"version":     version,
	})
}

func (s *Store) ListVersions(ctx context.Context, tenantID, source, externalID string) ([]exchange.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byLogical[logicalKey(tenantID, source, externalID)]
	out := make([]exchange.Entity, 0, len(versions))
	for _, e := range versions {
		out = append(out, *cloneEntity(e))
	}
	return out, nil
}

func (s *Store) MaxVersion(ctx context.Context, tenantID, source, externalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byLogical[logicalKey(tenantID, source, externalID)]
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].Version, nil
}

func (s *Store) LookupByContentHash(ctx context.Context, tenantID, contentHash string) ([]exchange.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.Entity
	for _, e := range s.byID {
		if e.TenantID == tenantID && e.ContentHash == contentHash {
			out = append(out, *cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) MergeAttributes(ctx context.Context, tenantID, id string, attrs map[string]any, preserve []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.TenantID != tenantID {
		return errors.Wrap(exchange.ErrEntityNotFound, "", j.KV("entity_id", id))
	}
	e.Attributes = exchange.MergeAttributes(e.Attributes, attrs, preserve)
	e.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) InsertTransition(ctx context.Context, st *exchange.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Replays from the projector are idempotent on transition ID.
	if _, ok := s.transitions[st.TransitionID]; ok {
		return nil
	}
	cp := *st
	s.transitions[st.TransitionID] = &cp
	return nil
}

// ListTransitions returns transitions for a pipeline ordered by creation
// time.
func (s *Store) ListTransitions(ctx context.Context, tenantID, pipelineID string) ([]exchange.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.StateTransition
	for _, st := range s.transitions {
		if st.TenantID == tenantID && st.PipelineID == pipelineID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) InsertProcessingError(ctx context.Context, pe *exchange.ProcessingError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pe
	s.procErrors = append(s.procErrors, &cp)
	return nil
}

func (s *Store) ListProcessingErrors(ctx context.Context, tenantID string) ([]exchange.ProcessingError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.ProcessingError
	for _, pe := range s.procErrors {
		if pe.TenantID == tenantID {
			out = append(out, *pe)
		}
	}
	return out, nil
}

// PurgeVersionsBefore removes versions created before the cutoff, always
// keeping the newest version of each logical entity.
func (s *Store) PurgeVersionsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int
	for key, versions := range s.byLogical {
		if len(versions) < 2 || versions[0].TenantID != tenantID {
			continue
		}
		keep := versions[:0:0]
		for i, e := range versions {
			if i == len(versions)-1 || !e.CreatedAt.Before(cutoff) {
				keep = append(keep, e)
				continue
			}
			delete(s.byID, e.ID)
			purged++
		}
		s.byLogical[key] = keep
	}
	return purged, nil
}

func cloneEntity(e *exchange.Entity) *exchange.Entity {
	cp := *e
	if e.Attributes != nil {
		cp.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}
