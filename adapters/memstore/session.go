package memstore

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/fluxline/exchange"
)

// NewSession opens a buffered unit of work. Reads see committed rows plus the
// session's own pending writes; nothing becomes visible to other sessions
// until Commit.
func (s *Store) NewSession(ctx context.Context) (exchange.Session, error) {
	return &session{
		store:   s,
		pending: make(map[string]*exchange.Entity),
	}, nil
}

type session struct {
	store *Store

	pending map[string]*exchange.Entity
	order   []string
	merges  []attrMerge
	closed  bool
}

type attrMerge struct {
	tenantID string
	id       string
	attrs    map[string]any
	preserve []string
}

var _ exchange.Session = (*session)(nil)

func (s *session) Insert(ctx context.Context, e *exchange.Entity) error {
	if s.closed {
		return errors.Wrap(exchange.ErrSessionClosed, "")
	}
	for _, p := range s.pending {
		if p.TenantID == e.TenantID && p.Source == e.Source && p.ExternalID == e.ExternalID && p.Version == e.Version {
			return errors.Wrap(exchange.ErrEntityVersionConflict, "", j.KV("external_id", e.ExternalID))
		}
	}

	s.store.mu.Lock()
	for _, existing := range s.store.byLogical[logicalKey(e.TenantID, e.Source, e.ExternalID)] {
		if existing.Version == e.Version {
			s.store.mu.Unlock()
			return errors.Wrap(exchange.ErrEntityVersionConflict, "", j.KV("external_id", e.ExternalID))
		}
	}
	s.store.mu.Unlock()

	cp := cloneEntity(e)
	s.pending[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return nil
}

func (s *session) Lookup(ctx context.Context, tenantID, id string) (*exchange.Entity, error) {
	if e, ok := s.pending[id]; ok && e.TenantID == tenantID {
		return cloneEntity(e), nil
	}
	return s.store.Lookup(ctx, tenantID, id)
}

func (s *session) Latest(ctx context.Context, tenantID, source, externalID string) (*exchange.Entity, error) {
	best, err := s.store.Latest(ctx, tenantID, source, externalID)
	if err != nil && !errors.Is(err, exchange.ErrEntityNotFound) {
		return nil, err
	}
	for _, e := range s.pending {
		if e.TenantID != tenantID || e.Source != source || e.ExternalID != externalID {
			continue
		}
		if best == nil || e.Version > best.Version {
			best = cloneEntity(e)
		}
	}
	if best == nil {
		return nil, errors.Wrap(exchange.ErrEntityNotFound, "", j.KV("external_id", externalID))
	}
	return best, nil
}

func (s *session) LookupVersion(ctx context.Context, tenantID, source, externalID string, version int) (*exchange.Entity, error) {
	for _, e := range s.pending {
		if e.TenantID == tenantID && e.Source == source && e.ExternalID == externalID && e.Version == version {
			return cloneEntity(e), nil
		}
	}
	return s.store.LookupVersion(ctx, tenantID, source, externalID, version)
}

func (s *session) ListVersions(ctx context.Context, tenantID, source, externalID string) ([]exchange.Entity, error) {
	out, err := s.store.ListVersions(ctx, tenantID, source, externalID)
	if err != nil {
		return nil, err
	}
	for _, e := range s.pending {
		if e.TenantID == tenantID && e.Source == source && e.ExternalID == externalID {
			out = append(out, *cloneEntity(e))
		}
	}
	return out, nil
}

func (s *session) MaxVersion(ctx context.Context, tenantID, source, externalID string) (int, error) {
	max, err := s.store.MaxVersion(ctx, tenantID, source, externalID)
	if err != nil {
		return 0, err
	}
	for _, e := range s.pending {
		if e.TenantID == tenantID && e.Source == source && e.ExternalID == externalID && e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (s *session) LookupByContentHash(ctx context.Context, tenantID, contentHash string) ([]exchange.Entity, error) {
	out, err := s.store.LookupByContentHash(ctx, tenantID, contentHash)
	if err != nil {
		return nil, err
	}
	for _, e := range s.pending {
		if e.TenantID == tenantID && e.ContentHash == contentHash {
			out = append(out, *cloneEntity(e))
		}
	}
	return out, nil
}

func (s *session) MergeAttributes(ctx context.Context, tenantID, id string, attrs map[string]any, preserve []string) error {
	if e, ok := s.pending[id]; ok && e.TenantID == tenantID {
		e.Attributes = exchange.MergeAttributes(e.Attributes, attrs, preserve)
		return nil
	}
	s.merges = append(s.merges, attrMerge{
		tenantID: tenantID,
		id:       id,
		attrs:    attrs,
		preserve: preserve,
	})
	return nil
}

// Commit applies pending writes atomically under the store lock. Version
// conflicts are re-checked so a racing session loses cleanly.
func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return errors.Wrap(exchange.ErrSessionClosed, "")
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, id := range s.order {
		e := s.pending[id]
		key := logicalKey(e.TenantID, e.Source, e.ExternalID)
		for _, existing := range s.store.byLogical[key] {
			if existing.Version == e.Version {
				return errors.Wrap(exchange.ErrEntityVersionConflict, "", j.KV("external_id", e.ExternalID))
			}
		}
	}

	for _, id := range s.order {
		err := s.store.insertLocked(s.pending[id])
		if err != nil {
			return err
		}
	}

	for _, m := range s.merges {
		e, ok := s.store.byID[m.id]
		if !ok || e.TenantID != m.tenantID {
			return errors.Wrap(exchange.ErrEntityNotFound, "", j.KV("entity_id", m.id))
		}
		e.Attributes = exchange.MergeAttributes(e.Attributes, m.attrs, m.preserve)
		e.UpdatedAt = s.store.clock.Now()
	}

	s.reset()
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.closed {
		return errors.Wrap(exchange.ErrSessionClosed, "")
	}
	s.reset()
	return nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func (s *session) reset() {
	s.pending = make(map[string]*exchange.Entity)
	s.order = nil
	s.merges = nil
}
