package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"

	"github.com/fluxline/exchange"
)

// NewSession opens a database transaction scoped unit of work. MaxVersion
// runs with a locking read inside the transaction so concurrent writers
// serialise on the logical entity.
func (s *Store) NewSession(ctx context.Context) (exchange.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin session")
	}
	return &session{tx: tx}, nil
}

type session struct {
	tx   *sql.Tx
	done bool
}

var _ exchange.Session = (*session)(nil)

func (s *session) Insert(ctx context.Context, e *exchange.Entity) error {
	return insertEntity(ctx, s.tx, e)
}

func (s *session) Lookup(ctx context.Context, tenantID, id string) (*exchange.Entity, error) {
	return lookupEntity(ctx, s.tx, tenantID, id)
}

func (s *session) Latest(ctx context.Context, tenantID, source, externalID string) (*exchange.Entity, error) {
	return latestEntity(ctx, s.tx, tenantID, source, externalID)
}

func (s *session) LookupVersion(ctx context.Context, tenantID, source, externalID string, version int) (*exchange.Entity, error) {
	return scanEntity(s.tx.QueryRowContext(ctx,
		"select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? and version = ?",
		tenantID, source, externalID, version,
	))
}

func (s *session) ListVersions(ctx context.Context, tenantID, source, externalID string) ([]exchange.Entity, error) {
	return listEntities(ctx, s.tx,
		"select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? order by version asc",
		tenantID, source, externalID,
	)
}

func (s *session) MaxVersion(ctx context.Context, tenantID, source, externalID string) (int, error) {
	return maxVersion(ctx, s.tx, tenantID, source, externalID, true)
}

func (s *session) LookupByContentHash(ctx context.Context, tenantID, contentHash string) ([]exchange.Entity, error) {
	return listEntities(ctx, s.tx,
		"select "+entityCols+" from entities where tenant_id = ? and content_hash = ? order by created_at desc",
		tenantID, contentHash,
	)
}

func (s *session) MergeAttributes(ctx context.Context, tenantID, id string, attrs map[string]any, preserve []string) error {
	return mergeAttributes(ctx, s.tx, tenantID, id, attrs, preserve, time.Now())
}

func (s *session) Commit(ctx context.Context) error {
	if s.done {
		return errors.Wrap(exchange.ErrSessionClosed, "")
	}
	s.done = true
	err := s.tx.Commit()
	if isDupEntry(err) {
		return errors.Wrap(exchange.ErrEntityVersionConflict, "")
	}
	if err != nil {
		return errors.Wrap(err, "commit session")
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.done {
		return errors.Wrap(exchange.ErrSessionClosed, "")
	}
	s.done = true
	err := s.tx.Rollback()
	if err != nil {
		return errors.Wrap(err, "rollback session")
	}
	return nil
}

func (s *session) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}
