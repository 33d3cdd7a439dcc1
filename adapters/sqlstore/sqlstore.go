package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/fluxline/exchange"
)

const mysqlErrDupEntry = 1062

// New constructs a MySQL backed entity store around an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type Store struct {
	db *sql.DB
}

var (
	_ exchange.EntityStore          = (*Store)(nil)
	_ exchange.SessionFactory       = (*Store)(nil)
	_ exchange.TransitionStore      = (*Store)(nil)
	_ exchange.ProcessingErrorStore = (*Store)(nil)
	_ exchange.RetentionStore       = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx so the session can reuse
// the store's queries inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entityCols = "id, tenant_id, external_id, canonical_type, source, version, content_hash, attributes, created_at, updated_at"

func insertEntity(ctx context.Context, q querier, e *exchange.Entity) error {
	attrs, err := exchange.Marshal(&e.Attributes)
	if err != nil {
		return errors.Wrap(err, "encode attributes")
	}

	_, err = q.ExecContext(ctx,
		"insert into entities ("+entityCols+") values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.TenantID, e.ExternalID, e.CanonicalType, e.Source, e.Version, e.ContentHash, attrs, e.CreatedAt, e.UpdatedAt,
	)
	if isDupEntry(err) {
		return errors.Wrap(exchange.ErrEntityVersionConflict, "", j.MKV{
			"external_id": e.ExternalID,
			"version":     e.Version,
		})
	}
	if err != nil {
		return errors.Wrap(err, "insert entity")
	}
	return nil
}

func isDupEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDupEntry
}

func scanEntity(row interface{ Scan(...any) error }) (*exchange.Entity, error) {
	var (
		e     exchange.Entity
		attrs sql.NullString
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.ExternalID, &e.CanonicalType, &e.Source, &e.Version, &e.ContentHash, &attrs, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(exchange.ErrEntityNotFound, "")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan entity")
	}
	if attrs.Valid && attrs.String != "" {
		err = exchange.Unmarshal([]byte(attrs.String), &e.Attributes)
		if err != nil {
			return nil, errors.Wrap(err, "decode attributes", j.KV("entity_id", e.ID))
		}
	}
	return &e, nil
}

func listEntities(ctx context.Context, q querier, query string, args ...any) ([]exchange.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query entities")
	}
	defer rows.Close()

	var out []exchange.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func lookupEntity(ctx context.Context, q querier, tenantID, id string) (*exchange.Entity, error) {
	return scanEntity(q.QueryRowContext(ctx,
		"select "+entityCols+" from entities where tenant_id = ? and id = ?",
		tenantID, id,
	))
}

func latestEntity(ctx context.Context, q querier, tenantID, source, externalID string) (*exchange.Entity, error) {
	return scanEntity(q.QueryRowContext(ctx,
		"select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? order by version desc limit 1",
		tenantID, source, externalID,
	))
}

func maxVersion(ctx context.Context, q querier, tenantID, source, externalID string, forUpdate bool) (int, error) {
	query := "select coalesce(max(version), 0) from entities where tenant_id = ? and source = ? and external_id = ?"
	if forUpdate {
		query += " for update"
	}
	var v int
	err := q.QueryRowContext(ctx, query, tenantID, source, externalID).Scan(&v)
	if err != nil {
		return 0, errors.Wrap(err, "max version")
	}
	return v, nil
}

func mergeAttributes(ctx context.Context, q querier, tenantID, id string, attrs map[string]any, preserve []string, now time.Time) error {
	e, err := lookupEntity(ctx, q, tenantID, id)
	if err != nil {
		return err
	}
	merged := exchange.MergeAttributes(e.Attributes, attrs, preserve)
	b, err := exchange.Marshal(&merged)
	if err != nil {
		return errors.Wrap(err, "encode attributes")
	}
	_, err = q.ExecContext(ctx,
		"update entities set attributes = ?, updated_at = ? where tenant_id = ? and id = ?",
		b, now, tenantID, id,
	)
	if err != nil {
		return errors.Wrap(err, "merge attributes")
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, e *exchange.Entity) error {
	return insertEntity(ctx, s.db, e)
}

func (s *Store) Lookup(ctx context.Context, tenantID, id string) (*exchange.Entity, error) {
	return lookupEntity(ctx, s.db, tenantID, id)
}

func (s *Store) Latest(ctx context.Context, tenantID, source, externalID string) (*exchange.Entity, error) {
	return latestEntity(ctx, s.db, tenantID, source, externalID)
}

func (s *Store) LookupVersion(ctx context.Context, tenantID, source, externalID string, version int) (*exchange.Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx,
		"select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? and version = ?",
		tenantID, source, externalID, version,
	))
}

func (s *Store) ListVersions(ctx context.Context, tenantID, source, externalID string) ([]exchange.Entity, error) {
	return listEntities(ctx, s.db,
		"select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? order by version asc",
		tenantID, source, externalID,
	)
}

func (s *Store) MaxVersion(ctx context.Context, tenantID, source, externalID string) (int, error) {
	return maxVersion(ctx, s.db, tenantID, source, externalID, false)
}

func (s *Store) LookupByContentHash(ctx context.Context, tenantID, contentHash string) ([]exchange.Entity, error) {
	return listEntities(ctx, s.db,
		"select "+entityCols+" from entities where tenant_id = ? and content_hash = ? order by created_at desc",
		tenantID, contentHash,
	)
}

func (s *Store) MergeAttributes(ctx context.Context, tenantID, id string, attrs map[string]any, preserve []string) error {
	return mergeAttributes(ctx, s.db, tenantID, id, attrs, preserve, time.Now())
}

func (s *Store) InsertTransition(ctx context.Context, st *exchange.StateTransition) error {
	var meta []byte
	if len(st.Metadata) > 0 {
		var err error
		meta, err = exchange.Marshal(&st.Metadata)
		if err != nil {
			return errors.Wrap(err, "encode transition metadata")
		}
	}

	_, err := s.db.ExecContext(ctx,
		`insert into state_transitions
		 (transition_id, tenant_id, pipeline_id, entity_id, external_id, processor, from_state, to_state, transition_type, status, message_id, queue_source, queue_destination, notes, metadata, created_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TransitionID, st.TenantID, st.PipelineID, st.EntityID, st.ExternalID, st.Processor,
		st.FromState, st.ToState, st.TransitionType, st.Status, st.MessageID, st.QueueSource,
		st.QueueDest, st.Notes, meta, st.CreatedAt,
	)
	if isDupEntry(err) {
		// Projector replays are idempotent on transition ID.
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "insert transition")
	}
	return nil
}

func (s *Store) InsertProcessingError(ctx context.Context, pe *exchange.ProcessingError) error {
	_, err := s.db.ExecContext(ctx,
		`insert into processing_errors
		 (error_id, tenant_id, pipeline_id, entity_id, processor, error_code, message, can_retry, created_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.ErrorID, pe.TenantID, pe.PipelineID, pe.EntityID, pe.Processor, pe.ErrorCode, pe.Message, pe.CanRetry, pe.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert processing error")
	}
	return nil
}

// PurgeVersionsBefore deletes aged versions while always retaining the
// newest version of each logical entity.
func (s *Store) PurgeVersionsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete e from entities e
		 join (
		   select tenant_id, source, external_id, max(version) as max_version
		   from entities where tenant_id = ? group by tenant_id, source, external_id
		 ) m on e.tenant_id = m.tenant_id and e.source = m.source and e.external_id = m.external_id
		 where e.tenant_id = ? and e.created_at < ? and e.version < m.max_version`,
		tenantID, tenantID, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "purge entity versions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}
