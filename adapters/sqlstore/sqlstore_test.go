package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/sqlstore"
)

const entityCols = "id, tenant_id, external_id, canonical_type, source, version, content_hash, attributes, created_at, updated_at"

func newStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return sqlstore.New(db), mock
}

func testEntity() *exchange.Entity {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &exchange.Entity{
		ID:            "e1",
		TenantID:      "t1",
		ExternalID:    "ORDER-123",
		CanonicalType: "order",
		Source:        "shopify",
		Version:       1,
		ContentHash:   "h1",
		Attributes:    map[string]any{"k": "v"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInsert(t *testing.T) {
	store, mock := newStore(t)
	e := testEntity()

	mock.ExpectExec("insert into entities ("+entityCols+") values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)").
		WithArgs(e.ID, e.TenantID, e.ExternalID, e.CanonicalType, e.Source, e.Version, e.ContentHash, []byte(`{"k":"v"}`), e.CreatedAt, e.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	jtest.RequireNil(t, store.Insert(context.Background(), e))
}

func TestInsertVersionConflict(t *testing.T) {
	store, mock := newStore(t)
	e := testEntity()

	mock.ExpectExec("insert into entities ("+entityCols+") values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.Insert(context.Background(), e)
	jtest.Require(t, exchange.ErrEntityVersionConflict, err)
}

func TestLatest(t *testing.T) {
	store, mock := newStore(t)
	e := testEntity()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "external_id", "canonical_type", "source", "version", "content_hash", "attributes", "created_at", "updated_at"}).
		AddRow(e.ID, e.TenantID, e.ExternalID, e.CanonicalType, e.Source, e.Version, e.ContentHash, `{"k":"v"}`, e.CreatedAt, e.UpdatedAt)

	mock.ExpectQuery("select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? order by version desc limit 1").
		WithArgs("t1", "shopify", "ORDER-123").
		WillReturnRows(rows)

	got, err := store.Latest(context.Background(), "t1", "shopify", "ORDER-123")
	jtest.RequireNil(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, map[string]any{"k": "v"}, got.Attributes)
}

func TestLatestNotFound(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("select "+entityCols+" from entities where tenant_id = ? and source = ? and external_id = ? order by version desc limit 1").
		WithArgs("t1", "shopify", "MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Latest(context.Background(), "t1", "shopify", "MISSING")
	jtest.Require(t, exchange.ErrEntityNotFound, err)
}

func TestMaxVersion(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("select coalesce(max(version), 0) from entities where tenant_id = ? and source = ? and external_id = ?").
		WithArgs("t1", "shopify", "ORDER-123").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))

	v, err := store.MaxVersion(context.Background(), "t1", "shopify", "ORDER-123")
	jtest.RequireNil(t, err)
	require.Equal(t, 4, v)
}

func TestSessionMaxVersionLocks(t *testing.T) {
	store, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	// Inside a session the version read takes a row lock.
	mock.ExpectQuery("select coalesce(max(version), 0) from entities where tenant_id = ? and source = ? and external_id = ? for update").
		WithArgs("t1", "shopify", "ORDER-123").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectCommit()

	sess, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)

	v, err := sess.MaxVersion(ctx, "t1", "shopify", "ORDER-123")
	jtest.RequireNil(t, err)
	require.Equal(t, 1, v)

	jtest.RequireNil(t, sess.Commit(ctx))
	jtest.RequireNil(t, sess.Close())
}

func TestSessionRollback(t *testing.T) {
	store, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	sess, err := store.NewSession(ctx)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, sess.Rollback(ctx))

	// Close after rollback is a no-op.
	jtest.RequireNil(t, sess.Close())
	jtest.Require(t, exchange.ErrSessionClosed, sess.Commit(ctx))
}

func TestInsertTransitionReplay(t *testing.T) {
	store, mock := newStore(t)

	st := &exchange.StateTransition{
		TransitionID:   "tr-1",
		TenantID:       "t1",
		FromState:      exchange.StateReceived,
		ToState:        exchange.StateProcessing,
		TransitionType: exchange.TransitionNormal,
		Status:         "processing",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`insert into state_transitions
		 (transition_id, tenant_id, pipeline_id, entity_id, external_id, processor, from_state, to_state, transition_type, status, message_id, queue_source, queue_destination, notes, metadata, created_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	// Duplicate transitions are projector replays, not errors.
	jtest.RequireNil(t, store.InsertTransition(context.Background(), st))
}

func TestPurgeVersionsBefore(t *testing.T) {
	store, mock := newStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`delete e from entities e
		 join (
		   select tenant_id, source, external_id, max(version) as max_version
		   from entities where tenant_id = ? group by tenant_id, source, external_id
		 ) m on e.tenant_id = m.tenant_id and e.source = m.source and e.external_id = m.external_id
		 where e.tenant_id = ? and e.created_at < ? and e.version < m.max_version`).
		WithArgs("t1", "t1", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.PurgeVersionsBefore(context.Background(), "t1", cutoff)
	jtest.RequireNil(t, err)
	require.Equal(t, 7, n)
}
