package exchange

import (
	"context"
	"time"
)

// Entity is one immutable version of an external object tracked by the
// exchange. A logical entity is the set of rows sharing (tenant, source,
// external ID); each write appends a new version rather than mutating a row.
type Entity struct {
	ID            string
	TenantID      string
	ExternalID    string
	CanonicalType string
	Source        string
	Version       int
	ContentHash   string
	Attributes    map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (e Entity) Ref() EntityReference {
	return EntityReference{
		ID:            e.ID,
		ExternalID:    e.ExternalID,
		CanonicalType: e.CanonicalType,
		Source:        e.Source,
		Version:       e.Version,
		TenantID:      e.TenantID,
	}
}

// EntityStore defines the entity persistence adapter interface and all
// implementations should be tested with adaptertest.TestEntityStore to ensure
// the behaviour is compatible with exchange.
type EntityStore interface {
	// Insert persists a new entity version. It must fail with
	// ErrEntityVersionConflict when (tenant, source, external ID, version)
	// already exists.
	Insert(ctx context.Context, e *Entity) error

	// Lookup returns the entity row with the given ID scoped to the tenant.
	Lookup(ctx context.Context, tenantID, id string) (*Entity, error)

	// Latest returns the highest version of the logical entity, or
	// ErrEntityNotFound if no version exists.
	Latest(ctx context.Context, tenantID, source, externalID string) (*Entity, error)

	// LookupVersion returns one specific version of the logical entity.
	LookupVersion(ctx context.Context, tenantID, source, externalID string, version int) (*Entity, error)

	// ListVersions returns every version of the logical entity ordered by
	// version ascending.
	ListVersions(ctx context.Context, tenantID, source, externalID string) ([]Entity, error)

	// MaxVersion returns the highest stored version, or 0 when the logical
	// entity has never been seen.
	MaxVersion(ctx context.Context, tenantID, source, externalID string) (int, error)

	// LookupByContentHash returns entities in the tenant carrying the given
	// content hash, newest first.
	LookupByContentHash(ctx context.Context, tenantID, contentHash string) ([]Entity, error)

	// MergeAttributes folds new attributes into the stored row for the given
	// entity ID, leaving keys listed in preserve untouched when already set.
	MergeAttributes(ctx context.Context, tenantID, id string, attrs map[string]any, preserve []string) error
}

// Session scopes a unit of work. Entity writes inside a session become
// visible to other readers only after Commit.
type Session interface {
	EntityStore

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// SessionFactory opens fresh sessions for the execution handler. Adapters
// back this with a database transaction or an in-memory undo log.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// TransitionStore persists state transition records for audit queries.
type TransitionStore interface {
	InsertTransition(ctx context.Context, st *StateTransition) error
}

// RetentionStore is implemented by entity stores that can discard aged
// superseded versions. The newest version of each logical entity is always
// retained regardless of age.
type RetentionStore interface {
	PurgeVersionsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error)
}
