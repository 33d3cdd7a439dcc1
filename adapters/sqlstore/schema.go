package sqlstore

// Schema is the DDL for the MySQL entity store. Apply it with your migration
// tooling of choice.
const Schema = `
create table if not exists entities (
  id varchar(36) not null,
  tenant_id varchar(64) not null,
  external_id varchar(255) not null,
  canonical_type varchar(128) not null,
  source varchar(128) not null,
  version int not null,
  content_hash char(64) not null,
  attributes json,
  created_at datetime(3) not null,
  updated_at datetime(3) not null,

  primary key (id),
  unique index ux_entity_version (tenant_id, source, external_id, version),
  index ix_entity_hash (tenant_id, content_hash),
  index ix_entity_created (tenant_id, created_at)
);

create table if not exists state_transitions (
  transition_id varchar(36) not null,
  tenant_id varchar(64) not null,
  pipeline_id varchar(36),
  entity_id varchar(36),
  external_id varchar(255),
  processor varchar(128),
  from_state varchar(32) not null,
  to_state varchar(32) not null,
  transition_type varchar(16) not null,
  status varchar(16) not null,
  message_id varchar(36),
  queue_source varchar(128),
  queue_destination varchar(128),
  notes text,
  metadata json,
  created_at datetime(3) not null,

  primary key (transition_id),
  index ix_transition_pipeline (tenant_id, pipeline_id, created_at),
  index ix_transition_entity (tenant_id, entity_id, created_at)
);

create table if not exists processing_errors (
  error_id varchar(36) not null,
  tenant_id varchar(64) not null,
  pipeline_id varchar(36),
  entity_id varchar(36),
  processor varchar(128),
  error_code varchar(64) not null,
  message text,
  can_retry bool not null,
  created_at datetime(3) not null,

  primary key (error_id),
  index ix_procerror_pipeline (tenant_id, pipeline_id, created_at)
);
`
