// Package persistence implements the registry.Persister contract backed
// by Postgres, grounded on the lib/pq repository style in
// distributed-queue/pkg/db: plain SQL statements, no ORM.
// Persistence is best-effort, per the specification's non-goal of durable
// registry storage — failures are returned for the caller to log, never
// panic, and never block registry mutation.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/rerrors"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS registry_snapshot (
	service_type  TEXT NOT NULL,
	service_id    TEXT NOT NULL,
	host          TEXT NOT NULL,
	port          INTEGER NOT NULL,
	metadata      JSONB NOT NULL,
	origin_node   TEXT NOT NULL,
	version       JSONB NOT NULL,
	timestamp_ms  BIGINT NOT NULL,
	tombstone     BOOLEAN NOT NULL,
	PRIMARY KEY (service_type, service_id)
)`

const upsertStatement = `
INSERT INTO registry_snapshot
	(service_type, service_id, host, port, metadata, origin_node, version, timestamp_ms, tombstone)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (service_type, service_id) DO UPDATE SET
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	metadata = EXCLUDED.metadata,
	origin_node = EXCLUDED.origin_node,
	version = EXCLUDED.version,
	timestamp_ms = EXCLUDED.timestamp_ms,
	tombstone = EXCLUDED.tombstone`

// Store persists Local Registry snapshots to a Postgres table.
type Store struct {
	db *sql.DB
}

// Open connects to connString and ensures the backing table exists.
func Open(connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, rerrors.New(rerrors.KindResource, "persistence: open", err)
	}
	if _, err := db.Exec(createTableStatement); err != nil {
		db.Close()
		return nil, rerrors.New(rerrors.KindResource, "persistence: create table", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts every instance, satisfying registry.Persister.
func (s *Store) SaveSnapshot(ctx context.Context, instances []registry.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rerrors.New(rerrors.KindResource, "persistence: begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertStatement)
	if err != nil {
		return rerrors.New(rerrors.KindResource, "persistence: prepare", err)
	}
	defer stmt.Close()

	for _, inst := range instances {
		metadata, err := json.Marshal(inst.Metadata)
		if err != nil {
			return rerrors.New(rerrors.KindInternal, "persistence: marshal metadata "+inst.ServiceType+"/"+inst.ServiceID, err)
		}
		version, err := json.Marshal(map[string]uint64(inst.Version))
		if err != nil {
			return rerrors.New(rerrors.KindInternal, "persistence: marshal version "+inst.ServiceType+"/"+inst.ServiceID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			inst.ServiceType, inst.ServiceID, inst.Host, inst.Port,
			metadata, inst.OriginNodeID, version, inst.TimestampMs, inst.Tombstone,
		); err != nil {
			return rerrors.New(rerrors.KindResource, "persistence: upsert "+inst.ServiceType+"/"+inst.ServiceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rerrors.New(rerrors.KindResource, "persistence: commit", err)
	}
	return nil
}
