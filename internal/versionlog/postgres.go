package versionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"workhub/collab/internal/collab"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS collab_entity_versions (
	document_id    TEXT        NOT NULL,
	entity_id      TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	last_operation JSONB       NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, entity_id)
);
`

// Postgres stores the version log in a single upsert table keyed by
// (document, entity). Shared by every collabd node pointed at the same
// database.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate version log: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Record(ctx context.Context, documentID, entityID string, version int64, op collab.Operation, at time.Time) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO collab_entity_versions (document_id, entity_id, version, last_operation, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, entity_id)
		DO UPDATE SET version = EXCLUDED.version,
		              last_operation = EXCLUDED.last_operation,
		              updated_at = EXCLUDED.updated_at`,
		documentID, entityID, version, payload, at.UTC())
	if err != nil {
		return fmt.Errorf("record version for %s/%s: %w", documentID, entityID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, documentID string) ([]collab.VersionedEntity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, version, last_operation, updated_at
		FROM collab_entity_versions
		WHERE document_id = $1
		ORDER BY entity_id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load versions for %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []collab.VersionedEntity
	for rows.Next() {
		var (
			e       collab.VersionedEntity
			payload []byte
		)
		if err := rows.Scan(&e.EntityID, &e.Version, &payload, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		if err := json.Unmarshal(payload, &e.LastOperation); err != nil {
			return nil, fmt.Errorf("decode operation for %s: %w", e.EntityID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }
