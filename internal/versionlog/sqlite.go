package versionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"workhub/collab/internal/collab"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collab_entity_versions (
	document_id    TEXT    NOT NULL,
	entity_id      TEXT    NOT NULL,
	version        INTEGER NOT NULL,
	last_operation TEXT    NOT NULL,
	updated_at     TEXT    NOT NULL,
	PRIMARY KEY (document_id, entity_id)
);
`

// SQLite keeps the version log in a local file, the single-node default
// when durability matters but no database server is around.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate version log: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, documentID, entityID string, version int64, op collab.Operation, at time.Time) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collab_entity_versions (document_id, entity_id, version, last_operation, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (document_id, entity_id)
		DO UPDATE SET version = excluded.version,
		              last_operation = excluded.last_operation,
		              updated_at = excluded.updated_at`,
		documentID, entityID, version, string(payload), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record version for %s/%s: %w", documentID, entityID, err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, documentID string) ([]collab.VersionedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, version, last_operation, updated_at
		FROM collab_entity_versions
		WHERE document_id = ?
		ORDER BY entity_id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load versions for %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []collab.VersionedEntity
	for rows.Next() {
		var (
			e       collab.VersionedEntity
			payload string
			updated string
		)
		if err := rows.Scan(&e.EntityID, &e.Version, &payload, &updated); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.LastOperation); err != nil {
			return nil, fmt.Errorf("decode operation for %s: %w", e.EntityID, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", e.EntityID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
