package draftstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDraftTableName   = "draftsync_drafts"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per (workspace, draft key); upserts ride on
// the unique constraint so concurrent writers never produce duplicates.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidDSN)
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresDraftTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				workspace_id TEXT NOT NULL,
				draft_key TEXT NOT NULL,
				document_id TEXT,
				related_entity_id TEXT,
				document_variant TEXT NOT NULL DEFAULT '',
				payload JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (workspace_id, draft_key)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Upsert(ctx context.Context, workspaceID string, rec Record) error {
	if err := validateUpsert(workspaceID, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, draft_key, document_id, related_entity_id, document_variant, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, draft_key)
		DO UPDATE SET
			document_id = EXCLUDED.document_id,
			related_entity_id = EXCLUDED.related_entity_id,
			document_variant = EXCLUDED.document_variant,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query,
		workspaceID, rec.DraftKey, rec.DocumentID, rec.RelatedEntityID,
		rec.DocumentVariant, string(rec.Payload), rec.UpdatedAt.UTC())
	return err
}

func (b *PostgresBackend) Get(ctx context.Context, workspaceID, draftKey string) (*Record, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT draft_key, document_id, related_entity_id, document_variant, payload, updated_at
		FROM %s WHERE workspace_id = $1 AND draft_key = $2`, postgresQuoteIdentifier(b.tableName))
	rec, err := scanRecord(b.db.QueryRowContext(ctx, query, workspaceID, draftKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, workspaceID, draftKey string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE workspace_id = $1 AND draft_key = $2", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, workspaceID, draftKey)
	return err
}

func (b *PostgresBackend) List(ctx context.Context, workspaceID string) ([]Record, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT draft_key, document_id, related_entity_id, document_variant, payload, updated_at
		FROM %s WHERE workspace_id = $1 ORDER BY draft_key`, postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload string
	err := row.Scan(&rec.DraftKey, &rec.DocumentID, &rec.RelatedEntityID, &rec.DocumentVariant, &payload, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
