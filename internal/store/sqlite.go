package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"catalog-task-pipeline/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_records (
    id           TEXT PRIMARY KEY,
    type         TEXT    NOT NULL,
    entity       TEXT    NOT NULL DEFAULT '',
    payload      TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    result       TEXT    NULL,
    error        TEXT    NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    completed_at INTEGER NULL
);
`

// SQLiteBackend keeps the collection in an embedded SQLite database.
// Timestamps are stored as Unix milliseconds.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the pure-Go sqlite driver and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return errors.New("nil db")
	}
	return b.db.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]models.TaskRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, type, entity, payload, status, result, error, created_at, updated_at, completed_at
		FROM task_records ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	records := []models.TaskRecord{}
	for rows.Next() {
		var (
			rec                  models.TaskRecord
			kind, status         string
			payload              string
			result               sql.NullString
			createdAt, updatedAt int64
			completedAt          sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Entity, &payload, &status, &result, &rec.Error, &createdAt, &updatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		rec.Type = models.Kind(kind)
		rec.Status = models.Status(status)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", rec.ID, err)
		}
		if result.Valid && result.String != "" {
			rec.Result = json.RawMessage(result.String)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64).UTC()
			rec.CompletedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return records, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, records []models.TaskRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_records`); err != nil {
		return fmt.Errorf("truncate task records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_records (id, type, entity, payload, status, result, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload of %s: %w", rec.ID, err)
		}
		var result sql.NullString
		if len(rec.Result) > 0 {
			result = sql.NullString{String: string(rec.Result), Valid: true}
		}
		var completedAt sql.NullInt64
		if rec.CompletedAt != nil {
			completedAt = sql.NullInt64{Int64: rec.CompletedAt.UnixMilli(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Type), rec.Entity, string(payload), string(rec.Status),
			result, rec.Error, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), completedAt); err != nil {
			return fmt.Errorf("insert task record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
