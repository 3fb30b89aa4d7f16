package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-task-pipeline/internal/models"
)

// Connect creates a pooled connection to Postgres.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// PostgresBackend keeps the collection in the task_records table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Load(ctx context.Context) ([]models.TaskRecord, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, type, entity, payload, status, result, error, created_at, updated_at, completed_at
		FROM task_records ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	records := []models.TaskRecord{}
	for rows.Next() {
		var rec models.TaskRecord
		var payload, result []byte
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Entity, &payload, &rec.Status, &result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", rec.ID, err)
		}
		if len(result) > 0 {
			rec.Result = json.RawMessage(result)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return records, nil
}

// Save replaces the table contents with records in one transaction.
func (b *PostgresBackend) Save(ctx context.Context, records []models.TaskRecord) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM task_records`); err != nil {
		return fmt.Errorf("truncate task records: %w", err)
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload of %s: %w", rec.ID, err)
		}
		var result []byte
		if len(rec.Result) > 0 {
			result = rec.Result
		}
		rows = append(rows, []any{
			rec.ID, string(rec.Type), rec.Entity, payload, string(rec.Status), result, rec.Error,
			rec.CreatedAt, rec.UpdatedAt, nullableTime(rec.CompletedAt),
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"task_records"},
		[]string{"id", "type", "entity", "payload", "status", "result", "error", "created_at", "updated_at", "completed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy task records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping reports whether the table is reachable.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `SELECT 1 FROM task_records LIMIT 1`)
	return err
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
