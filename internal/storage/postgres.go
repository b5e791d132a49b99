// Package storage provides implementations of domain repositories and the
// blob store used for job inputs and previews.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/job"
)

const jobColumns = `id, status, progress, input, results, item_errors, error, request_id,
	idempotency_key, callback_url, etag, created_at, updated_at, started_at, finished_at, expires_at`

// PostgresJobRepository implements job.Repository using PostgreSQL.
type PostgresJobRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJobRepository creates a new Postgres-backed job repository.
func NewPostgresJobRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresJobRepository {
	return &PostgresJobRepository{pool: pool, logger: logger}
}

// Create inserts a new job.
func (r *PostgresJobRepository) Create(ctx context.Context, j *job.Job) error {
	cols, err := encodeJob(j)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	if _, err := r.pool.Exec(ctx, query, cols...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by its UUID.
func (r *PostgresJobRepository) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// mutable columns back in the same transaction.
func (r *PostgresJobRepository) Update(ctx context.Context, id uuid.UUID, fn job.UpdateFunc) (*job.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.logger.Warn("rollback failed", zap.String("job_id", id.String()), zap.Error(err))
		}
	}()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	results, err := json.Marshal(j.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	itemErrs, err := json.Marshal(j.ItemErrors)
	if err != nil {
		return nil, fmt.Errorf("marshal item errors: %w", err)
	}
	failure, err := json.Marshal(j.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	update := `
		UPDATE jobs SET
			status = $2, progress = $3, results = $4, item_errors = $5, error = $6,
			etag = $7, updated_at = $8, started_at = $9, finished_at = $10
		WHERE id = $1`

	if _, err := tx.Exec(ctx, update,
		j.ID, j.Status, j.Progress, results, itemErrs, failure,
		j.ETag, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return j, nil
}

// DeleteExpired removes jobs past their expiry and returns their IDs.
func (r *PostgresJobRepository) DeleteExpired(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `DELETE FROM jobs WHERE expires_at <= $1 RETURNING id`, before)
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus returns the count of jobs grouped by status.
func (r *PostgresJobRepository) CountByStatus(ctx context.Context) (map[job.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int64)
	for rows.Next() {
		var status job.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Ping checks the connection pool.
func (r *PostgresJobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func encodeJob(j *job.Job) ([]any, error) {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	results, err := json.Marshal(j.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	itemErrs, err := json.Marshal(j.ItemErrors)
	if err != nil {
		return nil, fmt.Errorf("marshal item errors: %w", err)
	}
	failure, err := json.Marshal(j.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	return []any{
		j.ID, j.Status, j.Progress, input, results, itemErrs, failure, j.RequestID,
		j.IdempotencyKey, j.CallbackURL, j.ETag, j.CreatedAt, j.UpdatedAt,
		j.StartedAt, j.FinishedAt, j.ExpiresAt,
	}, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var input, results, itemErrs, failure []byte
	if err := row.Scan(
		&j.ID, &j.Status, &j.Progress, &input, &results, &itemErrs, &failure, &j.RequestID,
		&j.IdempotencyKey, &j.CallbackURL, &j.ETag, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.FinishedAt, &j.ExpiresAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if len(itemErrs) > 0 {
		if err := json.Unmarshal(itemErrs, &j.ItemErrors); err != nil {
			return nil, fmt.Errorf("unmarshal item errors: %w", err)
		}
	}
	if len(failure) > 0 {
		if err := json.Unmarshal(failure, &j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return j, nil
}
