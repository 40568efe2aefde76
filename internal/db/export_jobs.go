package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ExportJobRepository handles database operations for export jobs. Keeping
// job state in postgres makes the registry safe under concurrent access and
// able to survive restarts.
type ExportJobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewExportJobRepository creates a new export job repository
func NewExportJobRepository(db *DB, logger *zap.Logger) *ExportJobRepository {
	return &ExportJobRepository{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new export job row
func (r *ExportJobRepository) CreateJob(ctx context.Context, job *ExportJob) error {
	query := `
		INSERT INTO export_jobs (id, format, status, requested_by, estimated_rows)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.Format,
		job.Status,
		job.RequestedBy,
		job.EstimatedRows,
	).Scan(&job.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create export job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert export job: %w", err)
	}

	r.logger.Info("export job created",
		zap.String("job_id", job.ID.String()),
		zap.String("format", job.Format),
		zap.Int("estimated_rows", job.EstimatedRows),
	)

	return nil
}

// GetJob retrieves an export job by ID, without the file bytes.
func (r *ExportJobRepository) GetJob(ctx context.Context, id uuid.UUID) (*ExportJob, error) {
	query := `
		SELECT id, format, status, requested_by, estimated_rows, record_count,
		       file_name, file_size, error_message, created_at, completed_at
		FROM export_jobs
		WHERE id = $1
	`

	var job ExportJob
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.Format,
		&job.Status,
		&job.RequestedBy,
		&job.EstimatedRows,
		&job.RecordCount,
		&job.FileName,
		&job.FileSize,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query export job: %w", err)
	}

	return &job, nil
}

// GetJobFile retrieves a completed job together with its file bytes.
func (r *ExportJobRepository) GetJobFile(ctx context.Context, id uuid.UUID) (*ExportJob, error) {
	query := `
		SELECT id, format, status, requested_by, estimated_rows, record_count,
		       file_name, file_size, file_data, error_message, created_at, completed_at
		FROM export_jobs
		WHERE id = $1
	`

	var job ExportJob
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.Format,
		&job.Status,
		&job.RequestedBy,
		&job.EstimatedRows,
		&job.RecordCount,
		&job.FileName,
		&job.FileSize,
		&job.FileData,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query export job file: %w", err)
	}

	return &job, nil
}

// MarkProcessing transitions a queued job to processing.
func (r *ExportJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE export_jobs SET status = $1 WHERE id = $2`,
		JobProcessing, id,
	)
	if err != nil {
		return fmt.Errorf("mark export job processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkCompleted records the finished file and transitions the job to completed.
func (r *ExportJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, fileName string, data []byte, recordCount int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, file_name = $2, file_data = $3, file_size = $4,
		    record_count = $5, completed_at = NOW()
		WHERE id = $6
	`, JobCompleted, fileName, data, len(data), recordCount, id)
	if err != nil {
		return fmt.Errorf("mark export job completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}

	r.logger.Info("export job completed",
		zap.String("job_id", id.String()),
		zap.String("file_name", fileName),
		zap.Int("file_size", len(data)),
		zap.Int("record_count", recordCount),
	)

	return nil
}

// MarkFailed records the failure on the job row. Export failures are only
// observable through status polling; they never raise to unrelated callers.
func (r *ExportJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, error_message = $2, completed_at = NOW()
		WHERE id = $3
	`, JobFailed, message, id)
	if err != nil {
		return fmt.Errorf("mark export job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}

	r.logger.Warn("export job failed",
		zap.String("job_id", id.String()),
		zap.String("error", message),
	)

	return nil
}

// DeleteExpired removes job and file rows created before the cutoff,
// returning the number of rows removed.
func (r *ExportJobRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM export_jobs WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired export jobs: %w", err)
	}

	removed := int(result.RowsAffected())
	if removed > 0 {
		r.logger.Info("expired export jobs removed", zap.Int("count", removed))
	}

	return removed, nil
}
