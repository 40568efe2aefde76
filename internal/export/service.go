// Package export serializes filtered communication history into CSV, Excel
// and PDF files, synchronously for small requests and through job-tracked
// background runs for large ones.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/metrics"
)

// Page sizes bound how many rows one query pulls while batching an export.
const (
	csvPageSize   = 50000
	sheetPageSize = 10000
	pdfPageSize   = 10000
)

// outcomeWriteTimeout bounds the job-row update that records how a
// background export ended.
const outcomeWriteTimeout = 30 * time.Second

// Store is the read-only view of the audit store the exporter batches from.
type Store interface {
	ListFiltered(ctx context.Context, filter db.CommunicationFilter, limit, offset int) ([]*db.CommunicationLog, error)
	CountFiltered(ctx context.Context, filter db.CommunicationFilter) (int, error)
}

// JobStore persists export job lifecycle and finished file bytes.
type JobStore interface {
	CreateJob(ctx context.Context, job *db.ExportJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.ExportJob, error)
	GetJobFile(ctx context.Context, id uuid.UUID) (*db.ExportJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, fileName string, data []byte, recordCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Request describes one export.
type Request struct {
	Filter          db.CommunicationFilter
	Format          string
	MaxRecords      int
	IncludeContent  bool
	IncludeMetadata bool
	// IncludeFailureAnalysis adds the failure-rate section to PDF reports.
	IncludeFailureAnalysis bool
	RequestedBy            uuid.UUID
}

// File is one finished export.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Records     int
}

// Config tunes the export service.
type Config struct {
	// AsyncThreshold is the estimated record count above which requests must
	// go through QueueExport.
	AsyncThreshold int
	// JobTimeout bounds one background export run.
	JobTimeout time.Duration
	// MaxRecordsCeiling caps any single export.
	MaxRecordsCeiling int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AsyncThreshold:    5000,
		JobTimeout:        10 * time.Minute,
		MaxRecordsCeiling: 100000,
	}
}

// Service runs exports against the audit store.
type Service struct {
	store  Store
	jobs   JobStore
	config Config
	logger *zap.Logger
}

// NewService creates an export service.
func NewService(store Store, jobs JobStore, cfg Config, logger *zap.Logger) *Service {
	if cfg.AsyncThreshold <= 0 {
		cfg.AsyncThreshold = 5000
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.MaxRecordsCeiling <= 0 {
		cfg.MaxRecordsCeiling = 100000
	}
	return &Service{
		store:  store,
		jobs:   jobs,
		config: cfg,
		logger: logger,
	}
}

// EstimateRecords runs the count-only query for a request.
func (s *Service) EstimateRecords(ctx context.Context, req Request) (int, error) {
	count, err := s.store.CountFiltered(ctx, req.Filter)
	if err != nil {
		return 0, fmt.Errorf("estimate export size: %w", err)
	}
	if req.MaxRecords > 0 && count > req.MaxRecords {
		count = req.MaxRecords
	}
	return count, nil
}

// AsyncThreshold exposes the sync/async cutoff for callers deciding which
// path to take.
func (s *Service) AsyncThreshold() int {
	return s.config.AsyncThreshold
}

// Export runs a synchronous export and returns the finished file.
func (s *Service) Export(ctx context.Context, req Request) (*File, error) {
	data, records, err := s.run(ctx, req)
	if err != nil {
		metrics.RecordExport(req.Format, "failed")
		return nil, err
	}

	metrics.RecordExport(req.Format, "completed")
	metrics.RecordExportRecords(req.Format, records)

	return &File{
		Name:        fileName(req.Format),
		ContentType: contentType(req.Format),
		Data:        data,
		Records:     records,
	}, nil
}

// QueueExport estimates the record count, creates a job record and launches
// the export on a detached goroutine. The call returns immediately with the
// job; progress is observable only through GetExportStatus.
func (s *Service) QueueExport(ctx context.Context, req Request) (*db.ExportJob, error) {
	estimate, err := s.EstimateRecords(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &db.ExportJob{
		ID:            uuid.New(),
		Format:        req.Format,
		Status:        db.JobQueued,
		RequestedBy:   req.RequestedBy,
		EstimatedRows: estimate,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	go s.process(job.ID, req)

	return job, nil
}

// process performs the background export. It runs detached from the queuing
// request, with its own timeout, and records the outcome on the job row.
func (s *Service) process(jobID uuid.UUID, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	if err := s.jobs.MarkProcessing(ctx, jobID); err != nil {
		s.logger.Error("failed to mark export job processing",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
		)
	}

	data, records, err := s.run(ctx, req)

	// The run context may already be expired or cancelled; the outcome write
	// gets its own context so a timed-out export still lands on the job row.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer markCancel()

	if err != nil {
		metrics.RecordExport(req.Format, "failed")
		if markErr := s.jobs.MarkFailed(markCtx, jobID, err.Error()); markErr != nil {
			s.logger.Error("failed to record export job failure",
				zap.Error(markErr),
				zap.String("job_id", jobID.String()),
			)
		}
		return
	}

	if err := s.jobs.MarkCompleted(markCtx, jobID, fileName(req.Format), data, records); err != nil {
		s.logger.Error("failed to record export job completion",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
		)
		return
	}

	metrics.RecordExport(req.Format, "completed")
	metrics.RecordExportRecords(req.Format, records)
}

// run batches pages of the filtered query into the format builder until the
// record cap or data exhaustion, whichever comes first.
func (s *Service) run(ctx context.Context, req Request) ([]byte, int, error) {
	b, err := s.newBuilder(req)
	if err != nil {
		return nil, 0, err
	}

	maxRecords := req.MaxRecords
	if maxRecords <= 0 || maxRecords > s.config.MaxRecordsCeiling {
		maxRecords = s.config.MaxRecordsCeiling
	}
	pageSize := formatPageSize(req.Format)
	if pageSize > maxRecords {
		pageSize = maxRecords
	}

	records := 0
	offset := 0
	for records < maxRecords {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		limit := pageSize
		if remaining := maxRecords - records; remaining < limit {
			limit = remaining
		}

		batch, err := s.store.ListFiltered(ctx, req.Filter, limit, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch export page: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, comm := range batch {
			if err := b.Add(comm); err != nil {
				return nil, 0, fmt.Errorf("serialize row: %w", err)
			}
			records++
		}
		offset += len(batch)

		if len(batch) < limit {
			break
		}
	}

	data, err := b.Finish()
	if err != nil {
		return nil, 0, fmt.Errorf("finalize %s export: %w", req.Format, err)
	}

	return data, records, nil
}

func (s *Service) newBuilder(req Request) (builder, error) {
	switch req.Format {
	case db.FormatCSV:
		return newCSVBuilder(req.IncludeContent, req.IncludeMetadata), nil
	case db.FormatExcel:
		return newExcelBuilder(req.IncludeContent, req.IncludeMetadata)
	case db.FormatPDF:
		return newPDFBuilder(req.IncludeFailureAnalysis), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", req.Format)
	}
}

// GetExportStatus returns the job record, or nil when the id is unknown —
// an absent job is a normal polling outcome, not an error.
func (s *Service) GetExportStatus(ctx context.Context, jobID uuid.UUID) (*db.ExportJob, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// GetExportFile returns the completed job with its file bytes, or nil when
// the id is unknown.
func (s *Service) GetExportFile(ctx context.Context, jobID uuid.UUID) (*db.ExportJob, error) {
	job, err := s.jobs.GetJobFile(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// CleanupExpiredExports deletes job and file records older than the
// retention window, returning the number removed.
func (s *Service) CleanupExpiredExports(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return s.jobs.DeleteExpired(ctx, cutoff)
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}

// ContentTypeFor returns the download content type for a stored job's format.
func ContentTypeFor(format string) string {
	return contentType(format)
}

// builder serializes rows incrementally into one output format.
type builder interface {
	Add(comm *db.CommunicationLog) error
	Finish() ([]byte, error)
}

func formatPageSize(format string) int {
	switch format {
	case db.FormatCSV:
		return csvPageSize
	case db.FormatExcel:
		return sheetPageSize
	default:
		return pdfPageSize
	}
}

func fileName(format string) string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("communications_export_%s.%s", stamp, fileExt(format))
}

func fileExt(format string) string {
	switch format {
	case db.FormatExcel:
		return "xlsx"
	case db.FormatPDF:
		return "pdf"
	default:
		return "csv"
	}
}

func contentType(format string) string {
	switch format {
	case db.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case db.FormatPDF:
		return "application/pdf"
	default:
		return "text/csv"
	}
}
