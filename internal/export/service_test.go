package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
)

type fakeStore struct {
	comms   []*db.CommunicationLog
	listErr error
}

func (s *fakeStore) ListFiltered(_ context.Context, _ db.CommunicationFilter, limit, offset int) ([]*db.CommunicationLog, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if offset >= len(s.comms) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.comms) {
		end = len(s.comms)
	}
	return s.comms[offset:end], nil
}

func (s *fakeStore) CountFiltered(_ context.Context, _ db.CommunicationFilter) (int, error) {
	return len(s.comms), nil
}

type fakeJobStore struct {
	jobs map[uuid.UUID]*db.ExportJob
	done chan struct{}
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs: make(map[uuid.UUID]*db.ExportJob),
		done: make(chan struct{}, 1),
	}
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *db.ExportJob) error {
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*db.ExportJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *job
	copied.FileData = nil
	return &copied, nil
}

func (s *fakeJobStore) GetJobFile(_ context.Context, id uuid.UUID) (*db.ExportJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) MarkProcessing(_ context.Context, id uuid.UUID) error {
	s.jobs[id].Status = db.JobProcessing
	return nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, id uuid.UUID, fileName string, data []byte, recordCount int) error {
	job := s.jobs[id]
	job.Status = db.JobCompleted
	job.FileName = fileName
	job.FileData = data
	job.FileSize = len(data)
	job.RecordCount = recordCount
	now := time.Now().UTC()
	job.CompletedAt = &now
	s.done <- struct{}{}
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	job := s.jobs[id]
	job.Status = db.JobFailed
	job.ErrorMessage = &message
	s.done <- struct{}{}
	return nil
}

func (s *fakeJobStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for id, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func sampleComms(n int) []*db.CommunicationLog {
	email := "customer@example.com"
	comms := make([]*db.CommunicationLog, 0, n)
	for i := 0; i < n; i++ {
		comms = append(comms, &db.CommunicationLog{
			ID:             uuid.New(),
			OrderID:        uuid.New(),
			OrganizationID: uuid.New(),
			Type:           db.TypeEmail,
			RecipientEmail: &email,
			Subject:        "Order confirmation",
			Content:        "Thanks for your order, it ships soon.",
			TemplateUsed:   "order_confirmation",
			DeliveryStatus: db.StatusDelivered,
			SentAt:         time.Now().UTC().Add(-time.Duration(i) * time.Hour),
		})
	}
	return comms
}

func TestExport_CSVRespectsRecordCap(t *testing.T) {
	store := &fakeStore{comms: sampleComms(50)}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	file, err := svc.Export(context.Background(), Request{Format: db.FormatCSV, MaxRecords: 10})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if file.Records != 10 {
		t.Fatalf("expected 10 records, got %d", file.Records)
	}

	lines := strings.Split(strings.TrimRight(string(file.Data), "\n"), "\n")
	if len(lines) != 11 { // header + 10 rows
		t.Fatalf("expected 11 CSV lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], `"ID","OrderID"`) {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if file.ContentType != "text/csv" {
		t.Fatalf("unexpected content type: %s", file.ContentType)
	}
}

func TestExport_CSVQuotingAndTruncation(t *testing.T) {
	comm := sampleComms(1)[0]
	comm.Subject = `He said "fitting, at 5pm"`
	comm.Content = strings.Repeat("x", csvMaxFieldLen+50)

	store := &fakeStore{comms: []*db.CommunicationLog{comm}}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	file, err := svc.Export(context.Background(), Request{Format: db.FormatCSV, IncludeContent: true})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	out := string(file.Data)
	if !strings.Contains(out, `"He said ""fitting, at 5pm"""`) {
		t.Fatal("expected internal quotes doubled and field quote-wrapped")
	}
	if !strings.Contains(out, strings.Repeat("x", csvMaxFieldLen)+"...") {
		t.Fatal("expected long content truncated with ellipsis")
	}
	if strings.Contains(out, strings.Repeat("x", csvMaxFieldLen+1)) {
		t.Fatal("expected content cut at the field cap")
	}
}

func TestExport_CSVContentColumnIsOptional(t *testing.T) {
	store := &fakeStore{comms: sampleComms(1)}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	file, err := svc.Export(context.Background(), Request{Format: db.FormatCSV})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if strings.Contains(string(file.Data), `"Content"`) {
		t.Fatal("expected no Content column without IncludeContent")
	}
}

func TestExport_ExcelProducesWorkbook(t *testing.T) {
	store := &fakeStore{comms: sampleComms(5)}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	file, err := svc.Export(context.Background(), Request{Format: db.FormatExcel})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if file.Records != 5 {
		t.Fatalf("expected 5 records, got %d", file.Records)
	}
	// XLSX files are zip archives
	if !bytes.HasPrefix(file.Data, []byte("PK")) {
		t.Fatal("expected xlsx (zip) magic bytes")
	}
	if !strings.HasSuffix(file.Name, ".xlsx") {
		t.Fatalf("unexpected file name: %s", file.Name)
	}
}

func TestExport_PDFProducesDocument(t *testing.T) {
	comms := sampleComms(4)
	comms[0].DeliveryStatus = db.StatusFailed
	store := &fakeStore{comms: comms}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	file, err := svc.Export(context.Background(), Request{
		Format:                 db.FormatPDF,
		IncludeFailureAnalysis: true,
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !bytes.HasPrefix(file.Data, []byte("%PDF")) {
		t.Fatal("expected PDF magic bytes")
	}
	if file.ContentType != "application/pdf" {
		t.Fatalf("unexpected content type: %s", file.ContentType)
	}
}

func TestExport_UnsupportedFormat(t *testing.T) {
	svc := NewService(&fakeStore{}, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	_, err := svc.Export(context.Background(), Request{Format: "parchment"})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestQueueExport_JobLifecycle(t *testing.T) {
	store := &fakeStore{comms: sampleComms(25)}
	jobs := newFakeJobStore()
	svc := NewService(store, jobs, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	job, err := svc.QueueExport(ctx, Request{Format: db.FormatCSV})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if job.Status != db.JobQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.EstimatedRows != 25 {
		t.Fatalf("expected estimate 25, got %d", job.EstimatedRows)
	}

	select {
	case <-jobs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background export")
	}

	status, err := svc.GetExportStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != db.JobCompleted {
		t.Fatalf("expected completed, got %s", status.Status)
	}
	if status.RecordCount != 25 {
		t.Fatalf("expected 25 records, got %d", status.RecordCount)
	}
	if status.FileData != nil {
		t.Fatal("expected status polling to omit file bytes")
	}

	finished, err := svc.GetExportFile(ctx, job.ID)
	if err != nil {
		t.Fatalf("file fetch failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(finished.FileData), "\n"), "\n")
	if len(lines) != 26 {
		t.Fatalf("expected header + 25 rows, got %d lines", len(lines))
	}
}

func TestQueueExport_FailureMarksJob(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	jobs := newFakeJobStore()
	svc := NewService(store, jobs, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	job, err := svc.QueueExport(ctx, Request{Format: db.FormatCSV})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}

	select {
	case <-jobs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background export")
	}

	status, err := svc.GetExportStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != db.JobFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.ErrorMessage == nil || !strings.Contains(*status.ErrorMessage, "db down") {
		t.Fatalf("expected error message, got %v", status.ErrorMessage)
	}
}

// blockingStore stalls every page read until the export context dies.
type blockingStore struct{}

func (s *blockingStore) ListFiltered(ctx context.Context, _ db.CommunicationFilter, _, _ int) ([]*db.CommunicationLog, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingStore) CountFiltered(_ context.Context, _ db.CommunicationFilter) (int, error) {
	return 1, nil
}

// deadlineJobStore refuses writes on an expired context, the way pgx would.
type deadlineJobStore struct {
	*fakeJobStore
}

func (s *deadlineJobStore) MarkCompleted(ctx context.Context, id uuid.UUID, fileName string, data []byte, recordCount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeJobStore.MarkCompleted(ctx, id, fileName, data, recordCount)
}

func (s *deadlineJobStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeJobStore.MarkFailed(ctx, id, message)
}

func TestQueueExport_TimeoutStillMarksFailure(t *testing.T) {
	jobs := &deadlineJobStore{newFakeJobStore()}
	cfg := DefaultConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	svc := NewService(&blockingStore{}, jobs, cfg, zap.NewNop())
	ctx := context.Background()

	job, err := svc.QueueExport(ctx, Request{Format: db.FormatCSV})
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}

	select {
	case <-jobs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job outcome never recorded after the export timed out")
	}

	status, err := svc.GetExportStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != db.JobFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.ErrorMessage == nil || !strings.Contains(*status.ErrorMessage, "context deadline exceeded") {
		t.Fatalf("expected the timeout in the error message, got %v", status.ErrorMessage)
	}
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	// 3-byte runes: the 1000-byte cap lands mid-rune
	s := strings.Repeat("世", 400)
	out := truncate(s, csvMaxFieldLen)
	if !utf8.ValidString(out) {
		t.Fatal("expected truncated field to stay valid UTF-8")
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("expected ellipsis marker, got suffix %q", out[len(out)-5:])
	}
	if len(out) != 999+len("...") {
		t.Fatalf("expected cut backed up to the rune boundary at 999, got %d bytes", len(out))
	}
}

func TestGetExportStatus_UnknownJob(t *testing.T) {
	svc := NewService(&fakeStore{}, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	job, err := svc.GetExportStatus(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatal("expected nil for an unknown job id")
	}
}

func TestCleanupExpiredExports(t *testing.T) {
	jobs := newFakeJobStore()
	old := &db.ExportJob{ID: uuid.New(), CreatedAt: time.Now().UTC().AddDate(0, 0, -10)}
	fresh := &db.ExportJob{ID: uuid.New(), CreatedAt: time.Now().UTC()}
	jobs.jobs[old.ID] = old
	jobs.jobs[fresh.ID] = fresh

	svc := NewService(&fakeStore{}, jobs, DefaultConfig(), zap.NewNop())

	removed, err := svc.CleanupExpiredExports(context.Background(), 7)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := jobs.jobs[fresh.ID]; !ok {
		t.Fatal("expected the fresh job to survive")
	}
}

func TestEstimateRecords_CappedByMaxRecords(t *testing.T) {
	store := &fakeStore{comms: sampleComms(40)}
	svc := NewService(store, newFakeJobStore(), DefaultConfig(), zap.NewNop())

	estimate, err := svc.EstimateRecords(context.Background(), Request{Format: db.FormatCSV, MaxRecords: 15})
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if estimate != 15 {
		t.Fatalf("expected 15, got %d", estimate)
	}
}
