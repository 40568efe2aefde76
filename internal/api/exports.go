package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/export"
)

// ExportRequest is the body for POST /v1/exports.
type ExportRequest struct {
	OrganizationID         string  `json:"organization_id,omitempty"`
	OrderID                string  `json:"order_id,omitempty"`
	Type                   string  `json:"type,omitempty"`
	Status                 string  `json:"status,omitempty"`
	From                   *string `json:"from,omitempty"`
	To                     *string `json:"to,omitempty"`
	Format                 string  `json:"format"`
	MaxRecords             int     `json:"max_records,omitempty"`
	IncludeContent         bool    `json:"include_content,omitempty"`
	IncludeMetadata        bool    `json:"include_metadata,omitempty"`
	IncludeFailureAnalysis bool    `json:"include_failure_analysis,omitempty"`
	RequestedBy            string  `json:"requested_by"`
}

func (h *Handler) parseExportRequest(r *http.Request) (export.Request, error) {
	var body ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return export.Request{}, fmt.Errorf("malformed JSON body: %w", err)
	}

	switch body.Format {
	case db.FormatCSV, db.FormatExcel, db.FormatPDF:
	default:
		return export.Request{}, fmt.Errorf("format must be one of csv, excel, pdf")
	}

	requestedBy, err := uuid.Parse(body.RequestedBy)
	if err != nil {
		return export.Request{}, fmt.Errorf("requested_by must be a valid UUID")
	}

	// The filter fields mirror the search query params; reuse the same parser
	// by moving them onto a synthetic query string.
	q := r.URL.Query()
	q.Set("organization_id", body.OrganizationID)
	q.Set("order_id", body.OrderID)
	q.Set("type", body.Type)
	q.Set("status", body.Status)
	if body.From != nil {
		q.Set("from", *body.From)
	}
	if body.To != nil {
		q.Set("to", *body.To)
	}
	r.URL.RawQuery = q.Encode()

	filter, err := parseFilter(r)
	if err != nil {
		return export.Request{}, err
	}

	return export.Request{
		Filter:                 filter,
		Format:                 body.Format,
		MaxRecords:             body.MaxRecords,
		IncludeContent:         body.IncludeContent,
		IncludeMetadata:        body.IncludeMetadata,
		IncludeFailureAnalysis: body.IncludeFailureAnalysis,
		RequestedBy:            requestedBy,
	}, nil
}

// CreateExport handles POST /v1/exports. Small exports run inline and return
// the file; anything over the async threshold is queued and returns 202 with
// the job to poll.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := h.parseExportRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid export request", err.Error())
		return
	}

	estimate, err := h.exports.EstimateRecords(ctx, req)
	if err != nil {
		h.logger.Error("export size estimate failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "export_error", "Failed to estimate export size", "")
		return
	}

	if estimate > h.exports.AsyncThreshold() || r.URL.Query().Get("async") == "true" {
		job, err := h.exports.QueueExport(ctx, req)
		if err != nil {
			h.logger.Error("failed to queue export", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "export_error", "Failed to queue export", "")
			return
		}
		h.writeJSON(w, http.StatusAccepted, job)
		return
	}

	file, err := h.exports.Export(ctx, req)
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "export_error", "Export failed", "")
		return
	}

	writeFile(w, file.Name, file.ContentType, file.Data)
}

// ExportStatus handles GET /v1/exports/{jobID}
func (h *Handler) ExportStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.exports.GetExportStatus(r.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to get export status", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get export status", "")
		return
	}
	if job == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Export job not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// DownloadExport handles GET /v1/exports/{jobID}/download
func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.exports.GetExportFile(r.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to load export file", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load export file", "")
		return
	}
	if job == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Export job not found", "")
		return
	}
	if job.Status != db.JobCompleted {
		h.writeError(w, http.StatusConflict, "not_ready", "Export not finished",
			fmt.Sprintf("job status is %s", job.Status))
		return
	}

	writeFile(w, job.FileName, export.ContentTypeFor(job.Format), job.FileData)
}

func writeFile(w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
