// Package api exposes the communication audit trail over HTTP: audit
// logging, provider webhooks, ranked search and export downloads.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/audit"
	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/export"
	"github.com/costumery/commsaudit/internal/notify"
	"github.com/costumery/commsaudit/internal/reconcile"
	"github.com/costumery/commsaudit/internal/search"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	audit    *audit.Service
	engine   *reconcile.Engine
	search   *search.Engine
	exports  *export.Service
	notifier *notify.Notifier
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	auditSvc *audit.Service,
	engine *reconcile.Engine,
	searchEngine *search.Engine,
	exports *export.Service,
	notifier *notify.Notifier,
) *Handler {
	return &Handler{
		logger:   logger,
		audit:    auditSvc,
		engine:   engine,
		search:   searchEngine,
		exports:  exports,
		notifier: notifier,
	}
}

// Routes mounts all API routes on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/communications", h.LogCommunication)
	r.Get("/communications/search", h.Search)
	r.Get("/communications/facets", h.Facets)
	r.Get("/communications/suggestions", h.Suggestions)
	r.Get("/communications/{id}", h.GetCommunication)

	r.Post("/messages/{messageID}/audit-trail", h.CreateAuditTrail)
	r.Post("/messages/{messageID}/edits", h.RecordEdit)
	r.Get("/messages/{messageID}/edits", h.EditHistory)

	r.Post("/notifications/email", h.SendEmail)
	r.Post("/notifications/sms", h.SendSMS)

	r.Post("/webhooks/email", h.EmailWebhook)
	r.Post("/webhooks/sms", h.SMSWebhook)

	r.Post("/exports", h.CreateExport)
	r.Get("/exports/{jobID}", h.ExportStatus)
	r.Get("/exports/{jobID}/download", h.DownloadExport)
}

// LogCommunicationRequest is the body for POST /v1/communications.
type LogCommunicationRequest struct {
	OrderID           string          `json:"order_id"`
	OrganizationID    string          `json:"organization_id"`
	Type              string          `json:"type"`
	SenderID          string          `json:"sender_id"`
	RecipientEmail    *string         `json:"recipient_email,omitempty"`
	RecipientPhone    *string         `json:"recipient_phone,omitempty"`
	Subject           string          `json:"subject"`
	Content           string          `json:"content"`
	TemplateUsed      string          `json:"template_used"`
	ExternalMessageID *string         `json:"external_message_id,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
}

// LogCommunication handles POST /v1/communications
func (h *Handler) LogCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LogCommunicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Type != db.TypeEmail && req.Type != db.TypeSMS {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be email or sms")
		return
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order_id", "order_id must be a valid UUID")
		return
	}
	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid organization_id", "organization_id must be a valid UUID")
		return
	}
	senderID, err := uuid.Parse(req.SenderID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sender_id", "sender_id must be a valid UUID")
		return
	}

	comm := &db.CommunicationLog{
		OrderID:           orderID,
		OrganizationID:    orgID,
		Type:              req.Type,
		SenderID:          senderID,
		RecipientEmail:    req.RecipientEmail,
		RecipientPhone:    req.RecipientPhone,
		Subject:           req.Subject,
		Content:           req.Content,
		TemplateUsed:      req.TemplateUsed,
		ExternalMessageID: req.ExternalMessageID,
		Metadata:          req.Metadata,
	}

	stored, err := h.audit.LogCommunication(ctx, comm)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Unknown order", "order_id does not reference an existing order")
			return
		}
		h.logger.Error("failed to log communication", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to log communication", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, stored)
}

// GetCommunication handles GET /v1/communications/{id}
func (h *Handler) GetCommunication(w http.ResponseWriter, r *http.Request) {
	comm, err := h.audit.GetCommunication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Communication not found", "")
			return
		}
		h.logger.Error("failed to get communication", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get communication", "")
		return
	}

	h.writeJSON(w, http.StatusOK, comm)
}

// AuditTrailRequest is the body for POST /v1/messages/{messageID}/audit-trail.
type AuditTrailRequest struct {
	IPAddress *string `json:"ip_address,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
}

// CreateAuditTrail handles POST /v1/messages/{messageID}/audit-trail.
// Idempotent: an existing trail is returned unchanged.
func (h *Handler) CreateAuditTrail(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	var req AuditTrailRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	trail, err := h.audit.CreateMessageAuditTrail(r.Context(), messageID, req.IPAddress, req.UserAgent)
	if err != nil {
		h.logger.Error("failed to create audit trail", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create audit trail", "")
		return
	}

	h.writeJSON(w, http.StatusOK, trail)
}

// RecordEditRequest is the body for POST /v1/messages/{messageID}/edits.
type RecordEditRequest struct {
	EditedBy        string  `json:"edited_by"`
	PreviousContent string  `json:"previous_content"`
	ChangeReason    *string `json:"change_reason,omitempty"`
}

// RecordEdit handles POST /v1/messages/{messageID}/edits
func (h *Handler) RecordEdit(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	var req RecordEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	editedBy, err := uuid.Parse(req.EditedBy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid edited_by", "edited_by must be a valid UUID")
		return
	}

	edit, err := h.audit.RecordMessageEdit(r.Context(), messageID, editedBy, req.PreviousContent, req.ChangeReason)
	if err != nil {
		h.logger.Error("failed to record message edit", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record edit", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, edit)
}

// EditHistory handles GET /v1/messages/{messageID}/edits
func (h *Handler) EditHistory(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	edits, err := h.audit.GetMessageEditHistory(r.Context(), messageID)
	if err != nil {
		h.logger.Error("failed to get edit history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get edit history", "")
		return
	}
	if edits == nil {
		edits = []*db.MessageEdit{}
	}

	h.writeJSON(w, http.StatusOK, edits)
}

// parseFilter extracts the common communication filter from query params.
func parseFilter(r *http.Request) (db.CommunicationFilter, error) {
	var filter db.CommunicationFilter
	q := r.URL.Query()

	if v := q.Get("organization_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, errors.New("organization_id must be a valid UUID")
		}
		filter.OrganizationID = &id
	}
	if v := q.Get("order_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, errors.New("order_id must be a valid UUID")
		}
		filter.OrderID = &id
	}
	filter.Type = q.Get("type")
	filter.Status = q.Get("status")

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("from must be RFC3339")
		}
		filter.SentAfter = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("to must be RFC3339")
		}
		filter.SentBefore = &t
	}

	return filter, nil
}

// Search handles GET /v1/communications/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filter", err.Error())
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	resp, err := h.search.SearchWithRanking(r.Context(), search.Request{
		Filter:   filter,
		Term:     q.Get("q"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "search_error", "Search failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Facets handles GET /v1/communications/facets
func (h *Handler) Facets(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filter", err.Error())
		return
	}

	facets, err := h.search.Facets(r.Context(), filter)
	if err != nil {
		h.logger.Error("facet query failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "search_error", "Facet query failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, facets)
}

// Suggestions handles GET /v1/communications/suggestions
func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	values, err := h.search.Suggestions(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("suggestion query failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "search_error", "Suggestion query failed", "")
		return
	}
	if values == nil {
		values = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"suggestions": values})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
