package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/notify"
)

// SendEmailRequest is the body for POST /v1/notifications/email.
type SendEmailRequest struct {
	OrderID        string `json:"order_id"`
	OrganizationID string `json:"organization_id"`
	SenderID       string `json:"sender_id"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Template       string `json:"template,omitempty"`
}

// SendEmail handles POST /v1/notifications/email
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_disabled", "Email sending is not configured", "")
		return
	}

	var req SendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ids, ok := h.parseSendIDs(w, req.OrderID, req.OrganizationID, req.SenderID)
	if !ok {
		return
	}

	result, err := h.notifier.SendEmail(r.Context(), notify.EmailRequest{
		OrderID:        ids.order,
		OrganizationID: ids.org,
		SenderID:       ids.sender,
		To:             req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		Template:       req.Template,
	})
	if err != nil {
		h.writeSendError(w, err, "email")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// SendSMSRequest is the body for POST /v1/notifications/sms.
type SendSMSRequest struct {
	OrderID        string `json:"order_id"`
	OrganizationID string `json:"organization_id"`
	SenderID       string `json:"sender_id"`
	UserID         string `json:"user_id"`
	Phone          string `json:"phone"`
	Body           string `json:"body"`
	Template       string `json:"template,omitempty"`
}

// SendSMS handles POST /v1/notifications/sms. A rate-limited send returns
// 200 with a skipped result; the caller decides whether to retry later.
func (h *Handler) SendSMS(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_disabled", "SMS sending is not configured", "")
		return
	}

	var req SendSMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ids, ok := h.parseSendIDs(w, req.OrderID, req.OrganizationID, req.SenderID)
	if !ok {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	result, err := h.notifier.SendSMS(r.Context(), notify.SMSRequest{
		OrderID:        ids.order,
		OrganizationID: ids.org,
		SenderID:       ids.sender,
		UserID:         userID,
		Phone:          req.Phone,
		Body:           req.Body,
		Template:       req.Template,
	})
	if err != nil {
		h.writeSendError(w, err, "sms")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type sendIDs struct {
	order  uuid.UUID
	org    uuid.UUID
	sender uuid.UUID
}

func (h *Handler) parseSendIDs(w http.ResponseWriter, orderID, orgID, senderID string) (sendIDs, bool) {
	var ids sendIDs
	var err error
	if ids.order, err = uuid.Parse(orderID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order_id", "order_id must be a valid UUID")
		return ids, false
	}
	if ids.org, err = uuid.Parse(orgID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid organization_id", "organization_id must be a valid UUID")
		return ids, false
	}
	if ids.sender, err = uuid.Parse(senderID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sender_id", "sender_id must be a valid UUID")
		return ids, false
	}
	return ids, true
}

func (h *Handler) writeSendError(w http.ResponseWriter, err error, channel string) {
	var validation *notify.ValidationError
	if errors.As(err, &validation) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send request", validation.Error())
		return
	}
	if errors.Is(err, notify.ErrProvider) {
		h.writeError(w, http.StatusBadGateway, "provider_error", "Provider rejected the send", "")
		return
	}
	h.logger.Error("send failed", zap.Error(err), zap.String("channel", channel))
	h.writeError(w, http.StatusInternalServerError, "send_error", "Failed to send", "")
}
