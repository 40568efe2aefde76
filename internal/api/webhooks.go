package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/metrics"
	"github.com/costumery/commsaudit/internal/reconcile"
)

// EmailEvent is one entry in an email provider's event batch.
type EmailEvent struct {
	Event             string `json:"event"`
	ExternalMessageID string `json:"externalMessageId"`
	RecipientEmail    string `json:"recipientEmail"`
	Timestamp         int64  `json:"timestampEpochSeconds"`
}

// WebhookResult summarizes one processed callback batch.
type WebhookResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// EmailWebhook handles POST /v1/webhooks/email. The provider posts a JSON
// array of events; a malformed individual event is skipped, not the batch.
// Reconciliation failures produce a 500 so the provider redelivers the batch;
// redelivery is safe because reconciliation is idempotent.
func (h *Handler) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var events []EmailEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed event batch", err.Error())
		return
	}

	var result WebhookResult
	for _, event := range events {
		if event.ExternalMessageID == "" {
			h.logger.Warn("email event missing external message id, skipping",
				zap.String("event", event.Event),
			)
			result.Skipped++
			continue
		}

		status, ok := reconcile.MapEmailEvent(event.Event)
		if !ok {
			result.Skipped++
			continue
		}

		raw, _ := json.Marshal(event)
		_, err := h.engine.UpdateDeliveryStatus(ctx, reconcile.Update{
			ExternalID: event.ExternalMessageID,
			Status:     status,
			Provider:   db.ProviderSendGrid,
			RawPayload: raw,
		})
		if err != nil {
			metrics.RecordWebhookFailure(db.ProviderSendGrid, failureReason(err))
			h.logger.Error("email event reconciliation failed",
				zap.Error(err),
				zap.String("external_message_id", event.ExternalMessageID),
			)
			result.Failed++
			continue
		}
		result.Processed++
	}

	if result.Failed > 0 {
		h.writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func failureReason(err error) string {
	if errors.Is(err, db.ErrNotFound) {
		return "unknown_message"
	}
	return "store_error"
}

// SMSCallback is a Twilio-style status callback for one message.
type SMSCallback struct {
	MessageSid    string `json:"messageSid"`
	MessageStatus string `json:"messageStatus"`
	To            string `json:"to"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// SMSWebhook handles POST /v1/webhooks/sms. One callback per request; a
// missing messageSid rejects the whole call.
func (h *Handler) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	var cb SMSCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed callback", err.Error())
		return
	}

	if cb.MessageSid == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing messageSid", "messageSid is required")
		return
	}

	status, ok := reconcile.MapSMSStatus(cb.MessageStatus)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown message status", cb.MessageStatus)
		return
	}

	raw, _ := json.Marshal(cb)
	_, err := h.engine.UpdateDeliveryStatus(r.Context(), reconcile.Update{
		ExternalID:    cb.MessageSid,
		Status:        status,
		StatusDetails: cb.ErrorMessage,
		Provider:      db.ProviderTwilio,
		RawPayload:    raw,
	})
	if err != nil {
		metrics.RecordWebhookFailure(db.ProviderTwilio, failureReason(err))
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Unknown message", "no communication matches this messageSid")
			return
		}
		h.logger.Error("sms callback reconciliation failed",
			zap.Error(err),
			zap.String("message_sid", cb.MessageSid),
		)
		h.writeError(w, http.StatusInternalServerError, "reconciliation_error", "Failed to reconcile callback", "")
		return
	}

	h.writeJSON(w, http.StatusOK, WebhookResult{Processed: 1})
}
