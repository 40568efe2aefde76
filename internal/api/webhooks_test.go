package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/costumery/commsaudit/internal/db"
)

func TestEmailWebhook_BatchProcessing(t *testing.T) {
	_, store, r := setupHandler(t)
	comm := store.seedCommunication("sendgrid-msg-1", db.StatusSent)

	events := []EmailEvent{
		{Event: "delivered", ExternalMessageID: "sendgrid-msg-1"},
		// missing id: skipped, not fatal
		{Event: "open", ExternalMessageID: ""},
		// unmapped event: skipped
		{Event: "click", ExternalMessageID: "sendgrid-msg-1"},
	}
	body, _ := json.Marshal(events)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/email", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result WebhookResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if result.Processed != 1 || result.Skipped != 2 || result.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if comm.DeliveryStatus != db.StatusDelivered {
		t.Fatalf("expected delivered, got %s", comm.DeliveryStatus)
	}
}

func TestEmailWebhook_UnknownMessageReturnsError(t *testing.T) {
	_, _, r := setupHandler(t)

	body, _ := json.Marshal([]EmailEvent{
		{Event: "delivered", ExternalMessageID: "sendgrid-unknown"},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/email", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// A failing event surfaces as an error response so the provider retries
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var result WebhookResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", result)
	}
}

func TestEmailWebhook_MalformedBody(t *testing.T) {
	_, _, r := setupHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/email", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEmailWebhook_TagsProvider(t *testing.T) {
	_, store, r := setupHandler(t)
	// External id without a recognizable prefix: provider must come from the
	// endpoint, not inference.
	store.seedCommunication("opaque-id-123", db.StatusSent)

	body, _ := json.Marshal([]EmailEvent{
		{Event: "delivered", ExternalMessageID: "opaque-id-123"},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/email", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(store.deliveryLogs) != 1 {
		t.Fatalf("expected one delivery log, got %d", len(store.deliveryLogs))
	}
	if store.deliveryLogs[0].Provider != db.ProviderSendGrid {
		t.Fatalf("expected SendGrid tag, got %s", store.deliveryLogs[0].Provider)
	}
}

func TestSMSWebhook_Reconciles(t *testing.T) {
	_, store, r := setupHandler(t)
	comm := store.seedCommunication("SM12345", db.StatusSent)

	body, _ := json.Marshal(SMSCallback{
		MessageSid:    "SM12345",
		MessageStatus: "delivered",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if comm.DeliveryStatus != db.StatusDelivered {
		t.Fatalf("expected delivered, got %s", comm.DeliveryStatus)
	}
}

func TestSMSWebhook_MissingSidRejectsCall(t *testing.T) {
	_, store, r := setupHandler(t)
	store.seedCommunication("SM12345", db.StatusSent)

	body, _ := json.Marshal(SMSCallback{MessageStatus: "delivered"})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(store.deliveryLogs) != 0 {
		t.Fatal("expected no reconciliation for a rejected call")
	}
}

func TestSMSWebhook_UnknownSidReturns404(t *testing.T) {
	_, _, r := setupHandler(t)

	body, _ := json.Marshal(SMSCallback{
		MessageSid:    "SM-unknown",
		MessageStatus: "delivered",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSMSWebhook_FailureReasonFromErrorMessage(t *testing.T) {
	_, store, r := setupHandler(t)
	comm := store.seedCommunication("SM999", db.StatusSent)

	body, _ := json.Marshal(SMSCallback{
		MessageSid:    "SM999",
		MessageStatus: "undelivered",
		ErrorMessage:  "carrier rejected",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if comm.DeliveryStatus != db.StatusFailed {
		t.Fatalf("expected failed, got %s", comm.DeliveryStatus)
	}
	if comm.FailureReason == nil || *comm.FailureReason != "carrier rejected" {
		t.Fatalf("expected failure reason, got %v", comm.FailureReason)
	}
}
