package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommunicationLog is one durable record of an attempted outbound
// communication (email or SMS). Rows are never deleted; only the
// status-transition fields mutate after creation.
type CommunicationLog struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	OrganizationID    uuid.UUID       `json:"organization_id"`
	Type              string          `json:"type"`
	SenderID          uuid.UUID       `json:"sender_id"`
	RecipientEmail    *string         `json:"recipient_email,omitempty"`
	RecipientPhone    *string         `json:"recipient_phone,omitempty"`
	Subject           string          `json:"subject"`
	Content           string          `json:"content"`
	TemplateUsed      string          `json:"template_used"`
	DeliveryStatus    string          `json:"delivery_status"`
	ExternalMessageID *string         `json:"external_message_id,omitempty"`
	SentAt            time.Time       `json:"sent_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Communication type constants
const (
	TypeEmail = "email"
	TypeSMS   = "sms"
)

// Delivery status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
)

// StatusRank orders delivery statuses for the no-regression guard: a webhook
// carrying a lower-ranked status than the one already recorded does not move
// the communication backward.
func StatusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed, StatusBounced:
		return 4
	default:
		return -1
	}
}

// TerminalStatus reports whether a delivery status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == StatusFailed || status == StatusBounced
}

// Provider constants for delivery-log tagging
const (
	ProviderSendGrid = "SendGrid"
	ProviderTwilio   = "Twilio"
	ProviderInternal = "Internal"
	ProviderUnknown  = "Unknown"
)

// NotificationDeliveryLog holds the latest provider-reported delivery state
// for one external message id. One row per (communication, external id);
// subsequent webhooks update the row in place rather than appending.
type NotificationDeliveryLog struct {
	ID                 uuid.UUID       `json:"id"`
	CommunicationLogID uuid.UUID       `json:"communication_log_id"`
	Provider           string          `json:"provider"`
	ExternalID         string          `json:"external_id"`
	Status             string          `json:"status"`
	StatusDetails      *string         `json:"status_details,omitempty"`
	RawWebhookPayload  json.RawMessage `json:"raw_webhook_payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// MessageAuditTrail is forensic metadata for one chat-style message,
// created lazily on first edit or explicit request. 1:1 with the message.
type MessageAuditTrail struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageEdit is one historical revision of a message. Append-only.
type MessageEdit struct {
	ID              uuid.UUID `json:"id"`
	AuditTrailID    uuid.UUID `json:"audit_trail_id"`
	EditedAt        time.Time `json:"edited_at"`
	EditedBy        uuid.UUID `json:"edited_by"`
	PreviousContent string    `json:"previous_content"`
	ChangeReason    *string   `json:"change_reason,omitempty"`
}

// Export job status constants
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Export format constants
const (
	FormatCSV   = "csv"
	FormatExcel = "excel"
	FormatPDF   = "pdf"
)

// ExportJob tracks one asynchronous export. Job state lives in postgres so it
// is safe under concurrent access and survives process restarts.
type ExportJob struct {
	ID            uuid.UUID  `json:"id"`
	Format        string     `json:"format"`
	Status        string     `json:"status"`
	RequestedBy   uuid.UUID  `json:"requested_by"`
	EstimatedRows int        `json:"estimated_rows"`
	RecordCount   int        `json:"record_count"`
	FileName      string     `json:"file_name"`
	FileSize      int        `json:"file_size"`
	FileData      []byte     `json:"-"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
