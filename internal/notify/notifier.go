// Package notify is the outbound send path: it throttles SMS, transmits via
// the provider collaborators and records every attempt in the audit trail.
package notify

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/circuitbreaker"
	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/metrics"
)

// smsMaxLen caps the SMS body; longer messages are rejected before any side
// effect.
const smsMaxLen = 1600

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Throttle reserves one SMS send slot per user/phone pair.
type Throttle interface {
	Reserve(ctx context.Context, userID, phone string) (bool, error)
}

// AuditLog records a communication attempt after a successful send.
type AuditLog interface {
	LogCommunication(ctx context.Context, comm *db.CommunicationLog) (*db.CommunicationLog, error)
}

// EmailRequest is one outbound email.
type EmailRequest struct {
	OrderID        uuid.UUID
	OrganizationID uuid.UUID
	SenderID       uuid.UUID
	To             string
	Subject        string
	Body           string
	Template       string
}

// SMSRequest is one outbound SMS. UserID keys the per-user cooldown.
type SMSRequest struct {
	OrderID        uuid.UUID
	OrganizationID uuid.UUID
	SenderID       uuid.UUID
	UserID         uuid.UUID
	Phone          string
	Body           string
	Template       string
}

// SendResult reports the outcome of one send. Skipped is true when the rate
// limiter declined the send; that is not an error.
type SendResult struct {
	Communication *db.CommunicationLog
	Skipped       bool
	SkipReason    string
}

// Notifier orchestrates one send: throttle, transmit, audit. Audit-write
// failures are caught and logged here — the send itself has already
// succeeded and must not be failed retroactively by its audit side effect.
type Notifier struct {
	email    EmailSender
	sms      SMSSender
	throttle Throttle
	audit    AuditLog
	emailCB  *circuitbreaker.CircuitBreaker
	smsCB    *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewNotifier creates a notifier. throttle may be nil (SMS unthrottled) and
// either sender may be nil (channel disabled).
func NewNotifier(email EmailSender, sms SMSSender, throttle Throttle, audit AuditLog, logger *zap.Logger) *Notifier {
	return &Notifier{
		email:    email,
		sms:      sms,
		throttle: throttle,
		audit:    audit,
		emailCB:  circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger),
		smsCB:    circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger),
		logger:   logger,
	}
}

// SendEmail transmits one email and audits the attempt.
func (n *Notifier) SendEmail(ctx context.Context, req EmailRequest) (*SendResult, error) {
	if n.email == nil {
		return nil, fmt.Errorf("email channel disabled")
	}
	if req.To == "" {
		return nil, &ValidationError{Field: "to", Reason: "recipient email is required"}
	}
	if req.Subject == "" {
		return nil, &ValidationError{Field: "subject", Reason: "subject is required"}
	}

	if !n.emailCB.Allow() {
		return nil, fmt.Errorf("email service unavailable: %w", ErrProvider)
	}

	externalID, err := n.email.SendEmail(ctx, req.To, req.Subject, req.Body)
	if err != nil {
		n.emailCB.RecordFailure()
		n.logger.Error("email provider send failed", zap.Error(err), zap.String("to", req.To))
		return nil, fmt.Errorf("email send rejected by provider: %w", ErrProvider)
	}
	n.emailCB.RecordSuccess()

	comm := n.record(ctx, &db.CommunicationLog{
		OrderID:           req.OrderID,
		OrganizationID:    req.OrganizationID,
		Type:              db.TypeEmail,
		SenderID:          req.SenderID,
		RecipientEmail:    &req.To,
		Subject:           req.Subject,
		Content:           req.Body,
		TemplateUsed:      req.Template,
		DeliveryStatus:    db.StatusSent,
		ExternalMessageID: &externalID,
	})

	metrics.RecordCommunicationLogged(db.TypeEmail)

	return &SendResult{Communication: comm}, nil
}

// SendSMS reserves a throttle slot, transmits one SMS and audits the
// attempt. A throttled send returns a skipped result, not an error.
func (n *Notifier) SendSMS(ctx context.Context, req SMSRequest) (*SendResult, error) {
	if n.sms == nil {
		return nil, fmt.Errorf("sms channel disabled")
	}
	if !phonePattern.MatchString(req.Phone) {
		return nil, &ValidationError{Field: "phone", Reason: "malformed phone number"}
	}
	if req.Body == "" {
		return nil, &ValidationError{Field: "body", Reason: "message body is required"}
	}
	if len(req.Body) > smsMaxLen {
		return nil, &ValidationError{Field: "body", Reason: "message exceeds maximum length"}
	}

	if n.throttle != nil {
		allowed, err := n.throttle.Reserve(ctx, req.UserID.String(), req.Phone)
		if err != nil {
			// Fail open: a cache outage should not block customer SMS.
			n.logger.Warn("sms throttle unavailable, allowing send", zap.Error(err))
		} else if !allowed {
			metrics.RecordSMSThrottled()
			n.logger.Info("sms skipped by rate limit",
				zap.String("user_id", req.UserID.String()),
				zap.String("phone", req.Phone),
			)
			return &SendResult{Skipped: true, SkipReason: "rate limit exceeded"}, nil
		}
	}

	if !n.smsCB.Allow() {
		return nil, fmt.Errorf("sms service unavailable: %w", ErrProvider)
	}

	externalID, err := n.sms.SendSMS(ctx, req.Phone, req.Body)
	if err != nil {
		n.smsCB.RecordFailure()
		n.logger.Error("sms provider send failed", zap.Error(err), zap.String("phone", req.Phone))
		return nil, fmt.Errorf("sms send rejected by provider: %w", ErrProvider)
	}
	n.smsCB.RecordSuccess()

	comm := n.record(ctx, &db.CommunicationLog{
		OrderID:           req.OrderID,
		OrganizationID:    req.OrganizationID,
		Type:              db.TypeSMS,
		SenderID:          req.SenderID,
		RecipientPhone:    &req.Phone,
		Content:           req.Body,
		TemplateUsed:      req.Template,
		DeliveryStatus:    db.StatusSent,
		ExternalMessageID: &externalID,
	})

	metrics.RecordCommunicationLogged(db.TypeSMS)

	return &SendResult{Communication: comm}, nil
}

// record writes the audit row for a completed send. Failures are logged and
// swallowed; the message is already on the wire.
func (n *Notifier) record(ctx context.Context, comm *db.CommunicationLog) *db.CommunicationLog {
	stored, err := n.audit.LogCommunication(ctx, comm)
	if err != nil {
		n.logger.Error("audit write failed after successful send",
			zap.Error(err),
			zap.String("type", comm.Type),
			zap.String("external_message_id", strOrEmpty(comm.ExternalMessageID)),
		)
		return comm
	}
	return stored
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
