// Package audit implements the audit logging API: recording outbound
// communication attempts and the append-only edit history of messages.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
)

// CommunicationStore is the subset of the communication repository the audit
// service needs.
type CommunicationStore interface {
	CreateCommunication(ctx context.Context, comm *db.CommunicationLog) error
	GetCommunication(ctx context.Context, id string) (*db.CommunicationLog, error)
}

// TrailStore is the subset of the message audit repository the service needs.
type TrailStore interface {
	GetTrailByMessageID(ctx context.Context, messageID uuid.UUID) (*db.MessageAuditTrail, error)
	CreateTrail(ctx context.Context, trail *db.MessageAuditTrail) error
	CreateEdit(ctx context.Context, edit *db.MessageEdit) error
	ListEditsByMessageID(ctx context.Context, messageID uuid.UUID) ([]*db.MessageEdit, error)
}

// OrderLookup validates order references on log creation. The order service
// itself is an external collaborator.
type OrderLookup interface {
	OrderExists(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Service records communication attempts and message edit history.
type Service struct {
	comms  CommunicationStore
	trails TrailStore
	orders OrderLookup
	logger *zap.Logger
}

// NewService creates a new audit service.
func NewService(comms CommunicationStore, trails TrailStore, orders OrderLookup, logger *zap.Logger) *Service {
	return &Service{
		comms:  comms,
		trails: trails,
		orders: orders,
		logger: logger,
	}
}

// LogCommunication validates the referenced order, fills in id and sent_at
// when absent, persists the record and returns it.
func (s *Service) LogCommunication(ctx context.Context, comm *db.CommunicationLog) (*db.CommunicationLog, error) {
	exists, err := s.orders.OrderExists(ctx, comm.OrderID)
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("order %s: %w", comm.OrderID, db.ErrNotFound)
	}

	if comm.ID == uuid.Nil {
		comm.ID = uuid.New()
	}
	if comm.SentAt.IsZero() {
		comm.SentAt = time.Now().UTC()
	}
	if comm.DeliveryStatus == "" {
		comm.DeliveryStatus = db.StatusPending
	}

	if err := s.comms.CreateCommunication(ctx, comm); err != nil {
		return nil, err
	}

	return comm, nil
}

// GetCommunication returns one communication log entry by id.
func (s *Service) GetCommunication(ctx context.Context, id string) (*db.CommunicationLog, error) {
	return s.comms.GetCommunication(ctx, id)
}

// CreateMessageAuditTrail returns the existing trail for the message or
// creates one. Idempotent: calling it twice yields the same trail.
func (s *Service) CreateMessageAuditTrail(ctx context.Context, messageID uuid.UUID, ip, userAgent *string) (*db.MessageAuditTrail, error) {
	trail, err := s.trails.GetTrailByMessageID(ctx, messageID)
	if err == nil {
		return trail, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	trail = &db.MessageAuditTrail{
		ID:        uuid.New(),
		MessageID: messageID,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := s.trails.CreateTrail(ctx, trail); err != nil {
		// A concurrent caller may have created the trail first; the unique
		// index on message_id makes the re-read authoritative.
		if existing, getErr := s.trails.GetTrailByMessageID(ctx, messageID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}

	return trail, nil
}

// RecordMessageEdit lazily creates the audit trail for the message and
// appends one edit revision. The message's live content is never touched
// here; that stays with the caller.
func (s *Service) RecordMessageEdit(ctx context.Context, messageID, editedBy uuid.UUID, previousContent string, reason *string) (*db.MessageEdit, error) {
	trail, err := s.CreateMessageAuditTrail(ctx, messageID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ensure audit trail: %w", err)
	}

	edit := &db.MessageEdit{
		ID:              uuid.New(),
		AuditTrailID:    trail.ID,
		EditedAt:        time.Now().UTC(),
		EditedBy:        editedBy,
		PreviousContent: previousContent,
		ChangeReason:    reason,
	}
	if err := s.trails.CreateEdit(ctx, edit); err != nil {
		return nil, err
	}

	s.logger.Info("message edit recorded",
		zap.String("message_id", messageID.String()),
		zap.String("edited_by", editedBy.String()),
	)

	return edit, nil
}

// GetMessageEditHistory returns the message's edits ordered oldest-first.
func (s *Service) GetMessageEditHistory(ctx context.Context, messageID uuid.UUID) ([]*db.MessageEdit, error) {
	return s.trails.ListEditsByMessageID(ctx, messageID)
}
