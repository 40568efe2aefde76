// Package reconcile consumes provider delivery callbacks and reconciles them
// against the communication audit trail.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/metrics"
)

// ErrInvalidStatus is returned when a webhook carries a status outside the
// known state machine.
var ErrInvalidStatus = errors.New("invalid delivery status")

// Store is the subset of the communication repository the engine needs.
type Store interface {
	GetByExternalID(ctx context.Context, externalID string) (*db.CommunicationLog, error)
	ApplyDeliveryUpdate(ctx context.Context, comm *db.CommunicationLog, dlog *db.NotificationDeliveryLog) error
}

// EventPublisher receives a status-change event after each successful
// reconciliation. Publishing is best-effort.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, event StatusEvent) error
}

// StatusEvent describes one reconciled status transition for downstream
// consumers.
type StatusEvent struct {
	CommunicationID string `json:"communication_id"`
	ExternalID      string `json:"external_id"`
	OldStatus       string `json:"old_status"`
	NewStatus       string `json:"new_status"`
	Provider        string `json:"provider"`
	OccurredAt      int64  `json:"occurred_at"`
}

// Update is one provider callback to reconcile. Provider is the identity
// tagged by the receiving webhook endpoint; when empty it is inferred from
// the external id's prefix.
type Update struct {
	ExternalID    string
	Status        string
	StatusDetails string
	Provider      string
	RawPayload    json.RawMessage
}

// Engine maps provider callbacks onto the audit store.
//
// Statuses never regress: a callback ranked below the recorded status (for
// example a late "delivered" after "read") updates only the delivery log's
// provider snapshot, not the communication. Failed and bounced are terminal.
type Engine struct {
	store     Store
	publisher EventPublisher
	logger    *zap.Logger
}

// NewEngine creates a reconciliation engine. publisher may be nil.
func NewEngine(store Store, publisher EventPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// UpdateDeliveryStatus applies one provider callback: it looks up the
// communication by external message id, advances its status and timestamps,
// and upserts the delivery log row — both writes in one transaction.
// Exact-duplicate callbacks re-apply the same values and touch the same
// delivery-log row, so the operation is idempotent.
func (e *Engine) UpdateDeliveryStatus(ctx context.Context, update Update) (*db.CommunicationLog, error) {
	if db.StatusRank(update.Status) < 0 {
		return nil, fmt.Errorf("status %q: %w", update.Status, ErrInvalidStatus)
	}

	comm, err := e.store.GetByExternalID(ctx, update.ExternalID)
	if err != nil {
		return nil, err
	}

	oldStatus := comm.DeliveryStatus
	now := time.Now().UTC()

	advance := db.StatusRank(update.Status) >= db.StatusRank(oldStatus) &&
		!db.TerminalStatus(oldStatus)
	if advance {
		comm.DeliveryStatus = update.Status
		switch update.Status {
		case db.StatusDelivered:
			if comm.DeliveredAt == nil {
				comm.DeliveredAt = &now
			}
		case db.StatusRead:
			if comm.ReadAt == nil {
				comm.ReadAt = &now
			}
			// Providers sometimes skip the delivered event; backfill it with
			// the read timestamp so both mark the same instant.
			if comm.DeliveredAt == nil {
				comm.DeliveredAt = comm.ReadAt
			}
		case db.StatusFailed, db.StatusBounced:
			if update.StatusDetails != "" {
				details := update.StatusDetails
				comm.FailureReason = &details
			}
		}
	} else {
		e.logger.Debug("ignoring regressive delivery status",
			zap.String("external_id", update.ExternalID),
			zap.String("recorded_status", oldStatus),
			zap.String("webhook_status", update.Status),
		)
	}

	provider := update.Provider
	if provider == "" {
		provider = InferProvider(update.ExternalID)
	}

	dlog := &db.NotificationDeliveryLog{
		ID:                 uuid.New(),
		CommunicationLogID: comm.ID,
		Provider:           provider,
		ExternalID:         update.ExternalID,
		Status:             update.Status,
		RawWebhookPayload:  update.RawPayload,
	}
	if update.StatusDetails != "" {
		details := update.StatusDetails
		dlog.StatusDetails = &details
	}

	if err := e.store.ApplyDeliveryUpdate(ctx, comm, dlog); err != nil {
		return nil, err
	}

	metrics.RecordWebhookReconciled(provider, update.Status)

	if e.publisher != nil && advance && comm.DeliveryStatus != oldStatus {
		event := StatusEvent{
			CommunicationID: comm.ID.String(),
			ExternalID:      update.ExternalID,
			OldStatus:       oldStatus,
			NewStatus:       comm.DeliveryStatus,
			Provider:        provider,
			OccurredAt:      now.Unix(),
		}
		if err := e.publisher.PublishStatusChange(ctx, event); err != nil {
			e.logger.Warn("failed to publish status change event",
				zap.Error(err),
				zap.String("communication_id", comm.ID.String()),
			)
		}
	}

	return comm, nil
}

// InferProvider derives the provider identity from an external message id's
// literal prefix. Fallback only: the webhook endpoints tag the provider they
// serve explicitly.
func InferProvider(externalID string) string {
	lower := strings.ToLower(externalID)
	switch {
	case strings.HasPrefix(lower, "sendgrid-"), strings.HasPrefix(lower, "sg-"):
		return db.ProviderSendGrid
	case strings.HasPrefix(lower, "twilio-"), strings.HasPrefix(externalID, "SM"):
		return db.ProviderTwilio
	case strings.HasPrefix(lower, "internal-"):
		return db.ProviderInternal
	default:
		return db.ProviderUnknown
	}
}

// MapEmailEvent translates an email-provider event name to a delivery
// status. The second return is false for events the audit trail ignores.
func MapEmailEvent(event string) (string, bool) {
	switch strings.ToLower(event) {
	case "processed", "sent":
		return db.StatusSent, true
	case "delivered":
		return db.StatusDelivered, true
	case "open", "opened":
		return db.StatusRead, true
	case "bounce", "dropped":
		return db.StatusFailed, true
	default:
		return "", false
	}
}

// MapSMSStatus translates an SMS-provider message status to a delivery
// status.
func MapSMSStatus(messageStatus string) (string, bool) {
	switch strings.ToLower(messageStatus) {
	case "queued", "accepted", "sending", "sent":
		return db.StatusSent, true
	case "delivered":
		return db.StatusDelivered, true
	case "read":
		return db.StatusRead, true
	case "undelivered", "failed":
		return db.StatusFailed, true
	default:
		return "", false
	}
}
