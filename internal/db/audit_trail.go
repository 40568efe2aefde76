package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MessageAuditRepository handles database operations for message audit trails
// and their edit history.
type MessageAuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMessageAuditRepository creates a new message audit repository
func NewMessageAuditRepository(db *DB, logger *zap.Logger) *MessageAuditRepository {
	return &MessageAuditRepository{
		db:     db,
		logger: logger,
	}
}

// GetTrailByMessageID retrieves the audit trail for a message, if one exists.
func (r *MessageAuditRepository) GetTrailByMessageID(ctx context.Context, messageID uuid.UUID) (*MessageAuditTrail, error) {
	query := `
		SELECT id, message_id, ip_address, user_agent, created_at
		FROM message_audit_trails
		WHERE message_id = $1
	`

	var trail MessageAuditTrail
	err := r.db.Pool().QueryRow(ctx, query, messageID).Scan(
		&trail.ID,
		&trail.MessageID,
		&trail.IPAddress,
		&trail.UserAgent,
		&trail.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit trail for message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}

	return &trail, nil
}

// CreateTrail inserts a new audit trail row. The unique index on message_id
// keeps the trail 1:1 with its message.
func (r *MessageAuditRepository) CreateTrail(ctx context.Context, trail *MessageAuditTrail) error {
	query := `
		INSERT INTO message_audit_trails (id, message_id, ip_address, user_agent)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		trail.ID,
		trail.MessageID,
		trail.IPAddress,
		trail.UserAgent,
	).Scan(&trail.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create audit trail",
			zap.Error(err),
			zap.String("message_id", trail.MessageID.String()),
		)
		return fmt.Errorf("insert audit trail: %w", err)
	}

	r.logger.Info("message audit trail created",
		zap.String("trail_id", trail.ID.String()),
		zap.String("message_id", trail.MessageID.String()),
	)

	return nil
}

// CreateEdit appends an edit revision to a trail. Edits are never updated or
// deleted.
func (r *MessageAuditRepository) CreateEdit(ctx context.Context, edit *MessageEdit) error {
	query := `
		INSERT INTO message_edits (id, audit_trail_id, edited_at, edited_by, previous_content, change_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		edit.ID,
		edit.AuditTrailID,
		edit.EditedAt,
		edit.EditedBy,
		edit.PreviousContent,
		edit.ChangeReason,
	)
	if err != nil {
		r.logger.Error("failed to record message edit",
			zap.Error(err),
			zap.String("audit_trail_id", edit.AuditTrailID.String()),
		)
		return fmt.Errorf("insert message edit: %w", err)
	}

	return nil
}

// ListEditsByMessageID returns the edit history for a message ordered
// oldest-first.
func (r *MessageAuditRepository) ListEditsByMessageID(ctx context.Context, messageID uuid.UUID) ([]*MessageEdit, error) {
	query := `
		SELECT e.id, e.audit_trail_id, e.edited_at, e.edited_by, e.previous_content, e.change_reason
		FROM message_edits e
		JOIN message_audit_trails t ON t.id = e.audit_trail_id
		WHERE t.message_id = $1
		ORDER BY e.edited_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("query message edits: %w", err)
	}
	defer rows.Close()

	var edits []*MessageEdit
	for rows.Next() {
		var edit MessageEdit
		err := rows.Scan(
			&edit.ID,
			&edit.AuditTrailID,
			&edit.EditedAt,
			&edit.EditedBy,
			&edit.PreviousContent,
			&edit.ChangeReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message edit: %w", err)
		}
		edits = append(edits, &edit)
	}

	return edits, rows.Err()
}
