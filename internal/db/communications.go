package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const communicationColumns = `
	id, order_id, organization_id, type, sender_id,
	recipient_email, recipient_phone, subject, content, template_used,
	delivery_status, external_message_id, sent_at, delivered_at, read_at,
	failure_reason, metadata, created_at, updated_at`

// CommunicationRepository handles database operations for communication logs
// and their delivery logs.
type CommunicationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCommunicationRepository creates a new communication repository
func NewCommunicationRepository(db *DB, logger *zap.Logger) *CommunicationRepository {
	return &CommunicationRepository{
		db:     db,
		logger: logger,
	}
}

func scanCommunication(row pgx.Row, c *CommunicationLog) error {
	return row.Scan(
		&c.ID,
		&c.OrderID,
		&c.OrganizationID,
		&c.Type,
		&c.SenderID,
		&c.RecipientEmail,
		&c.RecipientPhone,
		&c.Subject,
		&c.Content,
		&c.TemplateUsed,
		&c.DeliveryStatus,
		&c.ExternalMessageID,
		&c.SentAt,
		&c.DeliveredAt,
		&c.ReadAt,
		&c.FailureReason,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
}

// CreateCommunication inserts a new communication log row
func (r *CommunicationRepository) CreateCommunication(ctx context.Context, comm *CommunicationLog) error {
	query := `
		INSERT INTO communication_logs (
			id, order_id, organization_id, type, sender_id,
			recipient_email, recipient_phone, subject, content, template_used,
			delivery_status, external_message_id, sent_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		comm.ID,
		comm.OrderID,
		comm.OrganizationID,
		comm.Type,
		comm.SenderID,
		comm.RecipientEmail,
		comm.RecipientPhone,
		comm.Subject,
		comm.Content,
		comm.TemplateUsed,
		comm.DeliveryStatus,
		comm.ExternalMessageID,
		comm.SentAt,
		comm.Metadata,
	).Scan(&comm.CreatedAt, &comm.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create communication log",
			zap.Error(err),
			zap.String("communication_id", comm.ID.String()),
		)
		return fmt.Errorf("insert communication log: %w", err)
	}

	r.logger.Info("communication logged",
		zap.String("communication_id", comm.ID.String()),
		zap.String("order_id", comm.OrderID.String()),
		zap.String("type", comm.Type),
	)

	return nil
}

// GetCommunication retrieves a communication log by ID
func (r *CommunicationRepository) GetCommunication(ctx context.Context, id string) (*CommunicationLog, error) {
	query := `SELECT ` + communicationColumns + ` FROM communication_logs WHERE id = $1`

	var comm CommunicationLog
	err := scanCommunication(r.db.Pool().QueryRow(ctx, query, id), &comm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("communication %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query communication log: %w", err)
	}

	return &comm, nil
}

// GetByExternalID retrieves the communication log joined to a provider
// message id. The external id is the sole reconciliation key.
func (r *CommunicationRepository) GetByExternalID(ctx context.Context, externalID string) (*CommunicationLog, error) {
	query := `SELECT ` + communicationColumns + ` FROM communication_logs WHERE external_message_id = $1`

	var comm CommunicationLog
	err := scanCommunication(r.db.Pool().QueryRow(ctx, query, externalID), &comm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("external message id %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query communication by external id: %w", err)
	}

	return &comm, nil
}

// ListFiltered retrieves communication logs matching the filter ordered by
// sent_at descending, with limit/offset pagination.
func (r *CommunicationRepository) ListFiltered(ctx context.Context, filter CommunicationFilter, limit, offset int) ([]*CommunicationLog, error) {
	where, args := filter.whereClause()
	query := fmt.Sprintf(
		`SELECT %s FROM communication_logs WHERE %s ORDER BY sent_at DESC LIMIT $%d OFFSET $%d`,
		communicationColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query communication logs: %w", err)
	}
	defer rows.Close()

	var comms []*CommunicationLog
	for rows.Next() {
		var comm CommunicationLog
		if err := scanCommunication(rows, &comm); err != nil {
			return nil, fmt.Errorf("scan communication log: %w", err)
		}
		comms = append(comms, &comm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return comms, nil
}

// CountFiltered returns the number of rows matching the filter. Used for
// export size estimation and search pagination totals.
func (r *CommunicationRepository) CountFiltered(ctx context.Context, filter CommunicationFilter) (int, error) {
	where, args := filter.whereClause()
	query := fmt.Sprintf(`SELECT count(*) FROM communication_logs WHERE %s`, where)

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count communication logs: %w", err)
	}
	return count, nil
}

// ApplyDeliveryUpdate persists a reconciled status transition and the matching
// delivery-log upsert in a single transaction. The delivery log is keyed on
// (communication_log_id, external_id), so a duplicate webhook updates the
// existing row instead of appending a second one.
func (r *CommunicationRepository) ApplyDeliveryUpdate(ctx context.Context, comm *CommunicationLog, dlog *NotificationDeliveryLog) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateQuery := `
		UPDATE communication_logs
		SET delivery_status = $1, delivered_at = $2, read_at = $3,
		    failure_reason = $4, updated_at = NOW()
		WHERE id = $5
	`
	result, err := tx.Exec(ctx, updateQuery,
		comm.DeliveryStatus,
		comm.DeliveredAt,
		comm.ReadAt,
		comm.FailureReason,
		comm.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("communication %s: %w", comm.ID, ErrNotFound)
	}

	upsertQuery := `
		INSERT INTO notification_delivery_logs (
			id, communication_log_id, provider, external_id,
			status, status_details, raw_webhook_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (communication_log_id, external_id) DO UPDATE
		SET status = EXCLUDED.status,
		    status_details = EXCLUDED.status_details,
		    raw_webhook_payload = EXCLUDED.raw_webhook_payload,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, upsertQuery,
		dlog.ID,
		dlog.CommunicationLogID,
		dlog.Provider,
		dlog.ExternalID,
		dlog.Status,
		dlog.StatusDetails,
		dlog.RawWebhookPayload,
	).Scan(&dlog.ID, &dlog.CreatedAt, &dlog.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert delivery log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("delivery status reconciled",
		zap.String("communication_id", comm.ID.String()),
		zap.String("external_id", dlog.ExternalID),
		zap.String("status", comm.DeliveryStatus),
		zap.String("provider", dlog.Provider),
	)

	return nil
}

// GetDeliveryLog retrieves the delivery log for one external id.
func (r *CommunicationRepository) GetDeliveryLog(ctx context.Context, externalID string) (*NotificationDeliveryLog, error) {
	query := `
		SELECT id, communication_log_id, provider, external_id,
		       status, status_details, raw_webhook_payload, created_at, updated_at
		FROM notification_delivery_logs
		WHERE external_id = $1
	`

	var dlog NotificationDeliveryLog
	err := r.db.Pool().QueryRow(ctx, query, externalID).Scan(
		&dlog.ID,
		&dlog.CommunicationLogID,
		&dlog.Provider,
		&dlog.ExternalID,
		&dlog.Status,
		&dlog.StatusDetails,
		&dlog.RawWebhookPayload,
		&dlog.CreatedAt,
		&dlog.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery log %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}

	return &dlog, nil
}

// FacetByColumn groups the filtered set by one column and returns the top-N
// buckets. column must be one of the fixed facet columns; it is interpolated,
// never taken from user input.
func (r *CommunicationRepository) facetBy(ctx context.Context, expr string, filter CommunicationFilter, topN int) ([]FacetCount, error) {
	where, args := filter.whereClause()
	query := fmt.Sprintf(`
		SELECT %s AS bucket, count(*) AS n
		FROM communication_logs
		WHERE %s
		GROUP BY bucket
		ORDER BY n DESC
		LIMIT $%d
	`, expr, where, len(args)+1)
	args = append(args, topN)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("facet query: %w", err)
	}
	defer rows.Close()

	var facets []FacetCount
	for rows.Next() {
		var f FacetCount
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			return nil, fmt.Errorf("scan facet: %w", err)
		}
		facets = append(facets, f)
	}

	return facets, rows.Err()
}

// FacetByType groups the filtered set by communication type.
func (r *CommunicationRepository) FacetByType(ctx context.Context, filter CommunicationFilter, topN int) ([]FacetCount, error) {
	return r.facetBy(ctx, "type", filter, topN)
}

// FacetByStatus groups the filtered set by delivery status.
func (r *CommunicationRepository) FacetByStatus(ctx context.Context, filter CommunicationFilter, topN int) ([]FacetCount, error) {
	return r.facetBy(ctx, "delivery_status", filter, topN)
}

// FacetByTemplate groups the filtered set by template name.
func (r *CommunicationRepository) FacetByTemplate(ctx context.Context, filter CommunicationFilter, topN int) ([]FacetCount, error) {
	return r.facetBy(ctx, "template_used", filter, topN)
}

// FacetByMonth groups the filtered set by sent-month (YYYY-MM).
func (r *CommunicationRepository) FacetByMonth(ctx context.Context, filter CommunicationFilter, topN int) ([]FacetCount, error) {
	return r.facetBy(ctx, "to_char(sent_at, 'YYYY-MM')", filter, topN)
}

// Suggestions returns up to limit distinct subject, template and type values
// containing the partial term, for autocomplete.
func (r *CommunicationRepository) Suggestions(ctx context.Context, partial string, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT v FROM (
			SELECT subject AS v FROM communication_logs WHERE subject ILIKE $1
			UNION
			SELECT template_used FROM communication_logs WHERE template_used ILIKE $1
			UNION
			SELECT type FROM communication_logs WHERE type ILIKE $1
		) candidates
		WHERE v <> ''
		ORDER BY v
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, "%"+partial+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("suggestions query: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		values = append(values, v)
	}

	return values, rows.Err()
}
