package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderRepository answers order-existence checks against the shared orders
// table. Orders are owned by the order service; this subsystem only reads
// them to validate communication references.
type OrderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// OrderExists reports whether the order id references a known order.
func (r *OrderRepository) OrderExists(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("order existence check: %w", err)
	}
	return exists, nil
}
