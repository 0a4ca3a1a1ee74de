package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoShipment signals a cancel for an order without an active shipment.
var ErrNoShipment = errors.New("no active shipment for order")

// PostgresShippingService books shipments in Postgres.
type PostgresShippingService struct {
	db *sql.DB
}

// NewPostgresShippingService constructs a ShippingService backed by Postgres.
func NewPostgresShippingService(db *sql.DB) *PostgresShippingService {
	return &PostgresShippingService{db: db}
}

// NewPostgresShippingServiceWithSchema initializes the schema then returns the service.
func NewPostgresShippingServiceWithSchema(ctx context.Context, db *sql.DB) (*PostgresShippingService, error) {
	svc := NewPostgresShippingService(db)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the shipments table if it does not exist.
func (s *PostgresShippingService) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shipments (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			arranged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancelled_at TIMESTAMPTZ
		)
	`)
	return err
}

// Arrange books a shipment. A cancelled shipment can be booked again; an
// active one is accepted only for the same customer.
func (s *PostgresShippingService) Arrange(ctx context.Context, orderID string, customerID string) (bool, error) {
	if orderID == "" || customerID == "" {
		return false, fmt.Errorf("order and customer ids are required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shipments (order_id, customer_id) VALUES ($1, $2)
		ON CONFLICT (order_id) DO UPDATE
		SET customer_id = EXCLUDED.customer_id, arranged_at = NOW(), cancelled_at = NULL
		WHERE shipments.cancelled_at IS NOT NULL`,
		orderID, customerID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var existing string
	row := s.db.QueryRowContext(ctx, `SELECT customer_id FROM shipments WHERE order_id = $1`, orderID)
	switch err := row.Scan(&existing); {
	case err == nil:
		return existing == customerID, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("shipment not found after insert")
	default:
		return false, err
	}
}

func (s *PostgresShippingService) Cancel(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shipments SET cancelled_at = NOW()
		WHERE order_id = $1 AND cancelled_at IS NULL`,
		orderID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoShipment
	}
	return nil
}
