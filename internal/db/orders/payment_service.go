package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresPaymentService records charges and refunds in Postgres. It stands
// in for a payment gateway: a charge is a row, a refund stamps it.
type PostgresPaymentService struct {
	db        *sql.DB
	maxCharge decimal.Decimal
	newID     func() string
}

// NewPostgresPaymentService constructs a PaymentService backed by Postgres.
// Charges above maxCharge are declined; zero disables the limit.
func NewPostgresPaymentService(db *sql.DB, maxCharge decimal.Decimal) *PostgresPaymentService {
	return &PostgresPaymentService{db: db, maxCharge: maxCharge, newID: uuid.NewString}
}

// NewPostgresPaymentServiceWithSchema initializes the schema then returns the service.
func NewPostgresPaymentServiceWithSchema(ctx context.Context, db *sql.DB, maxCharge decimal.Decimal) (*PostgresPaymentService, error) {
	svc := NewPostgresPaymentService(db, maxCharge)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PostgresPaymentService) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			transaction_id TEXT UNIQUE NOT NULL,
			customer_id TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ
		)
	`)
	return err
}

// ErrAlreadyCharged signals an order has already been charged.
var ErrAlreadyCharged = errors.New("order already charged")

// ErrNotCharged signals no charge matches the order and transaction.
var ErrNotCharged = errors.New("order not charged")

// ErrAlreadyRefunded signals the charge has already been refunded.
var ErrAlreadyRefunded = errors.New("order already refunded")

func (p *PostgresPaymentService) Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("order id required")
	}
	if !amount.IsPositive() || (!p.maxCharge.IsZero() && amount.GreaterThan(p.maxCharge)) {
		return "", nil
	}

	transactionID := p.newID()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, transaction_id, customer_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, transactionID, customerID, amount.String(),
	)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", ErrAlreadyCharged
	}
	return transactionID, nil
}

func (p *PostgresPaymentService) Refund(ctx context.Context, orderID string, transactionID string) error {
	if orderID == "" || transactionID == "" {
		return fmt.Errorf("order and transaction ids are required")
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET refunded_at = NOW()
		WHERE order_id = $1 AND transaction_id = $2 AND refunded_at IS NULL`,
		orderID, transactionID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var refunded bool
	row := p.db.QueryRowContext(ctx, `
		SELECT refunded_at IS NOT NULL FROM payments
		WHERE order_id = $1 AND transaction_id = $2`,
		orderID, transactionID,
	)
	switch err := row.Scan(&refunded); {
	case err == nil && refunded:
		return ErrAlreadyRefunded
	case err == nil, errors.Is(err, sql.ErrNoRows):
		return ErrNotCharged
	default:
		return err
	}
}
