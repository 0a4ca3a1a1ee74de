package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"ordersaga/internal/orders/saga"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PostgresOrderStore persists orders in Postgres. Amounts are stored as
// NUMERIC and round-trip through decimal without loss.
type PostgresOrderStore struct {
	db *sqlx.DB
}

// NewPostgresOrderStore constructs an OrderDataStore backed by Postgres.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: sqlx.NewDb(db, "pgx")}
}

// NewPostgresOrderStoreWithSchema initializes the schema then returns the store.
func NewPostgresOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresOrderStore, error) {
	store := NewPostgresOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *PostgresOrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			items JSONB NOT NULL,
			total_amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			payment_transaction_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return errors.Wrap(err, "create orders table")
}

type orderRow struct {
	OrderID              string          `db:"order_id"`
	CustomerID           string          `db:"customer_id"`
	Items                []byte          `db:"items"`
	TotalAmount          decimal.Decimal `db:"total_amount"`
	Status               saga.Status     `db:"status"`
	PaymentTransactionID string          `db:"payment_transaction_id"`
}

func (s *PostgresOrderStore) Create(ctx context.Context, order saga.Order) error {
	if order.OrderID == "" {
		return errors.New("order id required")
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return errors.Wrap(err, "encode items")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, customer_id, items, total_amount, status, payment_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		order.OrderID, order.CustomerID, string(items), order.TotalAmount.String(), order.Status.String(), order.PaymentTransactionID,
	)
	if err != nil {
		return errors.Wrapf(err, "insert order %s", order.OrderID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrOrderExists
	}
	return nil
}

func (s *PostgresOrderStore) UpdateStatus(ctx context.Context, orderID string, status saga.Status) error {
	return s.update(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, status.String(),
	)
}

func (s *PostgresOrderStore) RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error {
	return s.update(ctx, `
		UPDATE orders
		SET payment_transaction_id = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, transactionID,
	)
}

func (s *PostgresOrderStore) Get(ctx context.Context, orderID string) (saga.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT order_id, customer_id, items, total_amount, status, payment_transaction_id
		FROM orders
		WHERE order_id = $1`,
		orderID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	if err != nil {
		return saga.Order{}, errors.Wrapf(err, "select order %s", orderID)
	}
	return row.order()
}

// ListByStatus returns up to limit orders in the given status, oldest first.
func (s *PostgresOrderStore) ListByStatus(ctx context.Context, status saga.Status, limit int) ([]saga.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT order_id, customer_id, items, total_amount, status, payment_transaction_id
		FROM orders
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		status.String(), limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "select orders in %s", status)
	}
	orders := make([]saga.Order, 0, len(rows))
	for _, row := range rows {
		order, err := row.order()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (s *PostgresOrderStore) update(ctx context.Context, query string, orderID string, value string) error {
	res, err := s.db.ExecContext(ctx, query, orderID, value)
	if err != nil {
		return errors.Wrapf(err, "update order %s", orderID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrOrderNotFound
	}
	return nil
}

func (r orderRow) order() (saga.Order, error) {
	order := saga.Order{
		OrderID:              r.OrderID,
		CustomerID:           r.CustomerID,
		TotalAmount:          r.TotalAmount,
		Status:               r.Status,
		PaymentTransactionID: r.PaymentTransactionID,
	}
	if err := json.Unmarshal(r.Items, &order.Items); err != nil {
		return saga.Order{}, errors.Wrapf(err, "decode items of order %s", r.OrderID)
	}
	return order, nil
}
