package saga

import (
	"context"

	"github.com/shopspring/decimal"
)

// CustomerService reserves and releases customer credit.
type CustomerService interface {
	ValidateAndReserveCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error)
	ReleaseCredit(ctx context.Context, customerID string, amount decimal.Decimal) error
}

// InventoryService reserves and releases stock for an order.
type InventoryService interface {
	Reserve(ctx context.Context, orderID string, items []Item) (bool, error)
	Release(ctx context.Context, orderID string, items []Item) error
}

// PaymentService charges and refunds an order. Process returns an empty
// transaction id when the payment is declined.
type PaymentService interface {
	Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error)
	Refund(ctx context.Context, orderID string, transactionID string) error
}

// ShippingService arranges and cancels shipment of an order.
type ShippingService interface {
	Arrange(ctx context.Context, orderID string, customerID string) (bool, error)
	Cancel(ctx context.Context, orderID string) error
}

// OrderDataStore persists orders and their status transitions. Get returns
// ErrOrderNotFound when no record exists.
type OrderDataStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, orderID string, status Status) error
	Get(ctx context.Context, orderID string) (Order, error)
	RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error
}

// EventSink receives saga events.
type EventSink interface {
	Record(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}
