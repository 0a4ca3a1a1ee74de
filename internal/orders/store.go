package orders

import (
	"context"
	"errors"

	"ordersaga/internal/orders/saga"

	"github.com/puzpuzpuz/xsync/v3"
)

// InMemoryOrderStore keeps orders in a concurrent map. Values are copied on
// the way in and out so callers never share item slices with the store.
type InMemoryOrderStore struct {
	orders *xsync.MapOf[string, saga.Order]
}

// NewInMemoryOrderStore constructs an empty store.
func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{orders: xsync.NewMapOf[string, saga.Order]()}
}

func (s *InMemoryOrderStore) Create(ctx context.Context, order saga.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.OrderID == "" {
		return errors.New("order id required")
	}
	if _, loaded := s.orders.LoadOrStore(order.OrderID, order.Clone()); loaded {
		return saga.ErrOrderExists
	}
	return nil
}

func (s *InMemoryOrderStore) UpdateStatus(ctx context.Context, orderID string, status saga.Status) error {
	return s.update(ctx, orderID, func(o *saga.Order) { o.Status = status })
}

func (s *InMemoryOrderStore) RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error {
	return s.update(ctx, orderID, func(o *saga.Order) { o.PaymentTransactionID = transactionID })
}

func (s *InMemoryOrderStore) Get(ctx context.Context, orderID string) (saga.Order, error) {
	if err := ctx.Err(); err != nil {
		return saga.Order{}, err
	}
	order, ok := s.orders.Load(orderID)
	if !ok {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// Len reports how many orders are stored.
func (s *InMemoryOrderStore) Len() int {
	return s.orders.Size()
}

func (s *InMemoryOrderStore) update(ctx context.Context, orderID string, mutate func(*saga.Order)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	found := false
	s.orders.Compute(orderID, func(old saga.Order, loaded bool) (saga.Order, bool) {
		if !loaded {
			return old, true
		}
		found = true
		next := old.Clone()
		mutate(&next)
		return next, false
	})
	if !found {
		return saga.ErrOrderNotFound
	}
	return nil
}
