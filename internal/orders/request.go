package orders

import (
	"ordersaga/internal/orders/saga"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the inbound shape shared by the HTTP and gRPC
// entry points.
type PlaceOrderRequest struct {
	OrderID     string          `json:"order_id,omitempty"`
	CustomerID  string          `json:"customer_id"`
	Items       []ItemRequest   `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (r ItemRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProductID, validation.Required),
		validation.Field(&r.Quantity, validation.Required, validation.Min(1)),
	)
}

func (r PlaceOrderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.Items, validation.Required),
		validation.Field(&r.TotalAmount, validation.By(positiveAmount)),
	)
}

func positiveAmount(value any) error {
	amount, _ := value.(decimal.Decimal)
	if !amount.IsPositive() {
		return validation.NewError("validation_amount_positive", "must be greater than zero")
	}
	return nil
}

// Order converts the request into a fresh saga record.
func (r PlaceOrderRequest) Order() *saga.Order {
	items := make([]saga.Item, len(r.Items))
	for i, item := range r.Items {
		items[i] = saga.Item{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return &saga.Order{
		OrderID:     r.OrderID,
		CustomerID:  r.CustomerID,
		Items:       items,
		TotalAmount: r.TotalAmount,
	}
}
