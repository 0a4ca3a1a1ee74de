package remote

import (
	"context"
	"net/http"

	"ordersaga/internal/orders/saga"

	"github.com/shopspring/decimal"
)

type decision struct {
	Approved bool `json:"approved"`
}

type creditRequest struct {
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// CustomerService reserves and releases customer credit.
//
//	POST /credit/reserve {customer_id, amount} -> {approved}
//	POST /credit/release {customer_id, amount}
type CustomerService struct{ c *Client }

func NewCustomerService(baseURL string, httpClient *http.Client) *CustomerService {
	return &CustomerService{c: NewClient(baseURL, httpClient)}
}

func (s *CustomerService) ValidateAndReserveCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error) {
	var out decision
	err := s.c.post(ctx, "/credit/reserve", creditRequest{CustomerID: customerID, Amount: amount}, &out)
	return out.Approved, err
}

func (s *CustomerService) ReleaseCredit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	return s.c.post(ctx, "/credit/release", creditRequest{CustomerID: customerID, Amount: amount}, nil)
}

type reservationRequest struct {
	OrderID string      `json:"order_id"`
	Items   []saga.Item `json:"items"`
}

// InventoryService holds and releases stock.
//
//	POST /reservations         {order_id, items} -> {approved}
//	POST /reservations/release {order_id, items}
type InventoryService struct{ c *Client }

func NewInventoryService(baseURL string, httpClient *http.Client) *InventoryService {
	return &InventoryService{c: NewClient(baseURL, httpClient)}
}

func (s *InventoryService) Reserve(ctx context.Context, orderID string, items []saga.Item) (bool, error) {
	var out decision
	err := s.c.post(ctx, "/reservations", reservationRequest{OrderID: orderID, Items: items}, &out)
	return out.Approved, err
}

func (s *InventoryService) Release(ctx context.Context, orderID string, items []saga.Item) error {
	return s.c.post(ctx, "/reservations/release", reservationRequest{OrderID: orderID, Items: items}, nil)
}

type paymentRequest struct {
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	CustomerID string          `json:"customer_id"`
}

type paymentResponse struct {
	TransactionID string `json:"transaction_id"`
}

type refundRequest struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// PaymentService charges and refunds. A declined charge comes back with an
// empty transaction_id.
//
//	POST /payments        {order_id, amount, customer_id} -> {transaction_id}
//	POST /payments/refund {order_id, transaction_id}
type PaymentService struct{ c *Client }

func NewPaymentService(baseURL string, httpClient *http.Client) *PaymentService {
	return &PaymentService{c: NewClient(baseURL, httpClient)}
}

func (s *PaymentService) Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	var out paymentResponse
	err := s.c.post(ctx, "/payments", paymentRequest{OrderID: orderID, Amount: amount, CustomerID: customerID}, &out)
	if err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

func (s *PaymentService) Refund(ctx context.Context, orderID string, transactionID string) error {
	return s.c.post(ctx, "/payments/refund", refundRequest{OrderID: orderID, TransactionID: transactionID}, nil)
}

type shipmentRequest struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id,omitempty"`
}

// ShippingService books and cancels shipments.
//
//	POST /shipments        {order_id, customer_id} -> {approved}
//	POST /shipments/cancel {order_id}
type ShippingService struct{ c *Client }

func NewShippingService(baseURL string, httpClient *http.Client) *ShippingService {
	return &ShippingService{c: NewClient(baseURL, httpClient)}
}

func (s *ShippingService) Arrange(ctx context.Context, orderID string, customerID string) (bool, error) {
	var out decision
	err := s.c.post(ctx, "/shipments", shipmentRequest{OrderID: orderID, CustomerID: customerID}, &out)
	return out.Approved, err
}

func (s *ShippingService) Cancel(ctx context.Context, orderID string) error {
	return s.c.post(ctx, "/shipments/cancel", shipmentRequest{OrderID: orderID}, nil)
}

var (
	_ saga.CustomerService  = (*CustomerService)(nil)
	_ saga.InventoryService = (*InventoryService)(nil)
	_ saga.PaymentService   = (*PaymentService)(nil)
	_ saga.ShippingService  = (*ShippingService)(nil)
)
