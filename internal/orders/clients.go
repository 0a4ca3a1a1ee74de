package orders

import (
	"context"
	"errors"
	"slices"
	"sync"

	"ordersaga/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrReleaseExceedsReserved signals a credit release larger than what is held.
	ErrReleaseExceedsReserved = errors.New("release exceeds reserved credit")
	// ErrNoReservation signals an inventory release for an unknown order.
	ErrNoReservation = errors.New("no inventory reservation for order")
	// ErrRefundWithoutCharge signals a refund for an order that was never charged.
	ErrRefundWithoutCharge = errors.New("refund without charge")
	// ErrAlreadyRefunded signals a second refund of the same charge.
	ErrAlreadyRefunded = errors.New("payment already refunded")
	// ErrTransactionMismatch signals a refund naming another transaction.
	ErrTransactionMismatch = errors.New("transaction id does not match charge")
	// ErrNoShipment signals a cancel for an order with no shipment.
	ErrNoShipment = errors.New("no shipment for order")
)

// NewInMemoryCustomerService constructs a credit ledger where every customer
// starts with defaultCredit available.
func NewInMemoryCustomerService(defaultCredit decimal.Decimal) *InMemoryCustomerService {
	return &InMemoryCustomerService{
		defaultCredit: defaultCredit,
		available:     make(map[string]decimal.Decimal),
		reserved:      make(map[string]decimal.Decimal),
	}
}

// InMemoryCustomerService tracks available and reserved credit in memory.
type InMemoryCustomerService struct {
	mu            sync.Mutex
	defaultCredit decimal.Decimal
	available     map[string]decimal.Decimal
	reserved      map[string]decimal.Decimal
}

// SetCredit overrides the available credit of a customer.
func (c *InMemoryCustomerService) SetCredit(customerID string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available[customerID] = amount
}

func (c *InMemoryCustomerService) ValidateAndReserveCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if customerID == "" || !amount.IsPositive() {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	available := c.availableLocked(customerID)
	if available.LessThan(amount) {
		return false, nil
	}
	c.available[customerID] = available.Sub(amount)
	c.reserved[customerID] = c.reserved[customerID].Add(amount)
	return true, nil
}

func (c *InMemoryCustomerService) ReleaseCredit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	reserved := c.reserved[customerID]
	if reserved.LessThan(amount) {
		return ErrReleaseExceedsReserved
	}
	c.reserved[customerID] = reserved.Sub(amount)
	c.available[customerID] = c.availableLocked(customerID).Add(amount)
	return nil
}

// Available returns the credit a customer can still reserve.
func (c *InMemoryCustomerService) Available(customerID string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableLocked(customerID)
}

// Reserved returns the credit currently held for a customer.
func (c *InMemoryCustomerService) Reserved(customerID string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved[customerID]
}

func (c *InMemoryCustomerService) availableLocked(customerID string) decimal.Decimal {
	if v, ok := c.available[customerID]; ok {
		return v
	}
	return c.defaultCredit
}

// NewInMemoryInventoryService constructs a stock ledger where unknown products
// start with defaultStock units.
func NewInMemoryInventoryService(defaultStock int) *InMemoryInventoryService {
	return &InMemoryInventoryService{
		defaultStock: defaultStock,
		stock:        make(map[string]int),
		reservations: make(map[string][]saga.Item),
	}
}

// InMemoryInventoryService tracks stock and per-order reservations.
type InMemoryInventoryService struct {
	mu           sync.Mutex
	defaultStock int
	stock        map[string]int
	reservations map[string][]saga.Item
}

func (s *InMemoryInventoryService) SetStock(productID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = quantity
}

// Reserve holds every item of the order or none of them.
func (s *InMemoryInventoryService) Reserve(ctx context.Context, orderID string, items []saga.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[orderID]; ok {
		return false, nil
	}

	need := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return false, nil
		}
		need[item.ProductID] += item.Quantity
	}
	for productID, qty := range need {
		if s.stockLocked(productID) < qty {
			return false, nil
		}
	}
	for productID, qty := range need {
		s.stock[productID] = s.stockLocked(productID) - qty
	}
	s.reservations[orderID] = slices.Clone(items)
	return true, nil
}

func (s *InMemoryInventoryService) Release(ctx context.Context, orderID string, items []saga.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[orderID]; !ok {
		return ErrNoReservation
	}
	for _, item := range items {
		s.stock[item.ProductID] = s.stockLocked(item.ProductID) + item.Quantity
	}
	delete(s.reservations, orderID)
	return nil
}

// Stock returns the units of a product not held by any reservation.
func (s *InMemoryInventoryService) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stockLocked(productID)
}

// Reservation returns the items held for an order, if any.
func (s *InMemoryInventoryService) Reservation(orderID string) ([]saga.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.reservations[orderID]
	return slices.Clone(items), ok
}

func (s *InMemoryInventoryService) stockLocked(productID string) int {
	if v, ok := s.stock[productID]; ok {
		return v
	}
	return s.defaultStock
}

type charge struct {
	transactionID string
	amount        decimal.Decimal
	refunded      bool
}

// NewInMemoryPaymentService constructs a payment ledger that declines charges
// above maxCharge. A zero maxCharge accepts any positive amount.
func NewInMemoryPaymentService(maxCharge decimal.Decimal) *InMemoryPaymentService {
	return &InMemoryPaymentService{
		maxCharge: maxCharge,
		charges:   make(map[string]*charge),
		newID:     uuid.NewString,
	}
}

// InMemoryPaymentService tracks charges and refunds in memory.
type InMemoryPaymentService struct {
	mu        sync.Mutex
	maxCharge decimal.Decimal
	charges   map[string]*charge
	newID     func() string
}

func (p *InMemoryPaymentService) Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() || (!p.maxCharge.IsZero() && amount.GreaterThan(p.maxCharge)) {
		return "", nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.charges[orderID]; ok {
		return "", nil
	}
	id := p.newID()
	p.charges[orderID] = &charge{transactionID: id, amount: amount}
	return id, nil
}

func (p *InMemoryPaymentService) Refund(ctx context.Context, orderID string, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[orderID]
	switch {
	case !ok:
		return ErrRefundWithoutCharge
	case c.transactionID != transactionID:
		return ErrTransactionMismatch
	case c.refunded:
		return ErrAlreadyRefunded
	}
	c.refunded = true
	return nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (p *InMemoryPaymentService) WasCharged(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.charges[orderID]
	return ok
}

// WasRefunded reports whether an order was refunded (for testing/inspection).
func (p *InMemoryPaymentService) WasRefunded(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[orderID]
	return ok && c.refunded
}

// NewInMemoryShippingService constructs an in-memory shipment registry.
func NewInMemoryShippingService() *InMemoryShippingService {
	return &InMemoryShippingService{
		shipments: make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

// InMemoryShippingService tracks arranged and cancelled shipments.
type InMemoryShippingService struct {
	mu        sync.Mutex
	shipments map[string]string
	cancelled map[string]bool
}

// Arrange books a shipment for the order. An order already booked for a
// different customer is declined.
func (s *InMemoryShippingService) Arrange(ctx context.Context, orderID string, customerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.shipments[orderID]; ok {
		return existing == customerID, nil
	}
	s.shipments[orderID] = customerID
	delete(s.cancelled, orderID)
	return true, nil
}

func (s *InMemoryShippingService) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[orderID]; !ok {
		return ErrNoShipment
	}
	delete(s.shipments, orderID)
	s.cancelled[orderID] = true
	return nil
}

// Shipment returns the customer an order ships to, if arranged.
func (s *InMemoryShippingService) Shipment(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customerID, ok := s.shipments[orderID]
	return customerID, ok
}

// WasCancelled reports whether a shipment was cancelled.
func (s *InMemoryShippingService) WasCancelled(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[orderID]
}
