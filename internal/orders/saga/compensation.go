package saga

import (
	"iter"
	"slices"

	"github.com/shopspring/decimal"
)

// Compensation is a deferred undo of one successful forward step. It carries
// the exact arguments of the forward call; which fields are set depends on
// Step.
type Compensation struct {
	Step          StepKind
	OrderID       string
	CustomerID    string
	Amount        decimal.Decimal
	Items         []Item
	TransactionID string
}

// ReleaseCredit undoes a credit reservation of amount for customerID.
func ReleaseCredit(customerID string, amount decimal.Decimal) Compensation {
	return Compensation{Step: StepCustomerCredit, CustomerID: customerID, Amount: amount}
}

// ReleaseInventory undoes the stock hold of an order. items is copied.
func ReleaseInventory(orderID string, items []Item) Compensation {
	return Compensation{Step: StepInventoryReservation, OrderID: orderID, Items: slices.Clone(items)}
}

// RefundPayment undoes the charge identified by transactionID.
func RefundPayment(orderID, transactionID string) Compensation {
	return Compensation{Step: StepPayment, OrderID: orderID, TransactionID: transactionID}
}

// CancelShipping undoes the shipment booked for an order.
func CancelShipping(orderID string) Compensation {
	return Compensation{Step: StepShipping, OrderID: orderID}
}

// CompensationStack is a LIFO of pending compensations owned by a single saga
// run. It is not safe for concurrent use.
type CompensationStack struct {
	entries []Compensation
}

// Push records c as the most recent compensation.
func (s *CompensationStack) Push(c Compensation) {
	s.entries = append(s.entries, c)
}

// Pop removes and returns the most recently pushed entry.
func (s *CompensationStack) Pop() (Compensation, bool) {
	if len(s.entries) == 0 {
		return Compensation{}, false
	}
	last := len(s.entries) - 1
	c := s.entries[last]
	s.entries[last] = Compensation{}
	s.entries = s.entries[:last]
	return c, true
}

func (s *CompensationStack) Len() int {
	return len(s.entries)
}

// Steps lists the pending step kinds, most recent first.
func (s *CompensationStack) Steps() []StepKind {
	steps := make([]StepKind, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		steps = append(steps, s.entries[i].Step)
	}
	return steps
}

// PopAll drains the stack in reverse insertion order. Each entry is popped as
// it is yielded; entries not yet reached when the loop stops stay on the
// stack.
func (s *CompensationStack) PopAll() iter.Seq[Compensation] {
	return func(yield func(Compensation) bool) {
		for {
			c, ok := s.Pop()
			if !ok || !yield(c) {
				return
			}
		}
	}
}
