// Package saga holds the order saga's data model: the order record, its
// status enumeration, the compensation stack and the contracts of the
// services the orchestrator drives.
//
// Collaborators are assumed to be called at most once per successful saga
// run. No idempotency keys are passed, so re-running a saga after a crash
// may repeat forward calls; crash recovery is out of scope.
package saga

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Item is one order line.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Order is the saga's persistent record and status ledger.
type Order struct {
	OrderID              string          `json:"order_id"`
	CustomerID           string          `json:"customer_id"`
	Items                []Item          `json:"items"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	Status               Status          `json:"status"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	o.Items = slices.Clone(o.Items)
	return o
}

// StepKind names a forward step of the pipeline and its compensation.
type StepKind string

const (
	StepCustomerCredit       StepKind = "customer_credit"
	StepInventoryReservation StepKind = "inventory_reservation"
	StepPayment              StepKind = "payment"
	StepShipping             StepKind = "shipping"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
)

// StepFailedError reports a business-level negative result from a
// collaborator. The step's failure status has already been persisted when it
// is returned.
type StepFailedError struct {
	Step    StepKind
	Status  Status
	Message string
}

func (e *StepFailedError) Error() string {
	return e.Message
}

// EventKind classifies a saga event.
type EventKind string

const (
	EventSagaStarted           EventKind = "saga_started"
	EventStepSucceeded         EventKind = "step_succeeded"
	EventStepFailed            EventKind = "step_failed"
	EventCompensationSucceeded EventKind = "compensation_succeeded"
	EventCompensationFailed    EventKind = "compensation_failed"
	EventSagaCompleted         EventKind = "saga_completed"
	EventSagaFailed            EventKind = "saga_failed"
)

// Outcomes carried by events.
const (
	OutcomeStarted   = "started"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Event is the observable record of one saga transition.
type Event struct {
	OrderID string    `json:"order_id"`
	Kind    EventKind `json:"kind"`
	Step    StepKind  `json:"step,omitempty"`
	Outcome string    `json:"outcome"`
	Status  Status    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s order=%s step=%s outcome=%s status=%s", e.Kind, e.OrderID, e.Step, e.Outcome, e.Status)
}
