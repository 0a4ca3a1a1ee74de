package orders

import (
	"context"
	"fmt"

	"ordersaga/internal/orders/saga"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type compensator func(ctx context.Context, c saga.Compensation) error

// OrderSagaOrchestrator drives the place-order saga: customer credit,
// inventory, payment and shipping, in that order, undoing completed steps in
// reverse when a later one fails.
type OrderSagaOrchestrator struct {
	customers saga.CustomerService
	inventory saga.InventoryService
	payments  saga.PaymentService
	shipping  saga.ShippingService
	orders    saga.OrderDataStore

	settings
	compensators map[saga.StepKind]compensator
}

// NewOrderSagaOrchestrator constructs an orchestrator over the five
// collaborators.
func NewOrderSagaOrchestrator(
	customers saga.CustomerService,
	inventory saga.InventoryService,
	payments saga.PaymentService,
	shipping saga.ShippingService,
	orders saga.OrderDataStore,
	opts ...Option,
) *OrderSagaOrchestrator {
	s := &OrderSagaOrchestrator{
		customers: customers,
		inventory: inventory,
		payments:  payments,
		shipping:  shipping,
		orders:    orders,
		settings:  defaultSettings(),
	}
	for _, opt := range opts {
		opt(&s.settings)
	}
	s.compensators = map[saga.StepKind]compensator{
		saga.StepCustomerCredit: func(ctx context.Context, c saga.Compensation) error {
			return s.customers.ReleaseCredit(ctx, c.CustomerID, c.Amount)
		},
		saga.StepInventoryReservation: func(ctx context.Context, c saga.Compensation) error {
			return s.inventory.Release(ctx, c.OrderID, c.Items)
		},
		saga.StepPayment: func(ctx context.Context, c saga.Compensation) error {
			return s.payments.Refund(ctx, c.OrderID, c.TransactionID)
		},
		saga.StepShipping: func(ctx context.Context, c saga.Compensation) error {
			return s.shipping.Cancel(ctx, c.OrderID)
		},
	}
	return s
}

// PlaceOrder runs the saga for order and reports whether it reached
// Completed. OrderID is generated when empty; order.Status and
// order.PaymentTransactionID mirror what was persisted. Failures never
// escape: the persisted status carries the detail.
func (s *OrderSagaOrchestrator) PlaceOrder(ctx context.Context, order *saga.Order) bool {
	if order == nil {
		s.log.Info("place order called without an order")
		return false
	}
	if order.OrderID == "" {
		order.OrderID = s.newID()
	}

	ctx, span := s.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(
		attribute.String("order.id", order.OrderID),
		attribute.String("order.customer_id", order.CustomerID),
		attribute.String("order.total_amount", order.TotalAmount.String()),
	))
	defer span.End()

	log := s.log.WithValues("orderID", order.OrderID)
	var stack saga.CompensationStack

	created := false
	err := s.run(ctx, log, order, &stack, &created)
	if err == nil {
		log.Info("saga completed", "outcome", saga.OutcomeSucceeded, "status", order.Status)
		s.emit(ctx, order, saga.EventSagaCompleted, "", saga.OutcomeSucceeded, "")
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Compensations run even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	var stepErr *saga.StepFailedError
	switch {
	case !created:
		// The record under this id, if any, belongs to someone else.
		log.Error(err, "order was not created, nothing to roll back")
		order.Status = saga.StatusUnknown
	case errors.As(err, &stepErr):
		log.Error(err, "saga step failed, rolling back", "step", stepErr.Step, "status", stepErr.Status)
		s.rollback(ctx, log, order, &stack, stepErr.Message)
	default:
		log.Error(err, "unexpected saga error, rolling back")
		s.markUnexpected(ctx, log, order)
		s.rollback(ctx, log, order, &stack, "Unexpected error: "+err.Error())
	}

	log.Info("saga failed", "outcome", saga.OutcomeFailed, "status", order.Status)
	s.emit(ctx, order, saga.EventSagaFailed, "", saga.OutcomeFailed, err.Error())
	span.SetAttributes(attribute.String("order.status", order.Status.String()))
	return false
}

func (s *OrderSagaOrchestrator) run(ctx context.Context, log logr.Logger, order *saga.Order, stack *saga.CompensationStack, created *bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.Info("saga started", "outcome", saga.OutcomeStarted, "amount", order.TotalAmount.String())
	s.emit(ctx, order, saga.EventSagaStarted, "", saga.OutcomeStarted, "")

	if err := s.orders.Create(ctx, order.Clone()); err != nil {
		return errors.Wrap(err, "create order")
	}
	*created = true
	if err := s.setStatus(ctx, order, saga.StatusPendingCustomerValidation); err != nil {
		return err
	}

	ok, err := s.call(ctx, log, order, saga.StepCustomerCredit, func(ctx context.Context) (bool, error) {
		return s.customers.ValidateAndReserveCredit(ctx, order.CustomerID, order.TotalAmount)
	})
	if err != nil {
		return errors.Wrap(err, "validate customer credit")
	}
	if !ok {
		return s.stepFailed(ctx, order, saga.StepCustomerCredit, saga.StatusFailedCustomerValidation, "Customer validation failed.")
	}
	stack.Push(saga.ReleaseCredit(order.CustomerID, order.TotalAmount))
	if err := s.setStatus(ctx, order, saga.StatusPendingInventoryReservation); err != nil {
		return err
	}

	ok, err = s.call(ctx, log, order, saga.StepInventoryReservation, func(ctx context.Context) (bool, error) {
		return s.inventory.Reserve(ctx, order.OrderID, order.Items)
	})
	if err != nil {
		return errors.Wrap(err, "reserve inventory")
	}
	if !ok {
		return s.stepFailed(ctx, order, saga.StepInventoryReservation, saga.StatusFailedInventoryReservation, "Inventory reservation failed.")
	}
	stack.Push(saga.ReleaseInventory(order.OrderID, order.Items))
	if err := s.setStatus(ctx, order, saga.StatusPendingPayment); err != nil {
		return err
	}

	var transactionID string
	ok, err = s.call(ctx, log, order, saga.StepPayment, func(ctx context.Context) (bool, error) {
		id, err := s.payments.Process(ctx, order.OrderID, order.TotalAmount, order.CustomerID)
		transactionID = id
		return id != "", err
	})
	if err != nil {
		return errors.Wrap(err, "process payment")
	}
	if !ok {
		return s.stepFailed(ctx, order, saga.StepPayment, saga.StatusFailedPayment, "Payment processing failed.")
	}
	// The refund is stacked before the id is recorded so that a failed write
	// still leaves the charge compensable.
	stack.Push(saga.RefundPayment(order.OrderID, transactionID))
	if err := s.orders.RecordPaymentTransactionID(ctx, order.OrderID, transactionID); err != nil {
		return errors.Wrap(err, "record payment transaction id")
	}
	order.PaymentTransactionID = transactionID
	if err := s.setStatus(ctx, order, saga.StatusPendingShipping); err != nil {
		return err
	}

	ok, err = s.call(ctx, log, order, saga.StepShipping, func(ctx context.Context) (bool, error) {
		return s.shipping.Arrange(ctx, order.OrderID, order.CustomerID)
	})
	if err != nil {
		return errors.Wrap(err, "arrange shipping")
	}
	if !ok {
		return s.stepFailed(ctx, order, saga.StepShipping, saga.StatusFailedShipping, "Shipping arrangement failed.")
	}
	stack.Push(saga.CancelShipping(order.OrderID))
	return s.setStatus(ctx, order, saga.StatusCompleted)
}

// call runs one forward collaborator call inside its own span and reports the
// outcome.
func (s *OrderSagaOrchestrator) call(ctx context.Context, log logr.Logger, order *saga.Order, step saga.StepKind, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "orders.step."+string(step))
	defer span.End()

	ok, err := fn(ctx)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(err, "saga step errored", "step", step, "outcome", saga.OutcomeFailed)
		s.emit(ctx, order, saga.EventStepFailed, step, saga.OutcomeFailed, err.Error())
	case !ok:
		span.SetStatus(codes.Error, "declined")
		log.Info("saga step declined", "step", step, "outcome", saga.OutcomeFailed)
		s.emit(ctx, order, saga.EventStepFailed, step, saga.OutcomeFailed, "declined")
	default:
		log.Info("saga step succeeded", "step", step, "outcome", saga.OutcomeSucceeded)
		s.emit(ctx, order, saga.EventStepSucceeded, step, saga.OutcomeSucceeded, "")
	}
	return ok, err
}

func (s *OrderSagaOrchestrator) stepFailed(ctx context.Context, order *saga.Order, step saga.StepKind, status saga.Status, msg string) error {
	if err := s.setStatus(ctx, order, status); err != nil {
		return err
	}
	return &saga.StepFailedError{Step: step, Status: status, Message: msg}
}

func (s *OrderSagaOrchestrator) setStatus(ctx context.Context, order *saga.Order, status saga.Status) error {
	if err := s.orders.UpdateStatus(ctx, order.OrderID, status); err != nil {
		return errors.Wrapf(err, "update status to %s", status)
	}
	order.Status = status
	return nil
}

// markUnexpected records FailedUnexpectedError unless the persisted order
// already carries a failure status.
func (s *OrderSagaOrchestrator) markUnexpected(ctx context.Context, log logr.Logger, order *saga.Order) {
	current, err := s.orders.Get(ctx, order.OrderID)
	switch {
	case errors.Is(err, saga.ErrOrderNotFound):
		log.Info("order was never persisted, no failure status recorded")
		return
	case err != nil:
		log.Error(err, "could not re-read order status")
	case current.Status.IsFailure():
		order.Status = current.Status
		return
	}
	if err := s.setStatus(ctx, order, saga.StatusFailedUnexpectedError); err != nil {
		log.Error(err, "could not record unexpected error status")
	}
}

// rollback pops compensations most recent first. The first compensation that
// fails stops the rollback and flags the order for manual intervention; the
// remaining entries are abandoned and nothing is retried.
func (s *OrderSagaOrchestrator) rollback(ctx context.Context, log logr.Logger, order *saga.Order, stack *saga.CompensationStack, reason string) {
	log.Info("rolling back completed steps", "steps", stack.Len(), "reason", reason)

	for c := range stack.PopAll() {
		if err := s.compensate(ctx, c); err != nil {
			log.Error(err, "compensating action failed, manual intervention required",
				"step", c.Step, "outcome", saga.OutcomeFailed, "abandoned", stack.Steps())
			s.emit(ctx, order, saga.EventCompensationFailed, c.Step, saga.OutcomeFailed, err.Error())
			if err := s.setStatus(ctx, order, saga.StatusFailedRollbackActionManualIntervention); err != nil {
				log.Error(err, "could not record manual intervention status")
			}
			return
		}
		log.Info("compensating action succeeded", "step", c.Step, "outcome", saga.OutcomeSucceeded)
		s.emit(ctx, order, saga.EventCompensationSucceeded, c.Step, saga.OutcomeSucceeded, "")
	}

	current, err := s.orders.Get(ctx, order.OrderID)
	switch {
	case errors.Is(err, saga.ErrOrderNotFound):
		log.Info("rollback finished without a persisted order")
		return
	case err != nil:
		log.Error(err, "could not re-read order after rollback")
	case s.preserved[current.Status]:
		order.Status = current.Status
		log.Info("rollback finished", "status", current.Status)
		return
	}
	if err := s.setStatus(ctx, order, saga.StatusFailedRolledBack); err != nil {
		log.Error(err, "could not record rolled back status")
		return
	}
	log.Info("rollback finished", "status", order.Status)
}

func (s *OrderSagaOrchestrator) compensate(ctx context.Context, c saga.Compensation) (err error) {
	ctx, span := s.tracer.Start(ctx, "orders.compensate."+string(c.Step))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	handler, ok := s.compensators[c.Step]
	if !ok {
		return fmt.Errorf("no compensation for step %q", c.Step)
	}
	return handler(ctx, c)
}

func (s *OrderSagaOrchestrator) emit(ctx context.Context, order *saga.Order, kind saga.EventKind, step saga.StepKind, outcome, detail string) {
	if s.sink == nil {
		return
	}
	event := saga.Event{
		OrderID: order.OrderID,
		Kind:    kind,
		Step:    step,
		Outcome: outcome,
		Status:  order.Status,
		Detail:  detail,
		At:      s.now().UTC(),
	}
	if err := s.sink.Record(ctx, event); err != nil {
		s.log.Error(err, "failed to record saga event", "orderID", order.OrderID, "kind", kind)
	}
}
