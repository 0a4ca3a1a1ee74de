package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/go-logr/logr/testr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// callLog records collaborator calls across all fakes in the order they
// happened.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeCustomers struct {
	log        *callLog
	ok         bool
	err        error
	releaseErr error
	amounts    []decimal.Decimal
}

func (f *fakeCustomers) ValidateAndReserveCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error) {
	f.log.add("customer.reserve %s %s", customerID, amount)
	f.amounts = append(f.amounts, amount)
	return f.ok, f.err
}

func (f *fakeCustomers) ReleaseCredit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	f.log.add("customer.release %s %s", customerID, amount)
	f.amounts = append(f.amounts, amount)
	return f.releaseErr
}

type fakeInventory struct {
	log        *callLog
	ok         bool
	err        error
	releaseErr error
}

func (f *fakeInventory) Reserve(ctx context.Context, orderID string, items []saga.Item) (bool, error) {
	f.log.add("inventory.reserve %s %d", orderID, len(items))
	return f.ok, f.err
}

func (f *fakeInventory) Release(ctx context.Context, orderID string, items []saga.Item) error {
	f.log.add("inventory.release %s %d", orderID, len(items))
	return f.releaseErr
}

type fakePayments struct {
	log       *callLog
	txID      string
	err       error
	refundErr error
	panicMsg  string
	amounts   []decimal.Decimal
}

func (f *fakePayments) Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	f.log.add("payment.process %s %s %s", orderID, amount, customerID)
	f.amounts = append(f.amounts, amount)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.txID, f.err
}

func (f *fakePayments) Refund(ctx context.Context, orderID string, transactionID string) error {
	f.log.add("payment.refund %s %s", orderID, transactionID)
	return f.refundErr
}

type fakeShipping struct {
	log       *callLog
	ok        bool
	err       error
	cancelErr error
	onArrange func()
}

func (f *fakeShipping) Arrange(ctx context.Context, orderID string, customerID string) (bool, error) {
	f.log.add("shipping.arrange %s %s", orderID, customerID)
	if f.onArrange != nil {
		f.onArrange()
	}
	return f.ok, f.err
}

func (f *fakeShipping) Cancel(ctx context.Context, orderID string) error {
	f.log.add("shipping.cancel %s", orderID)
	return f.cancelErr
}

// recordingStore wraps the in-memory store and keeps every status write.
type recordingStore struct {
	*InMemoryOrderStore
	mu        sync.Mutex
	statuses  []saga.Status
	created   []saga.Order
	createErr error
	// failStatus makes UpdateStatus persist the status and then fail.
	failStatus saga.Status
	recordErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryOrderStore: NewInMemoryOrderStore()}
}

func (s *recordingStore) Create(ctx context.Context, order saga.Order) error {
	s.mu.Lock()
	s.created = append(s.created, order.Clone())
	s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	return s.InMemoryOrderStore.Create(ctx, order)
}

func (s *recordingStore) UpdateStatus(ctx context.Context, orderID string, status saga.Status) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
	if err := s.InMemoryOrderStore.UpdateStatus(ctx, orderID, status); err != nil {
		return err
	}
	if s.failStatus != saga.StatusUnknown && status == s.failStatus {
		return errors.New("write acknowledged late")
	}
	return nil
}

func (s *recordingStore) RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	return s.InMemoryOrderStore.RecordPaymentTransactionID(ctx, orderID, transactionID)
}

func (s *recordingStore) history() []saga.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saga.Status(nil), s.statuses...)
}

type harness struct {
	log       *callLog
	customers *fakeCustomers
	inventory *fakeInventory
	payments  *fakePayments
	shipping  *fakeShipping
	store     *recordingStore
}

func newHarness() *harness {
	log := &callLog{}
	return &harness{
		log:       log,
		customers: &fakeCustomers{log: log, ok: true},
		inventory: &fakeInventory{log: log, ok: true},
		payments:  &fakePayments{log: log, txID: "tx-1"},
		shipping:  &fakeShipping{log: log, ok: true},
		store:     newRecordingStore(),
	}
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *OrderSagaOrchestrator {
	opts = append([]Option{WithLogger(testr.New(t))}, opts...)
	return NewOrderSagaOrchestrator(h.customers, h.inventory, h.payments, h.shipping, h.store, opts...)
}

func (h *harness) persisted(t *testing.T, orderID string) saga.Order {
	t.Helper()
	got, err := h.store.Get(context.Background(), orderID)
	require.NoError(t, err)
	return got
}

func sampleOrder() *saga.Order {
	return &saga.Order{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items: []saga.Item{
			{ProductID: "sku-1", Quantity: 2},
			{ProductID: "sku-2", Quantity: 1},
		},
		TotalAmount: decimal.RequireFromString("149.97"),
	}
}

func TestPlaceOrder_Completes(t *testing.T) {
	h := newHarness()
	order := sampleOrder()

	ok := h.orchestrator(t).PlaceOrder(context.Background(), order)

	require.True(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"shipping.arrange order-1 cust-1",
	}, h.log.all())
	assert.Equal(t, []saga.Status{
		saga.StatusPendingCustomerValidation,
		saga.StatusPendingInventoryReservation,
		saga.StatusPendingPayment,
		saga.StatusPendingShipping,
		saga.StatusCompleted,
	}, h.store.history())

	got := h.persisted(t, "order-1")
	assert.Equal(t, saga.StatusCompleted, got.Status)
	assert.Equal(t, "tx-1", got.PaymentTransactionID)
	assert.Equal(t, saga.StatusCompleted, order.Status)
	assert.Equal(t, "tx-1", order.PaymentTransactionID)

	require.Len(t, h.store.created, 1)
	assert.Equal(t, saga.StatusUnknown, h.store.created[0].Status)
}

func TestPlaceOrder_PaymentDeclinedRollsBackInReverse(t *testing.T) {
	h := newHarness()
	h.payments.txID = ""

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"inventory.release order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	assert.Equal(t, []saga.Status{
		saga.StatusPendingCustomerValidation,
		saga.StatusPendingInventoryReservation,
		saga.StatusPendingPayment,
		saga.StatusFailedPayment,
		saga.StatusFailedRolledBack,
	}, h.store.history())
	assert.Empty(t, h.persisted(t, "order-1").PaymentTransactionID)
}

func TestPlaceOrder_ShippingDeclinedRefundsPayment(t *testing.T) {
	h := newHarness()
	h.shipping.ok = false

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"shipping.arrange order-1 cust-1",
		"payment.refund order-1 tx-1",
		"inventory.release order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	got := h.persisted(t, "order-1")
	assert.Equal(t, saga.StatusFailedRolledBack, got.Status)
	assert.Equal(t, "tx-1", got.PaymentTransactionID)
}

func TestPlaceOrder_CustomerDeclinedRunsNoCompensation(t *testing.T) {
	h := newHarness()
	h.customers.ok = false

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{"customer.reserve cust-1 149.97"}, h.log.all())
	assert.Equal(t, []saga.Status{
		saga.StatusPendingCustomerValidation,
		saga.StatusFailedCustomerValidation,
		saga.StatusFailedRolledBack,
	}, h.store.history())
}

func TestPlaceOrder_InventoryDeclinedReleasesCredit(t *testing.T) {
	h := newHarness()
	h.inventory.ok = false

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	assert.Equal(t, saga.StatusFailedRolledBack, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_CompensationFailureHaltsRollback(t *testing.T) {
	h := newHarness()
	h.shipping.ok = false
	h.payments.refundErr = errors.New("gateway timeout")

	order := sampleOrder()
	ok := h.orchestrator(t).PlaceOrder(context.Background(), order)

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"shipping.arrange order-1 cust-1",
		"payment.refund order-1 tx-1",
	}, h.log.all())
	assert.Equal(t, saga.StatusFailedRollbackActionManualIntervention, h.persisted(t, "order-1").Status)
	assert.Equal(t, saga.StatusFailedRollbackActionManualIntervention, order.Status)
}

func TestPlaceOrder_MiddleCompensationFailureAbandonsOlderOnes(t *testing.T) {
	h := newHarness()
	h.shipping.ok = false
	h.inventory.releaseErr = errors.New("warehouse offline")

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"shipping.arrange order-1 cust-1",
		"payment.refund order-1 tx-1",
		"inventory.release order-1 2",
	}, h.log.all())
	assert.NotContains(t, h.log.all(), "customer.release cust-1 149.97")
	history := h.store.history()
	assert.Equal(t, []saga.Status{
		saga.StatusFailedShipping,
		saga.StatusFailedRollbackActionManualIntervention,
	}, history[len(history)-2:])
	assert.Equal(t, saga.StatusFailedRollbackActionManualIntervention, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_CompensationPanicNeedsManualIntervention(t *testing.T) {
	h := newHarness()
	h.inventory.ok = false
	orch := h.orchestrator(t)
	orch.compensators[saga.StepCustomerCredit] = func(context.Context, saga.Compensation) error {
		panic("ledger unavailable")
	}

	ok := orch.PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, saga.StatusFailedRollbackActionManualIntervention, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_GeneratesMissingID(t *testing.T) {
	h := newHarness()
	order := sampleOrder()
	order.OrderID = ""

	ok := h.orchestrator(t, WithIDGenerator(func() string { return "generated-1" })).PlaceOrder(context.Background(), order)

	require.True(t, ok)
	assert.Equal(t, "generated-1", order.OrderID)
	assert.Equal(t, saga.StatusCompleted, h.persisted(t, "generated-1").Status)
}

func TestPlaceOrder_DefaultIDsAreUnique(t *testing.T) {
	h := newHarness()
	orch := h.orchestrator(t)

	seen := map[string]bool{}
	for range 20 {
		order := sampleOrder()
		order.OrderID = ""
		orch.PlaceOrder(context.Background(), order)
		require.NotEmpty(t, order.OrderID)
		require.False(t, seen[order.OrderID], "duplicate id %s", order.OrderID)
		seen[order.OrderID] = true
	}
}

func TestPlaceOrder_KeepsCallerID(t *testing.T) {
	h := newHarness()
	order := sampleOrder()
	order.OrderID = "caller-chosen"

	h.orchestrator(t, WithIDGenerator(func() string { return "unused" })).PlaceOrder(context.Background(), order)

	assert.Equal(t, "caller-chosen", order.OrderID)
	assert.Equal(t, saga.StatusCompleted, h.persisted(t, "caller-chosen").Status)
}

func TestPlaceOrder_AmountIsPassedExactly(t *testing.T) {
	amounts := []string{"19.99", "0.01", "1234.56", "0.30", "99999.99"}
	for _, raw := range amounts {
		t.Run(raw, func(t *testing.T) {
			h := newHarness()
			h.shipping.ok = false
			orch := h.orchestrator(t)
			want := decimal.RequireFromString(raw)

			for i := range 50 {
				order := sampleOrder()
				order.OrderID = fmt.Sprintf("order-%d", i)
				order.TotalAmount = want
				require.False(t, orch.PlaceOrder(context.Background(), order))
			}

			// Reserve and release alternate per saga.
			require.Len(t, h.customers.amounts, 100)
			for i := 0; i < len(h.customers.amounts); i += 2 {
				reserved, released := h.customers.amounts[i], h.customers.amounts[i+1]
				require.True(t, reserved.Equal(want), "reserved %s, want %s", reserved, want)
				require.True(t, released.Equal(reserved), "released %s, reserved %s", released, reserved)
			}
			require.Len(t, h.payments.amounts, 50)
			for _, got := range h.payments.amounts {
				require.True(t, got.Equal(want), "charged %s, want %s", got, want)
			}
		})
	}
}

func TestPlaceOrder_SummedAmountStaysExact(t *testing.T) {
	h := newHarness()
	amount := decimal.RequireFromString("0.10").Add(decimal.RequireFromString("0.20"))
	order := sampleOrder()
	order.TotalAmount = amount

	require.True(t, h.orchestrator(t).PlaceOrder(context.Background(), order))
	require.Len(t, h.payments.amounts, 1)
	assert.True(t, h.payments.amounts[0].Equal(decimal.RequireFromString("0.3")))
}

func TestPlaceOrder_UnexpectedErrorRollsBack(t *testing.T) {
	h := newHarness()
	h.inventory.err = errors.New("connection refused")

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	assert.Equal(t, []saga.Status{
		saga.StatusPendingCustomerValidation,
		saga.StatusPendingInventoryReservation,
		saga.StatusFailedUnexpectedError,
		saga.StatusFailedRolledBack,
	}, h.store.history())
}

func TestPlaceOrder_CanceledCallerStillCompensates(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.shipping.onArrange = cancel
	h.shipping.err = context.Canceled

	ok := h.orchestrator(t).PlaceOrder(ctx, sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"shipping.arrange order-1 cust-1",
		"payment.refund order-1 tx-1",
		"inventory.release order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	assert.Equal(t, saga.StatusFailedRolledBack, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_UnexpectedErrorKeepsRecordedFailure(t *testing.T) {
	h := newHarness()
	h.payments.txID = ""
	h.store.failStatus = saga.StatusFailedPayment

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []saga.Status{
		saga.StatusPendingCustomerValidation,
		saga.StatusPendingInventoryReservation,
		saga.StatusPendingPayment,
		saga.StatusFailedPayment,
		saga.StatusFailedRolledBack,
	}, h.store.history())
}

func TestPlaceOrder_RecordTransactionFailureStillRefunds(t *testing.T) {
	h := newHarness()
	h.store.recordErr = errors.New("disk full")

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Equal(t, []string{
		"customer.reserve cust-1 149.97",
		"inventory.reserve order-1 2",
		"payment.process order-1 149.97 cust-1",
		"payment.refund order-1 tx-1",
		"inventory.release order-1 2",
		"customer.release cust-1 149.97",
	}, h.log.all())
	assert.Equal(t, saga.StatusFailedRolledBack, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_StepPanicIsUnexpected(t *testing.T) {
	h := newHarness()
	h.payments.panicMsg = "nil gateway"

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Contains(t, h.store.history(), saga.StatusFailedUnexpectedError)
	assert.Equal(t, saga.StatusFailedRolledBack, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_CreateFailureWritesNoStatus(t *testing.T) {
	h := newHarness()
	h.store.createErr = errors.New("db down")

	ok := h.orchestrator(t).PlaceOrder(context.Background(), sampleOrder())

	require.False(t, ok)
	assert.Empty(t, h.log.all())
	assert.Empty(t, h.store.history())
}

func TestPlaceOrder_DuplicateIDFails(t *testing.T) {
	h := newHarness()
	orch := h.orchestrator(t)

	require.True(t, orch.PlaceOrder(context.Background(), sampleOrder()))
	require.False(t, orch.PlaceOrder(context.Background(), sampleOrder()))
	assert.Equal(t, saga.StatusCompleted, h.persisted(t, "order-1").Status)
}

func TestPlaceOrder_PreservedFailureStatus(t *testing.T) {
	h := newHarness()
	h.payments.txID = ""
	order := sampleOrder()

	ok := h.orchestrator(t, WithPreservedFailureStatuses(saga.StatusFailedPayment, saga.StatusFailedShipping)).
		PlaceOrder(context.Background(), order)

	require.False(t, ok)
	assert.Equal(t, saga.StatusFailedPayment, h.persisted(t, "order-1").Status)
	assert.Equal(t, saga.StatusFailedPayment, order.Status)
	assert.NotContains(t, h.store.history(), saga.StatusFailedRolledBack)
}

func TestPlaceOrder_NilOrder(t *testing.T) {
	h := newHarness()
	assert.False(t, h.orchestrator(t).PlaceOrder(context.Background(), nil))
	assert.Empty(t, h.log.all())
}

func TestPlaceOrder_EmitsEvents(t *testing.T) {
	h := newHarness()
	h.shipping.ok = false
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var events []saga.Event
	sink := saga.EventSinkFunc(func(_ context.Context, e saga.Event) error {
		events = append(events, e)
		return errors.New("sink offline")
	})

	ok := h.orchestrator(t, WithEventSink(sink), WithClock(func() time.Time { return at })).
		PlaceOrder(context.Background(), sampleOrder())
	require.False(t, ok)

	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, string(e.Kind)+":"+string(e.Step))
		assert.Equal(t, "order-1", e.OrderID)
		assert.Equal(t, at, e.At)
	}
	assert.Equal(t, []string{
		string(saga.EventSagaStarted) + ":",
		string(saga.EventStepSucceeded) + ":" + string(saga.StepCustomerCredit),
		string(saga.EventStepSucceeded) + ":" + string(saga.StepInventoryReservation),
		string(saga.EventStepSucceeded) + ":" + string(saga.StepPayment),
		string(saga.EventStepFailed) + ":" + string(saga.StepShipping),
		string(saga.EventCompensationSucceeded) + ":" + string(saga.StepPayment),
		string(saga.EventCompensationSucceeded) + ":" + string(saga.StepInventoryReservation),
		string(saga.EventCompensationSucceeded) + ":" + string(saga.StepCustomerCredit),
		string(saga.EventSagaFailed) + ":",
	}, kinds)
	assert.Equal(t, saga.StatusFailedRolledBack, events[len(events)-1].Status)
}

func TestPlaceOrder_Spans(t *testing.T) {
	h := newHarness()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	h.inventory.ok = false

	h.orchestrator(t, WithTracer(provider.Tracer("test"))).PlaceOrder(context.Background(), sampleOrder())

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{
		"orders.step.customer_credit",
		"orders.step.inventory_reservation",
		"orders.compensate.customer_credit",
		"orders.PlaceOrder",
	}, names)
}

func TestPlaceOrder_ConcurrentOrdersAreIndependent(t *testing.T) {
	customers := NewInMemoryCustomerService(decimal.NewFromInt(1_000))
	inventory := NewInMemoryInventoryService(1_000)
	payments := NewInMemoryPaymentService(decimal.NewFromInt(500))
	shipping := NewInMemoryShippingService()
	store := NewInMemoryOrderStore()
	orch := NewOrderSagaOrchestrator(customers, inventory, payments, shipping, store)

	var wg sync.WaitGroup
	results := make([]bool, 40)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := decimal.NewFromInt(100)
			if i%2 == 1 {
				amount = decimal.NewFromInt(600)
			}
			results[i] = orch.PlaceOrder(context.Background(), &saga.Order{
				OrderID:     fmt.Sprintf("order-%d", i),
				CustomerID:  fmt.Sprintf("cust-%d", i),
				Items:       []saga.Item{{ProductID: "sku-1", Quantity: 1}},
				TotalAmount: amount,
			})
		}()
	}
	wg.Wait()

	for i, ok := range results {
		id := fmt.Sprintf("order-%d", i)
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if i%2 == 0 {
			assert.True(t, ok, id)
			assert.Equal(t, saga.StatusCompleted, got.Status, id)
			continue
		}
		assert.False(t, ok, id)
		assert.Equal(t, saga.StatusFailedRolledBack, got.Status, id)
		assert.True(t, customers.Reserved(fmt.Sprintf("cust-%d", i)).IsZero(), id)
	}
	assert.Equal(t, 1_000-20, inventory.Stock("sku-1"))
}
