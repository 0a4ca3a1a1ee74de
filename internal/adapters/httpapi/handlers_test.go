package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	"github.com/go-logr/logr/testr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *orders.InMemoryOrderStore
	payments *orders.InMemoryPaymentService
	server   *httptest.Server
}

func newFixture(t *testing.T, maxCharge string) *fixture {
	t.Helper()
	store := orders.NewInMemoryOrderStore()
	payments := orders.NewInMemoryPaymentService(decimal.RequireFromString(maxCharge))
	orchestrator := orders.NewOrderSagaOrchestrator(
		orders.NewInMemoryCustomerService(decimal.NewFromInt(1000)),
		orders.NewInMemoryInventoryService(10),
		payments,
		orders.NewInMemoryShippingService(),
		store,
		orders.WithLogger(testr.New(t)),
	)

	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(NewRouter(NewOrderHandlers(orchestrator, store, testr.New(t)), events))
	t.Cleanup(srv.Close)
	return &fixture{store: store, payments: payments, server: srv}
}

func (f *fixture) post(t *testing.T, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/api/orders", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const validBody = `{"customer_id":"cust-1","items":[{"product_id":"sku-1","quantity":2}],"total_amount":"149.97"}`

func TestPlaceOrder_Completes(t *testing.T) {
	f := newFixture(t, "0")

	resp, body := f.post(t, validBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out PlaceOrderResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Successful)
	assert.Equal(t, saga.StatusCompleted, out.Status)
	require.NotEmpty(t, out.OrderID)

	stored, err := f.store.Get(context.Background(), out.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("149.97")))
	assert.True(t, f.payments.WasCharged(out.OrderID))
}

func TestPlaceOrder_DeclinedPaymentIsReportedInBody(t *testing.T) {
	f := newFixture(t, "100")

	resp, body := f.post(t, validBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out PlaceOrderResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Successful)
	assert.Equal(t, saga.StatusFailedRolledBack, out.Status)
}

func TestPlaceOrder_RejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing customer", body: `{"items":[{"product_id":"sku-1","quantity":1}],"total_amount":"1"}`},
		{name: "no items", body: `{"customer_id":"cust-1","items":[],"total_amount":"1"}`},
		{name: "zero amount", body: `{"customer_id":"cust-1","items":[{"product_id":"sku-1","quantity":1}],"total_amount":"0"}`},
		{name: "bad amount", body: `{"customer_id":"cust-1","items":[{"product_id":"sku-1","quantity":1}],"total_amount":"lots"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "0")
			resp, _ := f.post(t, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestPlaceOrder_ValidationErrorsNameFields(t *testing.T) {
	f := newFixture(t, "0")

	resp, body := f.post(t, `{"items":[],"total_amount":"-1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "validation failed", out.Error)
	assert.Contains(t, out.Fields, "customer_id")
	assert.Contains(t, out.Fields, "items")
	assert.Contains(t, out.Fields, "total_amount")
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t, "0")
	_, body := f.post(t, validBody)
	var placed PlaceOrderResponse
	require.NoError(t, json.Unmarshal(body, &placed))

	resp, err := http.Get(f.server.URL + "/api/orders/" + placed.OrderID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var order saga.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	assert.Equal(t, placed.OrderID, order.OrderID)
	assert.Equal(t, saga.StatusCompleted, order.Status)
	assert.NotEmpty(t, order.PaymentTransactionID)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t, "0")

	resp, err := http.Get(f.server.URL + "/api/orders/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type brokenReader struct{}

func (brokenReader) Get(context.Context, string) (saga.Order, error) {
	return saga.Order{}, errors.New("connection refused")
}

func TestGetOrder_StoreError(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewOrderHandlers(nil, brokenReader{}, testr.New(t)), nil))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/orders/order-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRouter_MountsEventFeed(t *testing.T) {
	f := newFixture(t, "0")

	resp, err := http.Get(f.server.URL + "/ws/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
