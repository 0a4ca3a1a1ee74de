package ordersdb

import (
	"context"
	"encoding/json"

	"ordersaga/internal/orders/saga"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// setIfExists writes one hash field only when the hash is already present.
var setIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// createOrder writes the whole hash and the first history entry, or nothing
// when the order already exists.
var createOrder = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'order_id', ARGV[1],
	'customer_id', ARGV[2],
	'items', ARGV[3],
	'total_amount', ARGV[4],
	'status', ARGV[5],
	'payment_transaction_id', ARGV[6])
if tonumber(ARGV[7]) > 0 then
	redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[7], '*', 'status', ARGV[5])
else
	redis.call('XADD', KEYS[2], '*', 'status', ARGV[5])
end
return 1
`)

// RedisOrderStore keeps each order in a hash and appends every status change
// to a per-order stream.
type RedisOrderStore struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// NewRedisOrderStore constructs a Redis-backed order store. maxLen caps each
// status history stream approximately; zero leaves it unbounded.
func NewRedisOrderStore(client redis.UniversalClient, keyPrefix string, maxLen int64) *RedisOrderStore {
	if keyPrefix == "" {
		keyPrefix = "ordersaga:"
	}
	return &RedisOrderStore{client: client, keyPrefix: keyPrefix, maxLen: maxLen}
}

func (r *RedisOrderStore) orderKey(orderID string) string {
	return r.keyPrefix + "order:" + orderID
}

func (r *RedisOrderStore) historyKey(orderID string) string {
	return r.keyPrefix + "order:" + orderID + ":history"
}

func (r *RedisOrderStore) Create(ctx context.Context, order saga.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.OrderID == "" {
		return errors.New("order id required")
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return errors.Wrap(err, "encode items")
	}

	created, err := createOrder.Run(ctx, r.client,
		[]string{r.orderKey(order.OrderID), r.historyKey(order.OrderID)},
		order.OrderID, order.CustomerID, string(items), order.TotalAmount.String(),
		order.Status.String(), order.PaymentTransactionID, r.maxLen,
	).Int()
	if err != nil {
		return errors.Wrapf(err, "write order %s", order.OrderID)
	}
	if created == 0 {
		return saga.ErrOrderExists
	}
	return nil
}

func (r *RedisOrderStore) UpdateStatus(ctx context.Context, orderID string, status saga.Status) error {
	if err := r.setField(ctx, orderID, "status", status.String()); err != nil {
		return err
	}
	err := r.client.XAdd(ctx, r.historyArgs(orderID, status)).Err()
	return errors.Wrapf(err, "append status history of order %s", orderID)
}

func (r *RedisOrderStore) RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error {
	return r.setField(ctx, orderID, "payment_transaction_id", transactionID)
}

func (r *RedisOrderStore) Get(ctx context.Context, orderID string) (saga.Order, error) {
	if err := ctx.Err(); err != nil {
		return saga.Order{}, err
	}
	fields, err := r.client.HGetAll(ctx, r.orderKey(orderID)).Result()
	if err != nil {
		return saga.Order{}, errors.Wrapf(err, "read order %s", orderID)
	}
	if len(fields) == 0 {
		return saga.Order{}, saga.ErrOrderNotFound
	}

	order := saga.Order{
		OrderID:              orderID,
		CustomerID:           fields["customer_id"],
		PaymentTransactionID: fields["payment_transaction_id"],
	}
	if order.TotalAmount, err = decimal.NewFromString(fields["total_amount"]); err != nil {
		return saga.Order{}, errors.Wrapf(err, "decode amount of order %s", orderID)
	}
	if order.Status, err = saga.ParseStatus(fields["status"]); err != nil {
		return saga.Order{}, errors.Wrapf(err, "decode status of order %s", orderID)
	}
	if err := json.Unmarshal([]byte(fields["items"]), &order.Items); err != nil {
		return saga.Order{}, errors.Wrapf(err, "decode items of order %s", orderID)
	}
	return order, nil
}

// StatusHistory returns every status the order was written with, oldest
// first.
func (r *RedisOrderStore) StatusHistory(ctx context.Context, orderID string) ([]saga.Status, error) {
	entries, err := r.client.XRange(ctx, r.historyKey(orderID), "-", "+").Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read status history of order %s", orderID)
	}
	history := make([]saga.Status, 0, len(entries))
	for _, entry := range entries {
		raw, _ := entry.Values["status"].(string)
		status, err := saga.ParseStatus(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decode history entry %s", entry.ID)
		}
		history = append(history, status)
	}
	return history, nil
}

func (r *RedisOrderStore) setField(ctx context.Context, orderID, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	updated, err := setIfExists.Run(ctx, r.client, []string{r.orderKey(orderID)}, field, value).Int()
	if err != nil {
		return errors.Wrapf(err, "update %s of order %s", field, orderID)
	}
	if updated == 0 {
		return saga.ErrOrderNotFound
	}
	return nil
}

func (r *RedisOrderStore) historyArgs(orderID string, status saga.Status) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: r.historyKey(orderID),
		Values: map[string]any{"status": status.String()},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return args
}
