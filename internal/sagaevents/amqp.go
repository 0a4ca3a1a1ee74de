package sagaevents

import (
	"context"
	"encoding/json"

	"ordersaga/internal/orders/saga"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the sink uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a topic exchange with routing key
// "order.<event kind>".
type AMQPSink struct {
	ch       Channel
	exchange string
}

// NewAMQPSink declares a durable topic exchange and returns a sink on it.
func NewAMQPSink(ch Channel, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	return &AMQPSink{ch: ch, exchange: exchange}, nil
}

// DialAMQPSink connects to url and opens a sink. The returned close function
// releases the channel and the connection.
func DialAMQPSink(url, exchange string) (*AMQPSink, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "open amqp channel")
	}
	sink, err := NewAMQPSink(ch, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		chErr := ch.Close()
		if err := conn.Close(); err != nil {
			return err
		}
		return chErr
	}
	return sink, closeFn, nil
}

// RoutingKey returns the key an event is published under.
func RoutingKey(e saga.Event) string {
	return "order." + string(e.Kind)
}

func (s *AMQPSink) Record(ctx context.Context, e saga.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table{"order_id": e.OrderID, "status": e.Status.String()},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Type:         string(e.Kind),
		Body:         body,
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(e), false, false, msg); err != nil {
		return errors.Wrapf(err, "publish %s for order %s", e.Kind, e.OrderID)
	}
	return nil
}
