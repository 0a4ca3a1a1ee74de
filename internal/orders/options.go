package orders

import (
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ordersaga/internal/orders"

type settings struct {
	log       logr.Logger
	tracer    trace.Tracer
	sink      saga.EventSink
	newID     func() string
	now       func() time.Time
	preserved map[saga.Status]bool
}

func defaultSettings() settings {
	return settings{
		log:       logr.Discard(),
		tracer:    otel.Tracer(tracerName),
		newID:     uuid.NewString,
		now:       time.Now,
		preserved: map[saga.Status]bool{},
	}
}

// Option customizes an OrderSagaOrchestrator.
type Option func(*settings)

func WithLogger(log logr.Logger) Option {
	return func(s *settings) { s.log = log }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithEventSink sets where saga events are recorded.
func WithEventSink(sink saga.EventSink) Option {
	return func(s *settings) { s.sink = sink }
}

// WithIDGenerator sets the generator used for orders submitted without an id.
func WithIDGenerator(newID func() string) Option {
	return func(s *settings) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPreservedFailureStatuses lists statuses a clean rollback leaves in
// place instead of overwriting them with FailedRolledBack.
// Passing FailedPayment and FailedShipping keeps the payment and shipping
// failures visible after rollback.
func WithPreservedFailureStatuses(statuses ...saga.Status) Option {
	return func(s *settings) {
		for _, st := range statuses {
			s.preserved[st] = true
		}
	}
}
