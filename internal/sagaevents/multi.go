// Package sagaevents fans saga events out to audit, realtime and broker sinks.
package sagaevents

import (
	"context"
	"errors"

	"ordersaga/internal/orders/saga"
)

// MultiSink records each event to every sink in order.
type MultiSink struct {
	sinks []saga.EventSink
}

// NewMultiSink constructs a sink over the non-nil sinks given.
func NewMultiSink(sinks ...saga.EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record forwards the event to each sink, collecting errors so all sinks get
// a chance to record.
func (m *MultiSink) Record(ctx context.Context, e saga.Event) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many sinks are attached.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}
