package sagaevents

import (
	"context"
	"encoding/json"

	"ordersaga/internal/orders/saga"
)

// Broadcaster pushes raw messages to connected realtime clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// BroadcastSink publishes every event to a Broadcaster as JSON.
type BroadcastSink struct {
	broadcaster Broadcaster
}

func NewBroadcastSink(broadcaster Broadcaster) *BroadcastSink {
	return &BroadcastSink{broadcaster: broadcaster}
}

type broadcastPayload struct {
	Type string `json:"type"`
	saga.Event
}

func (s *BroadcastSink) Record(ctx context.Context, e saga.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := json.Marshal(broadcastPayload{Type: "saga_event", Event: e})
	if err != nil {
		return err
	}
	s.broadcaster.Broadcast(msg)
	return nil
}
