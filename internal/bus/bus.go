// Package bus implements the Event Bus (spec.md §4.E): a durable,
// at-least-once queue carrying normalized pod lifecycle events from the
// Watcher to the Completion Consumer.
package bus

import "context"

// Meta mirrors spec.md §6's event wire format meta object.
type Meta struct {
	Phase   string `json:"phase"`
	Reason  string `json:"reason,omitempty"`
	PodName string `json:"pod_name"`
	PodID   string `json:"pod_id"`
}

// Times mirrors spec.md §6's event wire format times object; each field is
// an ISO-8601 string, or absent if not observed.
type Times struct {
	Started   string `json:"started,omitempty"`
	InitStart string `json:"init_start,omitempty"`
	InitEnd   string `json:"init_end,omitempty"`
	MainStart string `json:"main_start,omitempty"`
	MainEnd   string `json:"main_end,omitempty"`
}

// Event is the normalized pod lifecycle event published by the Watcher, in
// the exact shape of spec.md §6's wire format.
type Event struct {
	State string `json:"state"`
	Meta  Meta   `json:"meta"`
	Times Times  `json:"times"`
}

// Delivery wraps a received Event with the ack/nack handle the Consumer
// uses to signal durable processing, per spec.md §4.E's requeue policy.
type Delivery struct {
	Event Event
	ack   func() error
	nack  func(requeue bool) error
}

// Ack acknowledges durable processing of the event.
func (d Delivery) Ack() error { return d.ack() }

// Nack signals the event was not durably processed; requeue controls
// whether it is redelivered (spec.md §4.E: "redeliver after visibility
// timeout").
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// NewDelivery constructs a Delivery around the given ack/nack callbacks;
// exported for bus implementations and for tests building fakes.
func NewDelivery(ev Event, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Event: ev, ack: ack, nack: nack}
}

// Bus is the Event Bus contract. Publish is used by the Watcher; Consume
// is used by the Completion Consumer.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
