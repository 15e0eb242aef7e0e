package bus

import (
	"context"
	"sync"
)

// MemoryBus is the in-process Event Bus variant permitted by spec.md §9 for
// single-node deployments, modeled on the teacher's pkg/events.Broker:
// a buffered channel and a stop channel. Publish blocks while the buffer is
// full, until there is room, the bus is closed, or ctx is done.
type MemoryBus struct {
	mu       sync.Mutex
	eventCh  chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryBus creates an in-process bus with the given buffer capacity.
func NewMemoryBus(bufferSize int) *MemoryBus {
	return &MemoryBus{
		eventCh: make(chan Event, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.eventCh <- ev:
		return nil
	case <-b.stopCh:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a Delivery channel. Because this bus is in-process and
// unbuffered-beyond-capacity, Ack/Nack are no-ops that always succeed: a
// nacked event is simply not requeued, since there is no broker to redeliver
// it from — at-least-once here degrades to at-most-once across process
// restarts, acceptable only for the single-node deployments spec.md §9
// scopes this variant to.
func (b *MemoryBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-b.eventCh:
				if !ok {
					return
				}
				select {
				case out <- NewDelivery(ev, func() error { return nil }, func(bool) error { return nil }):
				case <-ctx.Done():
					return
				case <-b.stopCh:
					return
				}
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBus) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	return nil
}

var errClosed = closedBusError{}

type closedBusError struct{}

func (closedBusError) Error() string { return "bus: closed" }
