// Package memdispatcher is the in-process outbox.Dispatcher, adapted
// from the donor's internal/engine/dispatcher.InMemDispatcher: fan-out
// to per-event-type subscriber channels with a bounded delivery
// timeout so one slow subscriber cannot stall every other dispatch.
package memdispatcher

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/outbox"
)

// DeliveryTimeout bounds how long Dispatch waits for a subscriber
// channel to accept an event before counting it dropped.
var DeliveryTimeout = 100 * time.Millisecond

var droppedDeliveries uint64

func DroppedDeliveries() uint64 { return atomic.LoadUint64(&droppedDeliveries) }

type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]chan outbox.Event
}

func New() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]chan outbox.Event)}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev outbox.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for idx, ch := range d.subs[ev.Type] {
		select {
		case ch <- ev:
		case <-ctx.Done():
			atomic.AddUint64(&droppedDeliveries, 1)
			log.Printf("memdispatcher: delivery cancelled for type=%s subscriber=%d: %v", ev.Type, idx, ctx.Err())
		case <-time.After(DeliveryTimeout):
			atomic.AddUint64(&droppedDeliveries, 1)
			log.Printf("memdispatcher: dropped event type=%s subscriber=%d after %s", ev.Type, idx, DeliveryTimeout)
		}
	}
	return nil
}

func (d *Dispatcher) Subscribe(eventType string) (<-chan outbox.Event, error) {
	ch := make(chan outbox.Event, 100)
	d.mu.Lock()
	d.subs[eventType] = append(d.subs[eventType], ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, chs := range d.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	d.subs = make(map[string][]chan outbox.Event)
	return nil
}
