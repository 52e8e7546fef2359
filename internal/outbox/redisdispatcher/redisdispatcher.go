// Package redisdispatcher is the optional multi-process
// outbox.Dispatcher backend. It gives the single-logical-coordinator
// deployment named in spec §1/§9 a real pub/sub transport for the
// optional hot-standby lease scenario, without implementing
// distributed consensus. The redis.Client + graceful-degradation
// shape is grounded on the rate limiter's Redis-backed-with-fallback
// design elsewhere in the retrieved corpus: construct against a
// client, fall back to an in-process dispatcher if Redis is
// unreachable rather than failing dispatch outright.
package redisdispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/orbitmesh/orbitmesh/internal/outbox"
	"github.com/orbitmesh/orbitmesh/internal/outbox/memdispatcher"
)

const channelPrefix = "orbitmesh:outbox:"

// Dispatcher fans events out over Redis pub/sub channels keyed by
// event type, so every server process subscribed to the same channel
// observes the same notification stream. fallback absorbs
// Dispatch/Subscribe calls made while Redis is unreachable so a
// transient outage degrades to single-process delivery instead of
// losing events outright.
type Dispatcher struct {
	client   *redis.Client
	fallback *memdispatcher.Dispatcher

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func New(client *redis.Client) *Dispatcher {
	return &Dispatcher{
		client:   client,
		fallback: memdispatcher.New(),
		subs:     make(map[string]*redis.PubSub),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev outbox.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisdispatcher: marshal event: %w", err)
	}
	if err := d.client.Publish(ctx, channelPrefix+ev.Type, payload).Err(); err != nil {
		log.Printf("redisdispatcher: publish failed, falling back to in-process delivery: %v", err)
		return d.fallback.Dispatch(ctx, ev)
	}
	return nil
}

func (d *Dispatcher) Subscribe(eventType string) (<-chan outbox.Event, error) {
	ps := d.client.Subscribe(context.Background(), channelPrefix+eventType)
	if _, err := ps.Receive(context.Background()); err != nil {
		log.Printf("redisdispatcher: subscribe failed, falling back to in-process delivery: %v", err)
		return d.fallback.Subscribe(eventType)
	}

	d.mu.Lock()
	d.subs[eventType] = ps
	d.mu.Unlock()

	out := make(chan outbox.Event, 100)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev outbox.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("redisdispatcher: dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ps := range d.subs {
		_ = ps.Close()
	}
	d.subs = make(map[string]*redis.PubSub)
	return d.fallback.Close()
}
