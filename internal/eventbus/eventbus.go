// Package eventbus is the in-process, best-effort fan-out described
// in spec §4.6: one topic per orderId, fire-and-forget publish,
// refcounted subscription. Grounded on
// libs/shared/websocket/router.go's topic-keyed consumer map,
// simplified from its zero-copy frame-pool machinery (unneeded at
// this system's per-order message rate) down to a plain
// map[orderID][]chan Event guarded by a mutex.
package eventbus

import "sync"

// Event is one status transition broadcast on an order's topic
// (spec §4.3 "every persisted state change is followed by a publish").
type Event struct {
	OrderID   string
	Status    string
	Timestamp string
	Fields    map[string]string
}

// Bus fans out events published on an orderId's topic to every
// currently subscribed listener. The bus is not the source of truth
// (spec §4.6) — losing a message is recoverable via backfill.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]chan Event
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]chan Event)}
}

// Subscribe registers a new buffered listener for orderId's topic.
// The caller must call the returned unsubscribe function exactly once
// on disconnect (spec §4.5 step 5).
func (b *Bus) Subscribe(orderID string) (ch <-chan Event, unsubscribe func()) {
	c := make(chan Event, 32)
	b.mu.Lock()
	b.topics[orderID] = append(b.topics[orderID], c)
	b.mu.Unlock()

	once := sync.Once{}
	return c, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.topics[orderID]
			for i, existing := range list {
				if existing == c {
					list[i] = list[len(list)-1]
					list = list[:len(list)-1]
					break
				}
			}
			if len(list) == 0 {
				delete(b.topics, orderID)
			} else {
				b.topics[orderID] = list
			}
			close(c)
		})
	}
}

// Publish fire-and-forgets an event to every current subscriber of
// orderId's topic. A slow subscriber whose buffer is full drops the
// event rather than blocking the publisher (spec §4.6: best-effort,
// backfill covers the gap on reconnect).
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	listeners := append([]chan Event(nil), b.topics[e.OrderID]...)
	b.mu.RUnlock()

	for _, ch := range listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are attached to
// orderId's topic (observability).
func (b *Bus) SubscriberCount(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[orderID])
}

// CloseAll closes every subscriber channel across every topic, used
// during shutdown once workers have stopped publishing (spec §9).
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for orderID, list := range b.topics {
		for _, ch := range list {
			close(ch)
		}
		delete(b.topics, orderID)
	}
}
