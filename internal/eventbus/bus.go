// Package eventbus is the in-memory signal fabric between the transport,
// the reconnection supervisor, the delivery engine and metrics.
//
// It replaces callback-style event wiring with an explicit published stream:
// ordering between a single publisher and a single subscriber is the publish
// order, and delivery to slow subscribers is bounded (drop, never block).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published on the bus.
const (
	TypeTransportQR           = "transport.qr"
	TypeTransportReady        = "transport.ready"
	TypeTransportMessage      = "transport.message"
	TypeTransportAck          = "transport.ack"
	TypeTransportDisconnected = "transport.disconnected"
	TypeTransportAuthFailure  = "transport.auth_failure"

	TypeReconnectGaveUp  = "reconnect.gave_up"
	TypeSessionCleared   = "session.cleared"
	TypeDeliveryOutcome  = "delivery.outcome"
	TypeDeliveryTerminal = "delivery.terminal"
	TypeMetricsSnapshot  = "metrics.snapshot"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
