package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/adrianvm/whalebot/internal/domain"
)

const degradedReportEvery = 10 * time.Second

// eventBuffer is the bounded queue between the read loop and the
// consumer. Under backpressure it drops the oldest book deltas first,
// then price changes; trades are never dropped, the queue grows instead.
type eventBuffer struct {
	mu       sync.Mutex
	queue    []domain.StreamEvent
	capacity int
	dropped  uint64
	lastWarn time.Time
	closed   bool

	out    chan domain.StreamEvent
	signal chan struct{}
	done   chan struct{}
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &eventBuffer{
		capacity: capacity,
		out:      make(chan domain.StreamEvent),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Push encola un evento aplicando la política de drop si el buffer
// está lleno. Nunca bloquea al read loop.
func (b *eventBuffer) Push(ev domain.StreamEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	if len(b.queue) >= b.capacity {
		if b.dropOldest() {
			b.dropped++
			if time.Since(b.lastWarn) >= degradedReportEvery {
				b.lastWarn = time.Now()
				b.queue = append(b.queue, domain.ConnectionStateChange{
					State:  domain.ConnDegraded,
					Reason: fmt.Sprintf("backpressure: %d events dropped", b.dropped),
					At:     time.Now().UTC(),
				})
			}
		}
		// Si no hay nada descartable (solo trades), la cola crece.
	}

	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// dropOldest elimina el delta de libro más viejo, o en su defecto el
// price change más viejo. Devuelve false si la cola solo contiene
// eventos no descartables.
func (b *eventBuffer) dropOldest() bool {
	for i, ev := range b.queue {
		if _, ok := ev.(domain.OrderbookDelta); ok {
			b.removeAt(i)
			return true
		}
	}
	for i, ev := range b.queue {
		if _, ok := ev.(domain.PriceChange); ok {
			b.removeAt(i)
			return true
		}
	}
	return false
}

func (b *eventBuffer) removeAt(i int) {
	copy(b.queue[i:], b.queue[i+1:])
	b.queue[len(b.queue)-1] = nil
	b.queue = b.queue[:len(b.queue)-1]
}

// Resize ajusta la capacidad al crecer el conjunto suscrito.
func (b *eventBuffer) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	b.capacity = capacity
	b.mu.Unlock()
}

// Dropped devuelve el total de eventos descartados.
func (b *eventBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close cierra el canal de salida. Los eventos pendientes se pierden.
func (b *eventBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

// Events es el canal de consumo.
func (b *eventBuffer) Events() <-chan domain.StreamEvent {
	return b.out
}

// dispatch bombea la cola hacia el canal de salida.
func (b *eventBuffer) dispatch() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				close(b.out)
				return
			}
			select {
			case <-b.signal:
				continue
			case <-b.done:
				close(b.out)
				return
			}
		}
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- ev:
		case <-b.done:
			close(b.out)
			return
		}
	}
}
