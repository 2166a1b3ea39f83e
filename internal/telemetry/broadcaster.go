// Package telemetry fans engine telemetry frames out to observers.
package telemetry

import (
	"sync"

	"github.com/alanyoungcy/wickhunter/internal/metrics"
)

// DefaultBuffer is the per-subscriber frame buffer.
const DefaultBuffer = 256

// Broadcaster is an in-process topic. Publish never blocks: a subscriber
// whose buffer is full misses the frame.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan []byte
	next   uint64
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan []byte)}
}

// Publish delivers frame to every subscriber with buffer space.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer size (DefaultBuffer
// when <= 0). The returned cancel func removes it and closes the channel; it
// is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan []byte, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	n := len(b.subs)
	b.mu.Unlock()
	metrics.TelemetryClients.Set(float64(n))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			n := len(b.subs)
			b.mu.Unlock()
			metrics.TelemetryClients.Set(float64(n))
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscribers receive an
// already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	metrics.TelemetryClients.Set(0)
}
