package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tos-network/tos-miner/internal/util"
)

// Sink receives events from the bus dispatcher goroutine
type Sink interface {
	Name() string
	Handle(e Event)
}

// Bus fans events out to sinks and keeps a ring of recent events
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64

	mu      sync.RWMutex
	sinks   []Sink
	ring    []Event
	next    int
	full    bool
	subs    map[int]chan Event
	nextSub int
}

// NewBus creates a bus keeping the last size events
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 200
	}
	return &Bus{
		ch:   make(chan Event, size),
		ring: make([]Event, size),
		subs: make(map[int]chan Event),
	}
}

// AddSink registers a sink; call before Run
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit queues an event without blocking; it is counted and dropped when the
// dispatcher falls behind
func (b *Bus) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			util.Warnf("Telemetry bus full, dropping %s events", e.Kind)
		}
	}
}

// Dropped returns how many events were lost to backpressure
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run dispatches events until ctx ends, then flushes what is queued
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		case e := <-b.ch:
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	sinks := b.sinks
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
		}
	}
	b.mu.Unlock()

	for _, s := range sinks {
		s.Handle(e)
	}
}

// Recent returns up to n events, oldest first
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.ring)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Event, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Subscribe returns a channel receiving every dispatched event; slow
// subscribers miss events. The returned func unsubscribes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
