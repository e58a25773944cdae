package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is what subscribers receive: the tag, its typed payload and
// where it came from.
type Envelope struct {
	Kind    Event     `json:"kind"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
	Payload Payload   `json:"payload"`
}

// Publisher is the fire-and-forget side of the bus handed to components.
type Publisher interface {
	Publish(source string, payload Payload)
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Envelope
	all     []chan Envelope
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope), now: time.Now}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs[e] = remove(b.subs[e], ch)
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribeAll receives every event regardless of kind.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.all = append(b.all, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = remove(b.all, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers miss events.
func (b *Bus) Publish(source string, payload Payload) {
	if payload == nil {
		return
	}
	env := Envelope{Kind: payload.Kind(), Source: source, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[env.Kind] {
		b.deliver(ch, env)
	}
	for _, ch := range b.all {
		b.deliver(ch, env)
	}
}

func (b *Bus) deliver(ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
	default:
		// drop if subscriber is slow; keep broker non-blocking
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func remove(subs []chan Envelope, ch chan Envelope) []chan Envelope {
	for i, c := range subs {
		if c == ch {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, Payload) {}
