// Package signal provides a single-slot, latest-value-wins broadcast used to
// publish progress and state to observers.
package signal

import "sync"

// Value holds the latest published T. Readers never block writers; a
// subscriber that falls behind only sees the newest value.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	version uint64
	subs    map[*Subscription[T]]struct{}
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Version counts Set calls; useful for observers that poll.
func (v *Value[T]) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// Set publishes val and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	v.version++
	for sub := range v.subs {
		sub.offer(val)
	}
}

// Update applies fn to the current value and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = fn(v.current)
	v.version++
	for sub := range v.subs {
		sub.offer(v.current)
	}
	return v.current
}

// Subscribe returns a subscription that receives the current value
// immediately and every later value, dropping stale ones.
func (v *Value[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, 1), parent: v}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.subs == nil {
		v.subs = make(map[*Subscription[T]]struct{})
	}
	v.subs[sub] = struct{}{}
	sub.offer(v.current)
	return sub
}

// Subscription is a single observer of a Value.
type Subscription[T any] struct {
	ch     chan T
	parent *Value[T]
	once   sync.Once
}

// C delivers values. It is closed by Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// offer replaces any undelivered value with val. Called with parent.mu held.
func (s *Subscription[T]) offer(val T) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- val
}

// Close detaches the subscription.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.ch)
	})
}
