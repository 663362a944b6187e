// Package eventbus implements a broadcast channel of model.DomainEvent using
// a subscriber-map-plus-mutex shape. When a subscriber's queue is full, it
// evicts its own oldest queued event to make room, so the most recent state
// always eventually reaches a live subscriber rather than being silently
// discarded.
package eventbus

import (
	"sync"

	"github.com/matx64/synche/pkg/model"
)

const subscriberBuffer = 64

// Bus is an RWMutex-guarded MPMC broadcaster of DomainEvents: Publish and
// Count take the read lock, Subscribe and Unsubscribe the write lock. Late subscribers never see history; they only receive
// events published after Subscribe returns.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan model.DomainEvent]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[chan model.DomainEvent]struct{})}
}

// Subscribe registers a new subscriber and returns its event channel. The
// caller must call Unsubscribe when done to release the channel.
func (b *Bus) Subscribe() chan model.DomainEvent {
	ch := make(chan model.DomainEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan model.DomainEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// queue is full has its oldest queued event dropped to make room, so a burst
// of activity never blocks the publisher and slow consumers still converge
// on recent state instead of stalling on stale events.
func (b *Bus) Publish(ev model.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Count returns the current number of subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
