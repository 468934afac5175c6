package services

import (
	"context"
	"sync"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// MultiNotifier delivers each event to every notifier in order.
type MultiNotifier []ports.Notifier

func (m MultiNotifier) Notify(ctx context.Context, event domain.CallEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// EventFeed broadcasts call events to in-process subscribers such as the
// control API's event stream. A subscriber that falls behind loses events
// rather than stalling the engine.
type EventFeed struct {
	mu     sync.Mutex
	subs   map[int]chan domain.CallEvent
	nextID int
	closed bool
}

var _ ports.Notifier = (*EventFeed)(nil)

func NewEventFeed() *EventFeed {
	return &EventFeed{subs: make(map[int]chan domain.CallEvent)}
}

func (f *EventFeed) Notify(_ context.Context, event domain.CallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (f *EventFeed) Subscribe(buffer int) (<-chan domain.CallEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan domain.CallEvent, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
