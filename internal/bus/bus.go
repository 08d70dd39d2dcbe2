package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Handler receives a matching signal. Handlers run concurrently; an
// error is logged and never interrupts other deliveries.
type Handler func(sig *types.Signal) error

// Filter selects which signals a subscription receives. Empty string
// fields match anything. MinPriority, when set, admits only signals at
// that urgency or higher (lower number).
type Filter struct {
	Source      string
	Channel     string
	Type        string
	MinPriority *types.Priority
}

// Matches reports whether the signal passes every specified field.
func (f Filter) Matches(sig *types.Signal) bool {
	if f.Source != "" && f.Source != sig.Source {
		return false
	}
	if f.Channel != "" && f.Channel != sig.Channel {
		return false
	}
	if f.Type != "" && f.Type != sig.Type {
		return false
	}
	if f.MinPriority != nil && sig.Priority > *f.MinPriority {
		return false
	}
	return true
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Bus fans signals out to filtered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(handler Handler, filter Filter) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == subID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the signal to every matching subscriber. Handlers
// are started concurrently; Publish returns the number of deliveries
// started and never fails.
func (b *Bus) Publish(sig *types.Signal) int {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(sig) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		go b.deliver(sub, sig)
	}
	return len(matched)
}

func (b *Bus) deliver(sub *subscription, sig *types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("bus", "handler %s panicked on %s signal: %v", sub.id, sig.Type, r)
		}
	}()
	if err := sub.handler(sig); err != nil {
		logging.Warn("bus", "handler %s failed on %s signal: %v", sub.id, sig.Type, err)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
