package channel

import (
	"fmt"
	"sync"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/recipient"
)

// Outbox routes outbound responses to whichever attached channel owns
// the recipient's route. It is the loop's delivery function.
type Outbox struct {
	mu       sync.RWMutex
	registry *recipient.Registry
	channels map[string]Channel
}

// NewOutbox creates an outbox resolving recipients against the given
// registry.
func NewOutbox(registry *recipient.Registry) *Outbox {
	return &Outbox{
		registry: registry,
		channels: make(map[string]Channel),
	}
}

// Attach makes a channel available for delivery under its name.
func (o *Outbox) Attach(ch Channel) {
	o.mu.Lock()
	o.channels[ch.Name()] = ch
	o.mu.Unlock()
}

// Deliver resolves the recipient and sends the text down its channel.
// The status tag travels in logs only; channels receive plain text.
func (o *Outbox) Deliver(recipientID, text, status string) error {
	route, ok := o.registry.Resolve(recipientID)
	if !ok {
		return fmt.Errorf("unknown recipient %s", recipientID)
	}

	o.mu.RLock()
	ch, ok := o.channels[route.Channel]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no %s channel attached for %s", route.Channel, recipientID)
	}

	if err := ch.Send(route.Destination, text); err != nil {
		return fmt.Errorf("failed to send via %s: %w", route.Channel, err)
	}
	logging.Info("channel", "delivered to %s via %s (%s): %s",
		recipientID, route.Channel, status, logging.Truncate(text, 60))
	return nil
}

// React resolves the recipient and adds an emoji reaction on its
// channel.
func (o *Outbox) React(recipientID, messageID, emoji string) error {
	route, ok := o.registry.Resolve(recipientID)
	if !ok {
		return fmt.Errorf("unknown recipient %s", recipientID)
	}

	o.mu.RLock()
	ch, ok := o.channels[route.Channel]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no %s channel attached for %s", route.Channel, recipientID)
	}

	if err := ch.React(route.Destination, messageID, emoji); err != nil {
		return fmt.Errorf("failed to react via %s: %w", route.Channel, err)
	}
	logging.Info("channel", "reacted %s to %s via %s", emoji, recipientID, route.Channel)
	return nil
}
