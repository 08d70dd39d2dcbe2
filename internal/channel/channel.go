// Package channel holds the communication surfaces the agent listens
// and speaks through. Each adapter turns inbound traffic into queue
// events and carries outbound responses to a destination; everything
// in between belongs to the pipeline.
package channel

import (
	"context"

	"github.com/vthunder/medulla/internal/types"
)

// EventSink receives inbound events from a channel adapter, typically
// the core queue's Push.
type EventSink func(*types.Event)

// Channel is one communication surface. Name doubles as the registry
// channel key, so it must stay stable across runs.
type Channel interface {
	Name() string

	// Start connects the surface and begins feeding events into sink.
	// It must not block beyond connection setup.
	Start(ctx context.Context, sink EventSink) error

	Stop() error

	// Send delivers text to a channel-native destination (a Discord
	// channel id, "local" for the console).
	Send(destination, text string) error

	// React attaches an emoji to a previously seen message, a lighter
	// acknowledgment than a reply.
	React(destination, messageID, emoji string) error
}
