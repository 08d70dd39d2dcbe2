package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/recipient"
	"github.com/vthunder/medulla/internal/types"
)

// ConsoleDestination is the single route the console serves.
const ConsoleDestination = "local"

// Console is the local development channel: a readline loop on stdin
// feeding the queue, with agent responses printed above the prompt.
type Console struct {
	registry *recipient.Registry
	rl       *readline.Instance
	done     chan struct{}
}

// NewConsole creates the console adapter.
func NewConsole(registry *recipient.Registry) *Console {
	return &Console{
		registry: registry,
		done:     make(chan struct{}),
	}
}

func (c *Console) Name() string { return "console" }

// Start opens the prompt and begins reading lines.
func (c *Console) Start(ctx context.Context, sink EventSink) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	c.rl = rl

	// The route exists from the first prompt, so proactive sends work
	// before the user has said anything.
	if _, err := c.registry.GetOrCreate(c.Name(), ConsoleDestination); err != nil {
		rl.Close()
		return fmt.Errorf("failed to register console recipient: %w", err)
	}

	go c.readLoop(ctx, sink)
	logging.Info("console", "local console ready")
	return nil
}

func (c *Console) readLoop(ctx context.Context, sink EventSink) {
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			// io.EOF on ^D, or the instance was closed by Stop.
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		recipientID, err := c.registry.GetOrCreate(c.Name(), ConsoleDestination)
		if err != nil {
			logging.Error("console", "recipient registration failed: %v", err)
			continue
		}
		sink(&types.Event{
			Source:   types.SourceCommunication,
			Channel:  c.Name(),
			Type:     types.SignalUserMessage,
			Priority: types.PriorityHigh,
			Payload: map[string]any{
				"text":        line,
				"recipientId": recipientID,
			},
		})
	}
}

// Stop closes the prompt, which unblocks the read loop.
func (c *Console) Stop() error {
	if c.rl == nil {
		return nil
	}
	err := c.rl.Close()
	<-c.done
	return err
}

// Send prints a response above the prompt.
func (c *Console) Send(destination, text string) error {
	if c.rl == nil {
		return fmt.Errorf("console not started")
	}
	if destination != ConsoleDestination {
		return fmt.Errorf("unknown console destination %q", destination)
	}
	_, err := fmt.Fprintf(c.rl.Stdout(), "agent> %s\n", text)
	return err
}

// React prints the emoji above the prompt. Console lines carry no
// message ids, so the id is accepted and ignored.
func (c *Console) React(destination, _, emoji string) error {
	if c.rl == nil {
		return fmt.Errorf("console not started")
	}
	if destination != ConsoleDestination {
		return fmt.Errorf("unknown console destination %q", destination)
	}
	_, err := fmt.Fprintf(c.rl.Stdout(), "agent> %s\n", emoji)
	return err
}
