package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/recipient"
	"github.com/vthunder/medulla/internal/types"
)

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	Token     string
	ChannelID string // restrict listening to one channel when set
	OwnerID   string
}

// Discord is the Discord channel adapter. One gateway session carries
// both directions.
type Discord struct {
	cfg      DiscordConfig
	session  *discordgo.Session
	registry *recipient.Registry
	sink     EventSink
	botID    string
}

// NewDiscord creates the adapter. The session opens on Start.
func NewDiscord(cfg DiscordConfig, registry *recipient.Registry) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	d := &Discord{
		cfg:      cfg,
		session:  session,
		registry: registry,
	}
	session.AddHandler(d.handleMessage)
	session.AddHandler(d.handleReaction)
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	return d, nil
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection and begins emitting events.
func (d *Discord) Start(ctx context.Context, sink EventSink) error {
	d.sink = sink
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}
	d.botID = d.session.State.User.ID
	logging.Info("discord", "connected as %s", d.session.State.User.Username)
	return nil
}

func (d *Discord) Stop() error {
	return d.session.Close()
}

// Send posts text to a Discord channel id.
func (d *Discord) Send(destination, text string) error {
	_, err := d.session.ChannelMessageSend(destination, text)
	return err
}

// React adds an emoji reaction to a message in a Discord channel.
func (d *Discord) React(destination, messageID, emoji string) error {
	return d.session.MessageReactionAdd(destination, messageID, emoji)
}

func (d *Discord) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own messages
	if m.Author.ID == d.botID {
		return
	}
	if d.cfg.ChannelID != "" && m.ChannelID != d.cfg.ChannelID {
		return
	}
	if d.sink == nil {
		return
	}

	recipientID, err := d.registry.GetOrCreate("discord", m.ChannelID)
	if err != nil {
		logging.Error("discord", "recipient registration failed: %v", err)
		return
	}

	fromOwner := d.cfg.OwnerID != "" && m.Author.ID == d.cfg.OwnerID
	isDM := m.GuildID == ""
	mentioned := d.mentionsBot(m)
	weight := messageWeight(m.Content, fromOwner, isDM, mentioned)

	logging.Info("discord", "message from %s (weight %.2f): %s",
		m.Author.Username, weight, logging.Truncate(m.Content, 50))

	d.sink(&types.Event{
		Source:   types.SourceCommunication,
		Channel:  "discord",
		Type:     types.SignalUserMessage,
		Priority: types.PriorityHigh,
		Payload: map[string]any{
			"text":        m.Content,
			"recipientId": recipientID,
			"authorId":    m.Author.ID,
			"authorName":  m.Author.Username,
			"messageId":   m.ID,
			"isDm":        isDM,
			"mentionsBot": mentioned,
			"value":       weight,
		},
	})
}

func (d *Discord) handleReaction(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == d.botID {
		return
	}
	if d.cfg.ChannelID != "" && r.ChannelID != d.cfg.ChannelID {
		return
	}
	if d.sink == nil {
		return
	}

	recipientID, err := d.registry.GetOrCreate("discord", r.ChannelID)
	if err != nil {
		logging.Error("discord", "recipient registration failed: %v", err)
		return
	}

	d.sink(&types.Event{
		Source:   types.SourceCommunication,
		Channel:  "discord",
		Type:     types.SignalReaction,
		Priority: types.PriorityLow,
		Payload: map[string]any{
			"emoji":       r.Emoji.Name,
			"messageId":   r.MessageID,
			"recipientId": recipientID,
		},
	})
}

func (d *Discord) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, mention := range m.Mentions {
		if mention.ID == d.botID {
			return true
		}
	}
	return false
}

// messageWeight scores how loudly a message presses on the agent,
// 0.0-1.0. It rides the signal's value metric.
func messageWeight(content string, fromOwner, isDM, mentionsBot bool) float64 {
	weight := 0.5

	if fromOwner {
		weight = 0.9
	}
	if isDM && weight < 0.8 {
		weight = 0.8
	}
	if mentionsBot && weight < 0.85 {
		weight = 0.85
	}

	lower := strings.ToLower(content)
	for _, kw := range []string{"urgent", "asap", "help", "error", "broken", "emergency"} {
		if strings.Contains(lower, kw) {
			if weight < 0.8 {
				weight = 0.8
			}
			break
		}
	}
	return weight
}
