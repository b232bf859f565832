// Package discord is the reference chat adapter, speaking the Discord
// gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
)

// JIDPrefix namespaces Discord channel IDs in the cross-channel JID space.
const JIDPrefix = "discord:"

const maxMessageLen = 2000

// OnInbound receives every accepted inbound message. The pipeline stores it
// and picks it up on the next poll.
type OnInbound func(msg bus.Message, mentioned bool)

// OnReconnect fires after the gateway session resumes, so the broadcast
// plane can retry undelivered output.
type OnReconnect func()

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string
	connected bool

	dedupe      *dedupe
	onInbound   OnInbound
	onReconnect OnReconnect
}

// New creates the adapter from config.
func New(cfg config.DiscordConfig, onInbound OnInbound, onReconnect OnReconnect) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		session:     session,
		cfg:         cfg,
		dedupe:      newDedupe(20*time.Minute, 5000),
		onInbound:   onInbound,
		onReconnect: onReconnect,
	}, nil
}

// Name returns the adapter identifier.
func (c *Channel) Name() string { return "discord" }

// PrefixAssistantName reports the per-platform prefix rule.
func (c *Channel) PrefixAssistantName() bool { return c.cfg.PrefixName }

// OwnsJID claims every JID in the discord namespace.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, JIDPrefix) }

// JID builds the namespaced JID for a Discord channel ID.
func JID(channelID string) string { return JIDPrefix + channelID }

// channelID strips the namespace prefix.
func channelID(jid string) string { return strings.TrimPrefix(jid, JIDPrefix) }

// Connect opens the gateway connection and begins receiving events.
func (c *Channel) Connect(_ context.Context) error {
	slog.Info("starting discord adapter")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		slog.Info("discord session resumed")
		if c.onReconnect != nil {
			c.onReconnect()
		}
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.connected = true
	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (c *Channel) Disconnect(_ context.Context) error {
	slog.Info("stopping discord adapter")
	c.connected = false
	return c.session.Close()
}

// Reconnect tears down and re-opens the session.
func (c *Channel) Reconnect(ctx context.Context) error {
	_ = c.Disconnect(ctx)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if c.onReconnect != nil {
		c.onReconnect()
	}
	return nil
}

// IsConnected reports gateway liveness.
func (c *Channel) IsConnected() bool { return c.connected }

// SendMessage delivers text to a Discord channel, chunking past the 2000
// character platform limit.
func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	if !c.connected {
		return fmt.Errorf("discord adapter not connected")
	}
	return c.sendChunked(channelID(jid), text)
}

// sendChunked splits long content at newlines where possible.
func (c *Channel) sendChunked(id, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(id, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SetTyping triggers the typing indicator. Discord's indicator expires on
// its own after about ten seconds, so "off" is a no-op.
func (c *Channel) SetTyping(_ context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	return c.session.ChannelTyping(channelID(jid))
}

// SendReaction puts an emoji reaction on a message.
func (c *Channel) SendReaction(_ context.Context, jid, messageID, emoji string) error {
	return c.session.MessageReactionAdd(channelID(jid), messageID, emoji)
}

// PostMessage sends text and returns the platform message id for later
// edits.
func (c *Channel) PostMessage(_ context.Context, jid, text string) (string, error) {
	msg, err := c.session.ChannelMessageSend(channelID(jid), channel.Truncate(text, maxMessageLen))
	if err != nil {
		return "", fmt.Errorf("post discord message: %w", err)
	}
	return msg.ID, nil
}

// UpdateMessage edits a previously posted message in place.
func (c *Channel) UpdateMessage(_ context.Context, jid, messageID, text string) error {
	_, err := c.session.ChannelMessageEdit(channelID(jid), messageID, channel.Truncate(text, maxMessageLen))
	return err
}

// FetchInboundSince pulls recent channel history for reconciliation after a
// gateway gap.
func (c *Channel) FetchInboundSince(_ context.Context, jid string, since time.Time) ([]bus.Message, error) {
	msgs, err := c.session.ChannelMessages(channelID(jid), 100, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("fetch discord history: %w", err)
	}
	var out []bus.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
			continue
		}
		if !m.Timestamp.After(since) {
			continue
		}
		out = append(out, c.toMessage(jid, m))
	}
	return out, nil
}

// CreateGroup creates a text channel in the configured guild.
func (c *Channel) CreateGroup(_ context.Context, name string) (string, error) {
	if c.cfg.GuildID == "" {
		return "", fmt.Errorf("discord guild_id not configured")
	}
	ch, err := c.session.GuildChannelCreate(c.cfg.GuildID, name, discordgo.ChannelTypeGuildText)
	if err != nil {
		return "", fmt.Errorf("create discord channel: %w", err)
	}
	return JID(ch.ID), nil
}

// handleMessage processes one gateway message event.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if !c.dedupe.firstSeen(m.ID) {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}

	msg := c.toMessage(JID(m.ChannelID), m.Message)
	slog.Debug("discord message received",
		"sender", msg.Sender,
		"chat_jid", msg.ChatJID,
		"preview", channel.Truncate(msg.Content, 50),
	)
	if c.onInbound != nil {
		c.onInbound(msg, mentioned)
	}
}

// toMessage converts a platform message to the shared form. The sender takes
// an "@discord" suffix so user-origin detection holds.
func (c *Channel) toMessage(jid string, m *discordgo.Message) bus.Message {
	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}
	return bus.Message{
		ID:         m.ID,
		ChatJID:    jid,
		Sender:     m.Author.ID + "@discord",
		SenderName: displayName(m),
		Content:    content,
		Timestamp:  m.Timestamp,
		Type:       bus.TypeUser,
	}
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
