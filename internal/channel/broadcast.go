package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/store"
)

const defaultMaxAttempts = 5

// Ledger is the persistence slice of the broadcast plane: outbound delivery
// tracking plus message storage.
type Ledger interface {
	RecordOutbound(e store.LedgerEntry) (int64, error)
	MarkDelivered(id int64, channel string) error
	BumpAttempt(id int64) error
	UndeliveredFor(channel string, maxAttempts int) ([]store.LedgerEntry, error)
	StoreMessage(m bus.Message) error
}

// Broadcaster fans outbound text across every adapter owning a chat and
// tracks delivery in the outbound ledger.
type Broadcaster struct {
	channels    []Channel
	ledger      Ledger
	limiter     *SendLimiter
	agentName   string
	maxAttempts int
}

// NewBroadcaster wires the broadcast plane.
func NewBroadcaster(channels []Channel, ledger Ledger, limiter *SendLimiter, agentName string) *Broadcaster {
	return &Broadcaster{
		channels:    channels,
		ledger:      ledger,
		limiter:     limiter,
		agentName:   agentName,
		maxAttempts: defaultMaxAttempts,
	}
}

// Channels returns every registered adapter.
func (b *Broadcaster) Channels() []Channel { return b.channels }

// ChannelsFor returns the adapters that deliver to a chat.
func (b *Broadcaster) ChannelsFor(jid string) []Channel {
	var out []Channel
	for _, ch := range b.channels {
		if ch.OwnsJID(jid) {
			out = append(out, ch)
		}
	}
	return out
}

// BroadcastAgentMessage stores agent text and fans it out with the
// per-channel prefix rule. Channel failures are recorded in the ledger for
// retry, never returned.
func (b *Broadcaster) BroadcastAgentMessage(ctx context.Context, jid, text string) error {
	stripped := StripInternal(text)
	if stripped == "" {
		return nil
	}
	if err := b.ledger.StoreMessage(bus.Message{
		ID:        uuid.NewString(),
		ChatJID:   jid,
		Sender:    b.agentName,
		Content:   stripped,
		Timestamp: time.Now(),
		IsFromMe:  true,
		Type:      bus.TypeAssistant,
	}); err != nil {
		return fmt.Errorf("store outbound: %w", err)
	}
	b.fanOut(ctx, jid, text, "agent", true)
	return nil
}

// BroadcastHostMessage stores an orchestrator notice and fans it out with
// identical text on every channel. The 🏠 prefix identifies the origin, so
// no assistant-name prefix applies.
func (b *Broadcaster) BroadcastHostMessage(ctx context.Context, jid, text string) error {
	if !strings.HasPrefix(text, HostPrefix) {
		text = HostPrefix + text
	}
	if err := b.ledger.StoreMessage(bus.Message{
		ID:        uuid.NewString(),
		ChatJID:   jid,
		Sender:    "host",
		Content:   text,
		Timestamp: time.Now(),
		IsFromMe:  true,
		Type:      bus.TypeHost,
	}); err != nil {
		return fmt.Errorf("store host message: %w", err)
	}
	b.fanOut(ctx, jid, text, "host", false)
	return nil
}

// fanOut records a ledger entry and attempts delivery on every owning
// channel. formatted selects the per-channel agent formatting; host notices
// go out verbatim.
func (b *Broadcaster) fanOut(ctx context.Context, jid, text, source string, formatted bool) {
	owners := b.ChannelsFor(jid)
	if len(owners) == 0 {
		slog.Warn("channel: no adapter owns chat", "jid", jid)
		return
	}
	names := make([]string, len(owners))
	for i, ch := range owners {
		names[i] = ch.Name()
	}

	id, err := b.ledger.RecordOutbound(store.LedgerEntry{
		ChatJID:  jid,
		Content:  text,
		Source:   source,
		Channels: names,
	})
	if err != nil {
		slog.Error("channel: ledger record failed", "jid", jid, "error", err)
	}

	for _, ch := range owners {
		b.deliver(ctx, ch, id, jid, text, formatted)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, ch Channel, ledgerID int64, jid, text string, formatted bool) {
	out := text
	if formatted {
		out = FormatOutbound(ch, text)
		if out == "" {
			if ledgerID > 0 {
				_ = b.ledger.MarkDelivered(ledgerID, ch.Name())
			}
			return
		}
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, ch.Name()); err != nil {
			return
		}
	}
	if err := ch.SendMessage(ctx, jid, out); err != nil {
		slog.Warn("channel: send failed", "channel", ch.Name(), "jid", jid, "error", err)
		if ledgerID > 0 {
			_ = b.ledger.BumpAttempt(ledgerID)
		}
		return
	}
	if ledgerID > 0 {
		_ = b.ledger.MarkDelivered(ledgerID, ch.Name())
	}
}

// BroadcastNotice fans preformatted text out verbatim on every owning
// channel without storing a message. Used for command output already
// persisted by the caller.
func (b *Broadcaster) BroadcastNotice(ctx context.Context, jid, text string) {
	b.fanOut(ctx, jid, text, "notice", false)
}

// SendReaction puts an emoji reaction on a message via every owning channel
// that supports reactions.
func (b *Broadcaster) SendReaction(ctx context.Context, jid, messageID, emoji string) {
	for _, ch := range b.ChannelsFor(jid) {
		rc, ok := ch.(ReactionChannel)
		if !ok {
			continue
		}
		if err := rc.SendReaction(ctx, jid, messageID, emoji); err != nil {
			slog.Debug("channel: reaction failed", "channel", ch.Name(), "error", err)
		}
	}
}

// SetTyping toggles the typing indicator on every owning channel that
// supports it.
func (b *Broadcaster) SetTyping(ctx context.Context, jid string, typing bool) {
	for _, ch := range b.ChannelsFor(jid) {
		tc, ok := ch.(TypingChannel)
		if !ok {
			continue
		}
		if err := tc.SetTyping(ctx, jid, typing); err != nil {
			slog.Debug("channel: typing failed", "channel", ch.Name(), "error", err)
		}
	}
}

// AskUser posts interactive questions through the first owning channel with
// ask-user support, falling back to a plain message.
func (b *Broadcaster) AskUser(ctx context.Context, jid, requestID string, questions []string) error {
	for _, ch := range b.ChannelsFor(jid) {
		if ac, ok := ch.(AskUserChannel); ok {
			_, err := ac.SendAskUser(ctx, jid, requestID, questions)
			return err
		}
	}
	return b.BroadcastAgentMessage(ctx, jid, "❓ "+strings.Join(questions, "\n❓ "))
}

// RetryUndelivered re-attempts ledger entries still owed to a channel,
// oldest first. Called on channel reconnect.
func (b *Broadcaster) RetryUndelivered(ctx context.Context, ch Channel) {
	entries, err := b.ledger.UndeliveredFor(ch.Name(), b.maxAttempts)
	if err != nil {
		slog.Error("channel: undelivered query failed", "channel", ch.Name(), "error", err)
		return
	}
	for _, e := range entries {
		if !ch.OwnsJID(e.ChatJID) {
			continue
		}
		b.deliver(ctx, ch, e.ID, e.ChatJID, e.Content, e.Source == "agent")
	}
}
