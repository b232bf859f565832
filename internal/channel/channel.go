// Package channel provides the chat platform abstraction and the broadcast
// plane that fans agent output across every connected adapter.
//
// Adapters implement Channel plus whichever optional capability interfaces
// their platform supports; the broadcast plane discovers capabilities with
// type assertions at call time.
package channel

import (
	"context"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
)

// Channel is the required capability set of every chat adapter.
type Channel interface {
	// Name returns the adapter identifier (e.g. "discord").
	Name() string

	// Connect establishes the platform session. Non-blocking after setup.
	Connect(ctx context.Context) error

	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error

	// Reconnect re-establishes a dropped session.
	Reconnect(ctx context.Context) error

	// IsConnected reports whether the session is live.
	IsConnected() bool

	// OwnsJID reports whether this adapter delivers to the given chat JID
	// (canonical or alias).
	OwnsJID(jid string) bool

	// SendMessage delivers text to a chat.
	SendMessage(ctx context.Context, jid, text string) error

	// PrefixAssistantName reports whether outbound agent text needs the
	// assistant's emoji-name prefix on this platform.
	PrefixAssistantName() bool
}

// TypingChannel adds typing indicator support.
type TypingChannel interface {
	Channel
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// ReactionChannel adds emoji reaction support.
type ReactionChannel interface {
	Channel
	SendReaction(ctx context.Context, jid, messageID, emoji string) error
}

// StreamingChannel adds post-then-edit support for incremental output.
type StreamingChannel interface {
	Channel
	PostMessage(ctx context.Context, jid, text string) (string, error)
	UpdateMessage(ctx context.Context, jid, messageID, text string) error
}

// HistoryChannel adds inbound history reconciliation after gaps.
type HistoryChannel interface {
	Channel
	FetchInboundSince(ctx context.Context, jid string, since time.Time) ([]bus.Message, error)
}

// GroupChannel adds chat group creation.
type GroupChannel interface {
	Channel
	CreateGroup(ctx context.Context, name string) (string, error)
}

// AskUserChannel adds interactive question prompts.
type AskUserChannel interface {
	Channel
	SendAskUser(ctx context.Context, jid, requestID string, questions []string) (string, error)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
