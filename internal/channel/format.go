package channel

import (
	"regexp"
	"strings"
)

// AssistantPrefix is the emoji-name prefix applied on platforms that cannot
// otherwise distinguish the assistant from other bot traffic.
const AssistantPrefix = "🦞 "

// HostPrefix marks orchestrator-origin notices.
const HostPrefix = "🏠 "

var (
	internalTagRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)
	hostTagRe     = regexp.MustCompile(`(?s)<host>(.*?)</host>`)
)

// StripInternal removes <internal> sections. Agents use them for content
// meant only for their own context, never for the chat.
func StripInternal(text string) string {
	return strings.TrimSpace(internalTagRe.ReplaceAllString(text, ""))
}

// ExtractHost returns the <host>-tagged content and whether any was present.
func ExtractHost(text string) (string, bool) {
	m := hostTagRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// FormatOutbound prepares agent text for one channel. Returns "" when the
// channel should be skipped (content was internal-only).
func FormatOutbound(ch Channel, text string) string {
	text = StripInternal(text)
	if text == "" {
		return ""
	}
	if ch.PrefixAssistantName() {
		return AssistantPrefix + text
	}
	return text
}
