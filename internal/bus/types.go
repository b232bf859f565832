// Package bus holds the message and event types shared between the store,
// the inbound pipeline, the container runner and the channel broadcast plane.
package bus

import (
	"encoding/json"
	"strings"
	"time"
)

// Message type constants for Message.Type.
const (
	TypeUser       = "user"
	TypeAssistant  = "assistant"
	TypeSystem     = "system"
	TypeHost       = "host"
	TypeToolResult = "tool_result"
)

// Senders treated as user-origin even though they carry no "@".
const (
	SenderTUI    = "tui_user"
	SenderDeploy = "deploy"
)

// Message is one durable chat message. Timestamp is the system-wide ordering
// key; it is persisted as ISO-8601 with timezone.
type Message struct {
	ID         string         `json:"id"`
	ChatJID    string         `json:"chat_jid"`
	Sender     string         `json:"sender"`
	SenderName string         `json:"sender_name,omitempty"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	IsFromMe   bool           `json:"is_from_me,omitempty"`
	Type       string         `json:"message_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UserOrigin reports whether the message came from a human identity.
// Senders that look like user identities contain "@" (JIDs, email-shaped IDs)
// or match the TUI / deploy tokens. Everything else (bot, host, tool_use,
// tool_result, system, thinking, result_meta) is internal and must never wake
// an agent.
func (m Message) UserOrigin() bool {
	if strings.Contains(m.Sender, "@") {
		return true
	}
	return m.Sender == SenderTUI || m.Sender == SenderDeploy
}

// SystemNotice reports whether the message is an internal status update
// (e.g. "clean rebase completed") that should not wake a sleeping agent.
func (m Message) SystemNotice() bool {
	return m.Type == TypeSystem && !m.UserOrigin()
}

// AgentEvent is one parsed output event streamed by the container between
// the output marker lines. Keys are snake_case on the wire.
type AgentEvent struct {
	Status string `json:"status,omitempty"` // "success" or "error"
	Type   string `json:"type"`             // thinking, tool_use, tool_result, text, system, result

	Thinking string `json:"thinking,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	ToolResultID      string `json:"tool_result_id,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`

	Text string `json:"text,omitempty"`

	SystemSubtype string          `json:"system_subtype,omitempty"`
	SystemData    json.RawMessage `json:"system_data,omitempty"`

	Result         string          `json:"result,omitempty"`
	NewSessionID   string          `json:"new_session_id,omitempty"`
	ResultMetadata *ResultMetadata `json:"result_metadata,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Event type constants for AgentEvent.Type.
const (
	EventThinking   = "thinking"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventText       = "text"
	EventSystem     = "system"
	EventResult     = "result"
)

// ResultMetadata carries cost accounting attached to a final result event.
type ResultMetadata struct {
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// ContainerInput is the JSON document written to the agent container's stdin.
type ContainerInput struct {
	Messages         []ContainerMessage `json:"messages"`
	GroupFolder      string             `json:"group_folder"`
	ChatJID          string             `json:"chat_jid"`
	IsAdmin          bool               `json:"is_admin"`
	SessionID        string             `json:"session_id,omitempty"`
	IsScheduledTask  bool               `json:"is_scheduled_task,omitempty"`
	SystemNotices    []string           `json:"system_notices,omitempty"`
	RepoAccess       string             `json:"repo_access,omitempty"`
	AgentCoreModule  string             `json:"agent_core_module"`
	AgentCoreClass   string             `json:"agent_core_class"`
	AgentCoreConfig  map[string]any     `json:"agent_core_config,omitempty"`
	PluginMCPServers map[string]string  `json:"plugin_mcp_servers,omitempty"`
}

// ContainerMessage is one formatted message handed to the agent core.
type ContainerMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// RunResult is the final outcome of one container run.
type RunResult struct {
	Status       string `json:"status"` // "success" or "error"
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// OnOutput receives streamed agent events during a run. The return value
// reports whether the event produced user-visible output, which decides
// cursor-rollback safety after a failed run.
type OnOutput func(event AgentEvent) bool

// InputSource identifies what initiated an agent run.
type InputSource string

const (
	SourceUser          InputSource = "user"
	SourceScheduledTask InputSource = "scheduled_task"
	SourceResetHandoff  InputSource = "reset_handoff"
)
