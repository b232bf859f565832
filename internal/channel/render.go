package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
)

// OutputKind classifies a rendered line for the broadcast plane.
type OutputKind int

const (
	// OutAgent is agent-authored text, subject to the per-channel prefix rule.
	OutAgent OutputKind = iota
	// OutHost is an orchestrator notice, identical on every channel.
	OutHost
)

// Rendered is one user-visible line produced from a streamed event.
type Rendered struct {
	Kind OutputKind
	Text string
}

const toolInputPreview = 120

// Renderer turns streamed agent events into chat lines. It keeps the last
// tool name per chat so tool results can be rendered in context.
type Renderer struct {
	mu       sync.Mutex
	lastTool map[string]string
}

func NewRenderer() *Renderer {
	return &Renderer{lastTool: make(map[string]string)}
}

// Render maps one event to zero or more chat lines. Init system events are
// suppressed entirely; the caller learns the session id from the raw event.
func (r *Renderer) Render(chatJID string, ev bus.AgentEvent) []Rendered {
	switch ev.Type {
	case bus.EventThinking:
		return []Rendered{{Kind: OutAgent, Text: "💭 thinking..."}}

	case bus.EventToolUse:
		r.mu.Lock()
		r.lastTool[chatJID] = ev.ToolName
		r.mu.Unlock()
		return []Rendered{{Kind: OutAgent, Text: "🔧 " + ev.ToolName + ": " + previewToolInput(ev.ToolInput)}}

	case bus.EventToolResult:
		r.mu.Lock()
		last := r.lastTool[chatJID]
		r.mu.Unlock()
		if last == "ExitPlanMode" && ev.ToolResultContent != "" {
			return []Rendered{{Kind: OutAgent, Text: ev.ToolResultContent}}
		}
		return []Rendered{{Kind: OutAgent, Text: "📋 tool result"}}

	case bus.EventText:
		// The final result event carries the authoritative text.
		return nil

	case bus.EventSystem:
		if ev.SystemSubtype == "init" {
			return nil
		}
		return []Rendered{{Kind: OutAgent, Text: "⚙️ " + ev.SystemSubtype}}

	case bus.EventResult:
		return renderResult(ev)
	}
	return nil
}

func renderResult(ev bus.AgentEvent) []Rendered {
	var out []Rendered

	text := ev.Result
	if host, ok := ExtractHost(text); ok {
		if host != "" {
			out = append(out, Rendered{Kind: OutHost, Text: host})
		}
	} else if stripped := StripInternal(text); stripped != "" {
		out = append(out, Rendered{Kind: OutAgent, Text: stripped})
	}

	if m := ev.ResultMetadata; m != nil {
		out = append(out, Rendered{Kind: OutAgent, Text: fmt.Sprintf(
			"📊 %.4f USD · %s · %d turns",
			m.CostUSD,
			(time.Duration(m.DurationMS) * time.Millisecond).Round(time.Second),
			m.NumTurns,
		)})
	}
	return out
}

// previewToolInput renders a compact one-line view of a tool's input.
func previewToolInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		// Common single-argument tools read better as just the value.
		for _, key := range []string{"command", "path", "file_path", "url", "pattern", "description"} {
			if v, ok := m[key].(string); ok {
				return Truncate(strings.ReplaceAll(v, "\n", " "), toolInputPreview)
			}
		}
	}
	return Truncate(strings.ReplaceAll(string(raw), "\n", " "), toolInputPreview)
}
