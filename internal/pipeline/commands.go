package pipeline

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/store"
)

const shellTimeout = 30 * time.Second

// Magic command phrases recognized before agent dispatch. Matching is
// case-insensitive on the whole (mention-stripped) message.
var (
	resetRe    = regexp.MustCompile(`(?i)^(reset|clear) context$`)
	endRe      = regexp.MustCompile(`(?i)^end session$`)
	redeployRe = regexp.MustCompile(`(?i)^redeploy$`)
)

// isMagicCommand reports whether content bypasses the mention gate.
func isMagicCommand(content string) bool {
	return resetRe.MatchString(content) ||
		endRe.MatchString(content) ||
		redeployRe.MatchString(content) ||
		strings.HasPrefix(content, "!")
}

// hasPrefixFold is a case-insensitive strings.HasPrefix.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// trimmedContent strips whitespace and a leading @mention token so commands
// work as "@Bot reset context" too.
func trimmedContent(m bus.Message) string {
	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, "@") {
		if idx := strings.IndexAny(content, " \t"); idx > 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
	}
	return content
}

// intercept handles the special-command table on the last message of a
// batch. Returns true when the message was consumed; the caller advances the
// cursor and skips agent dispatch.
func (p *Pipeline) intercept(ctx context.Context, ws store.Workspace, canonical string, msg bus.Message) bool {
	content := trimmedContent(msg)

	switch {
	case resetRe.MatchString(content):
		if err := p.store.ClearSession(ws.Folder); err != nil {
			slog.Error("pipeline: session clear failed", "folder", ws.Folder, "error", err)
		}
		if err := p.store.MarkChatCleared(canonical, msg.Timestamp); err != nil {
			slog.Error("pipeline: chat clear failed", "jid", canonical, "error", err)
		}
		p.queue.EnqueueMessageCheck(canonical)
		if err := p.bcast.BroadcastHostMessage(ctx, canonical, "Context reset. Starting fresh."); err != nil {
			slog.Error("pipeline: reset notice failed", "jid", canonical, "error", err)
		}
		return true

	case endRe.MatchString(content):
		if err := p.store.ClearSession(ws.Folder); err != nil {
			slog.Error("pipeline: session clear failed", "folder", ws.Folder, "error", err)
		}
		return true

	case redeployRe.MatchString(content):
		if p.deploy != nil {
			p.deploy(ws.Folder)
		}
		return true

	case strings.HasPrefix(content, "!") && len(content) > 1:
		p.runShellCommand(ctx, ws, canonical, content[1:])
		return true
	}
	return false
}

// runShellCommand executes a "!" command in the workspace folder, stores the
// output as a tool result and broadcasts it.
func (p *Pipeline) runShellCommand(ctx context.Context, ws store.Workspace, canonical, command string) {
	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = filepath.Join(p.cfg.Paths.GroupsDir, ws.Folder)
	out, err := cmd.CombinedOutput()

	output := strings.TrimSpace(string(out))
	prefix := "✅"
	if err != nil {
		prefix = "❌"
		if output == "" {
			output = err.Error()
		} else {
			output += "\n" + err.Error()
		}
	}
	if output == "" {
		output = "(no output)"
	}

	if err := p.store.StoreMessage(bus.Message{
		ID:        uuid.NewString(),
		ChatJID:   canonical,
		Sender:    "command_output",
		Content:   output,
		Timestamp: time.Now(),
		IsFromMe:  true,
		Type:      bus.TypeToolResult,
	}); err != nil {
		slog.Error("pipeline: command output store failed", "jid", canonical, "error", err)
	}
	p.bcast.BroadcastNotice(ctx, canonical, prefix+" "+channel.Truncate(output, 1800))
}
