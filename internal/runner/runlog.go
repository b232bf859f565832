package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
)

const runLogTail = 8 * 1024

type runLogEntry struct {
	Folder      string
	Container   string
	Started     time.Time
	Duration    time.Duration
	ExitCode    int64
	TimedOut    bool
	StdoutTrunc bool
	StderrTrunc bool
	Result      bus.RunResult
	Stdout      *boundedBuffer
	Stderr      *boundedBuffer
}

// writeRunLog records one container run under <logs>/<folder>/. Verbose dumps
// trigger on debug logging or any failure; otherwise only a summary and the
// stream tails are kept.
func (r *Runner) writeRunLog(e runLogEntry) {
	dir := filepath.Join(r.logsDir, e.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("runner: create log dir failed", "dir", dir, "error", err)
		return
	}

	verbose := e.ExitCode != 0 || e.TimedOut || e.Result.Status == "error" ||
		slog.Default().Enabled(context.Background(), slog.LevelDebug)

	var b strings.Builder
	fmt.Fprintf(&b, "group: %s\n", e.Folder)
	fmt.Fprintf(&b, "container: %s\n", e.Container)
	fmt.Fprintf(&b, "started: %s\n", e.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "duration: %s\n", e.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "exit_code: %d\n", e.ExitCode)
	fmt.Fprintf(&b, "timed_out: %t\n", e.TimedOut)
	fmt.Fprintf(&b, "stdout_truncated: %t\n", e.StdoutTrunc)
	fmt.Fprintf(&b, "stderr_truncated: %t\n", e.StderrTrunc)
	fmt.Fprintf(&b, "status: %s\n", e.Result.Status)
	if e.Result.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", e.Result.Error)
	}

	if verbose {
		b.WriteString("\n--- stdout ---\n")
		b.WriteString(e.Stdout.Tail(runLogTail))
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(e.Stderr.Tail(runLogTail))
		b.WriteString("\n")
	} else {
		b.WriteString("\n--- stderr tail ---\n")
		b.WriteString(e.Stderr.Tail(stderrTailBytes))
		b.WriteString("\n")
	}

	name := fmt.Sprintf("container-%d.log", e.Started.UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		slog.Warn("runner: write run log failed", "file", name, "error", err)
	}
}
