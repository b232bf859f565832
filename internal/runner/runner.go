// Package runner launches one agent container per turn, streams its
// marker-framed output events, and enforces the rolling timeout.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
)

const (
	gracefulStopTimeout = 15 * time.Second
	idleTimeoutSlack    = 30 * time.Second
	stderrTailBytes     = 200
)

// RunSpec describes one container launch.
type RunSpec struct {
	Folder   string
	Input    bus.ContainerInput
	Mounts   []Mount
	Env      []string
	OnOutput bus.OnOutput // nil selects legacy (final-parse) mode
}

// Handle controls a running container. Registered with the queue so a reset
// or shutdown can stop the process cooperatively.
type Handle struct {
	api ContainerAPI
	id  string
}

// Stop gracefully stops the container, killing it when the grace period or
// ctx expires first.
func (h *Handle) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, gracefulStopTimeout)
	defer cancel()
	if err := h.api.Stop(stopCtx, h.id, gracefulStopTimeout); err != nil {
		return h.api.Kill(context.WithoutCancel(ctx), h.id)
	}
	return nil
}

// Runner executes agent containers.
type Runner struct {
	api     ContainerAPI
	cfg     config.ContainerConfig
	logsDir string

	// OnStart is invoked with the run handle once the container is up.
	OnStart func(folder string, h *Handle)
}

// New creates a Runner writing run logs under logsDir.
func New(api ContainerAPI, cfg config.ContainerConfig, logsDir string) *Runner {
	return &Runner{api: api, cfg: cfg, logsDir: logsDir}
}

// ContainerName builds the unique per-run container name.
func ContainerName(folder string) string {
	return fmt.Sprintf("pynchy-%s-%d", folder, time.Now().UnixMilli())
}

// Run launches the container, writes the input document to stdin, streams
// output events to spec.OnOutput, and applies the final-result policy. The
// returned error covers infrastructure failures only; agent-level failures
// surface in the RunResult.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (bus.RunResult, error) {
	name := ContainerName(spec.Folder)
	started := time.Now()

	id, err := r.api.Create(ctx, name, r.cfg.Image, spec.Env, spec.Mounts)
	if err != nil {
		return bus.RunResult{}, err
	}
	defer func() {
		if err := r.api.Remove(context.WithoutCancel(ctx), id); err != nil {
			slog.Warn("runner: container remove failed", "name", name, "error", err)
		}
	}()

	streams, err := r.api.Attach(ctx, id)
	if err != nil {
		return bus.RunResult{}, err
	}
	if err := r.api.Start(ctx, id); err != nil {
		return bus.RunResult{}, err
	}
	if r.OnStart != nil {
		r.OnStart(spec.Folder, &Handle{api: r.api, id: id})
	}

	if err := writeInput(streams.Stdin, spec.Input); err != nil {
		slog.Warn("runner: stdin write failed", "name", name, "error", err)
	}

	timeout := r.cfg.ContainerTimeout.Duration
	if idle := r.cfg.IdleTimeout.Duration + idleTimeoutSlack; idle > timeout {
		timeout = idle
	}

	var (
		parser  = newEventParser(r.cfg.MaxOutputSize)
		stdout  = &boundedBuffer{max: r.cfg.MaxOutputSize}
		stderr  = &boundedBuffer{max: r.cfg.MaxOutputSize}
		events  = make(chan bus.AgentEvent, 64)
		readers sync.WaitGroup
	)

	readers.Add(2)
	go func() {
		defer readers.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := streams.Stdout.Read(buf)
			if n > 0 {
				stdout.Write(buf[:n])
				for _, ev := range parser.Feed(buf[:n]) {
					events <- ev
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer readers.Done()
		io.Copy(stderr, streams.Stderr)
	}()
	go func() {
		readers.Wait()
		close(events)
	}()

	exitc := make(chan int64, 1)
	go func() {
		code, err := r.api.Wait(context.WithoutCancel(ctx), id)
		if err != nil {
			slog.Warn("runner: wait failed", "name", name, "error", err)
			code = -1
		}
		exitc <- code
	}()

	var (
		timer        = time.NewTimer(timeout)
		eventCount   = 0
		lastSession  = ""
		lastResult   *bus.AgentEvent
		timedOut     = false
		exitCode     = int64(-1)
		exited       = false
		eventsClosed = false
	)
	defer timer.Stop()

	done := ctx.Done()
	for !exited || !eventsClosed {
		select {
		case ev, ok := <-events:
			if !ok {
				eventsClosed = true
				events = nil
				continue
			}
			eventCount++
			timer.Reset(timeout)
			if ev.NewSessionID != "" {
				lastSession = ev.NewSessionID
			}
			if ev.Type == bus.EventResult {
				cp := ev
				lastResult = &cp
			}
			if spec.OnOutput != nil {
				spec.OnOutput(ev)
			}
		case <-timer.C:
			if timedOut {
				continue
			}
			timedOut = true
			go r.stopThenKill(id, name)
		case <-done:
			done = nil
			if !timedOut {
				timedOut = true
				go r.stopThenKill(id, name)
			}
		case code := <-exitc:
			exitCode = code
			exited = true
			exitc = nil
		}
	}

	res := r.finalResult(spec, timedOut, timeout, exitCode, eventCount, lastSession, lastResult, stdout, stderr)

	r.writeRunLog(runLogEntry{
		Folder:        spec.Folder,
		Container:     name,
		Started:       started,
		Duration:      time.Since(started),
		ExitCode:      exitCode,
		TimedOut:      timedOut,
		StdoutTrunc:   parser.Truncated() || stdout.truncated,
		StderrTrunc:   stderr.truncated,
		Result:        res,
		Stdout:        stdout,
		Stderr:        stderr,
	})
	return res, nil
}

// stopThenKill is the timeout escalation: graceful stop bounded at 15s, then
// kill.
func (r *Runner) stopThenKill(id, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := r.api.Stop(ctx, id, gracefulStopTimeout); err != nil {
		slog.Warn("runner: graceful stop failed, killing", "name", name, "error", err)
		if err := r.api.Kill(context.Background(), id); err != nil {
			slog.Error("runner: kill failed", "name", name, "error", err)
		}
	}
}

func (r *Runner) finalResult(spec RunSpec, timedOut bool, timeout time.Duration, exitCode int64,
	eventCount int, lastSession string, lastResult *bus.AgentEvent, stdout, stderr *boundedBuffer) bus.RunResult {

	switch {
	case timedOut && eventCount > 0:
		// Idle cleanup: the agent streamed output and went quiet.
		return bus.RunResult{Status: "success", NewSessionID: lastSession}
	case timedOut:
		return bus.RunResult{Status: "error", Error: fmt.Sprintf("timed out after %ds", int(timeout.Seconds()))}
	case exitCode != 0:
		return bus.RunResult{
			Status: "error",
			Error:  fmt.Sprintf("code %d: %s", exitCode, strings.TrimSpace(stderr.Tail(stderrTailBytes))),
		}
	case spec.OnOutput != nil:
		// Streaming mode: events were already delivered as they arrived.
		return bus.RunResult{Status: "success", NewSessionID: lastSession}
	default:
		ev, ok := parseFinalOutput(stdout.Bytes())
		if !ok {
			return bus.RunResult{Status: "error", Error: "no output"}
		}
		status := ev.Status
		if status == "" {
			if ev.IsError {
				status = "error"
			} else {
				status = "success"
			}
		}
		return bus.RunResult{
			Status:       status,
			Result:       ev.Result,
			NewSessionID: firstNonEmpty(ev.NewSessionID, lastSession),
			Error:        ev.Error,
		}
	}
}

func writeInput(w io.WriteCloser, input bus.ContainerInput) error {
	defer w.Close()
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
