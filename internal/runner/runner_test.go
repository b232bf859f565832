package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type fakeAPI struct {
	stdout   string
	stderr   string
	exitCode int64
	stopErr  error

	mu      sync.Mutex
	created string
	stopped bool
	killed  bool
	removed bool
}

func (f *fakeAPI) Create(ctx context.Context, name, image string, env []string, mounts []Mount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = name
	return "cid-1", nil
}

func (f *fakeAPI) Start(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) Attach(ctx context.Context, id string) (AttachStreams, error) {
	return AttachStreams{
		Stdin:  nopWriteCloser{io.Discard},
		Stdout: strings.NewReader(f.stdout),
		Stderr: strings.NewReader(f.stderr),
	}, nil
}

func (f *fakeAPI) Wait(ctx context.Context, id string) (int64, error) { return f.exitCode, nil }

func (f *fakeAPI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeAPI) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeAPI) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func testConfig() config.ContainerConfig {
	return config.ContainerConfig{
		Image:            "pynchy-agent:test",
		MaxOutputSize:    1 << 20,
		ContainerTimeout: config.Duration{Duration: time.Minute},
		IdleTimeout:      config.Duration{Duration: time.Second},
	}
}

func TestRunStreamingDeliversEvents(t *testing.T) {
	api := &fakeAPI{
		stdout: frame(`{"type":"text","text":"working on it"}`) +
			frame(`{"type":"result","result":"all done","new_session_id":"sess-42"}`),
	}
	r := New(api, testConfig(), t.TempDir())

	var got []bus.AgentEvent
	var mu sync.Mutex
	res, err := r.Run(context.Background(), RunSpec{
		Folder: "dev",
		OnOutput: func(ev bus.AgentEvent) bool {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return true
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "success" || res.NewSessionID != "sess-42" {
		t.Errorf("result = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Text != "working on it" || got[1].Result != "all done" {
		t.Errorf("events = %+v", got)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.removed {
		t.Error("container not removed")
	}
	if !strings.HasPrefix(api.created, "pynchy-dev-") {
		t.Errorf("container name = %q", api.created)
	}
}

func TestRunLegacyParsesFinalFrame(t *testing.T) {
	api := &fakeAPI{
		stdout: "startup noise\n" + frame(`{"type":"result","status":"success","result":"report sent","new_session_id":"s9"}`),
	}
	r := New(api, testConfig(), t.TempDir())

	res, err := r.Run(context.Background(), RunSpec{Folder: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "success" || res.Result != "report sent" || res.NewSessionID != "s9" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	api := &fakeAPI{exitCode: 3, stderr: "python: module not found\n"}
	r := New(api, testConfig(), t.TempDir())

	res, err := r.Run(context.Background(), RunSpec{Folder: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "error" {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "code 3") || !strings.Contains(res.Error, "module not found") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunOnStartRegistersHandle(t *testing.T) {
	api := &fakeAPI{stdout: frame(`{"type":"result","result":"ok"}`)}
	r := New(api, testConfig(), t.TempDir())

	var startedFolder string
	r.OnStart = func(folder string, h *Handle) {
		startedFolder = folder
		if h == nil {
			t.Error("nil handle")
		}
	}
	if _, err := r.Run(context.Background(), RunSpec{Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	if startedFolder != "dev" {
		t.Errorf("OnStart folder = %q", startedFolder)
	}
}

func TestFinalResultPolicy(t *testing.T) {
	r := New(&fakeAPI{}, testConfig(), t.TempDir())
	empty := &boundedBuffer{}
	streaming := RunSpec{OnOutput: func(bus.AgentEvent) bool { return true }}

	t.Run("timeout after events is idle cleanup", func(t *testing.T) {
		res := r.finalResult(streaming, true, 90*time.Second, -1, 5, "s1", nil, empty, empty)
		if res.Status != "success" || res.NewSessionID != "s1" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("timeout with no events is an error", func(t *testing.T) {
		res := r.finalResult(streaming, true, 90*time.Second, -1, 0, "", nil, empty, empty)
		if res.Status != "error" || !strings.Contains(res.Error, "timed out after 90s") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("nonzero exit carries stderr tail", func(t *testing.T) {
		stderr := &boundedBuffer{}
		stderr.Write([]byte("fatal: disk full"))
		res := r.finalResult(streaming, false, time.Minute, 1, 3, "", nil, empty, stderr)
		if res.Status != "error" || !strings.Contains(res.Error, "disk full") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("legacy mode with no output", func(t *testing.T) {
		res := r.finalResult(RunSpec{}, false, time.Minute, 0, 0, "", nil, empty, empty)
		if res.Status != "error" || res.Error != "no output" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("legacy error flag maps to error status", func(t *testing.T) {
		stdout := &boundedBuffer{}
		stdout.Write([]byte(frame(`{"type":"result","is_error":true,"error":"tool crashed"}`)))
		res := r.finalResult(RunSpec{}, false, time.Minute, 0, 0, "", nil, stdout, empty)
		if res.Status != "error" || res.Error != "tool crashed" {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestHandleStopEscalatesToKill(t *testing.T) {
	api := &fakeAPI{stopErr: errors.New("engine busy")}
	h := &Handle{api: api, id: "cid-1"}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.stopped || !api.killed {
		t.Errorf("stopped=%v killed=%v", api.stopped, api.killed)
	}
}
