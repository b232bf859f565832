package runner

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Mount is one bind mount of the agent container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// AttachStreams is the attached stdio of a created container. Stdout and
// Stderr are already demultiplexed.
type AttachStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// ContainerAPI is the slice of the container engine the runner needs. The
// production implementation wraps the docker SDK; tests substitute a fake.
type ContainerAPI interface {
	Create(ctx context.Context, name, image string, env []string, mounts []Mount) (string, error)
	Start(ctx context.Context, id string) error
	Attach(ctx context.Context, id string) (AttachStreams, error)
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// DockerAPI implements ContainerAPI on the docker engine API.
type DockerAPI struct {
	cli *client.Client
}

// NewDockerAPI connects to the engine using environment defaults.
func NewDockerAPI() (*DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerAPI{cli: cli}, nil
}

func (d *DockerAPI) Create(ctx context.Context, name, image string, env []string, mounts []Mount) (string, error) {
	cfg := &container.Config{
		Image:        image,
		Env:          env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	host := &container.HostConfig{}
	for _, m := range mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *DockerAPI) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Attach hijacks the container stdio and demultiplexes the engine's framed
// stream into separate stdout and stderr readers.
func (d *DockerAPI) Attach(ctx context.Context, id string) (AttachStreams, error) {
	hj, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return AttachStreams{}, fmt.Errorf("container attach: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, hj.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	return AttachStreams{
		Stdin:  hijackedStdin{conn: hj.Conn, closeWrite: hj.CloseWrite},
		Stdout: outR,
		Stderr: errR,
	}, nil
}

// hijackedStdin exposes the write half of the hijacked connection. Close
// half-closes so the container observes stdin EOF.
type hijackedStdin struct {
	conn       net.Conn
	closeWrite func() error
}

func (h hijackedStdin) Write(p []byte) (int, error) { return h.conn.Write(p) }

func (h hijackedStdin) Close() error { return h.closeWrite() }

func (d *DockerAPI) Wait(ctx context.Context, id string) (int64, error) {
	waitc, errc := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitc:
		if res.Error != nil {
			return res.StatusCode, fmt.Errorf("container wait: %s", res.Error.Message)
		}
		return res.StatusCode, nil
	case err := <-errc:
		return -1, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerAPI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (d *DockerAPI) Kill(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "KILL")
}

func (d *DockerAPI) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
