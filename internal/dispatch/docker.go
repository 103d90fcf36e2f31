package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// containerWorkDir is where the host work directory is mounted.
const containerWorkDir = "/workspace"

// containerRuntime is the slice of the Docker API the executor needs.
type containerRuntime interface {
	create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	start(ctx context.Context, id string) error
	wait(ctx context.Context, id string) (int64, error)
	kill(ctx context.Context, id string) error
	logs(ctx context.Context, id string) (string, error)
	remove(ctx context.Context, id string) error
}

// DockerOptions configures a DockerExecutor.
type DockerOptions struct {
	Image        string
	Env          []string
	Network      string
	WorkDir      string
	Timeout      time.Duration
	SkipExitCode int
	// Remove deletes each container once its logs were collected.
	Remove bool
}

// DockerExecutor runs each item's command in a fresh container.
type DockerExecutor struct {
	opts   DockerOptions
	rt     containerRuntime
	logger *slog.Logger
	seq    atomic.Int64
}

// NewDockerExecutor connects to the Docker daemon from the environment.
func NewDockerExecutor(opts DockerOptions, logger *slog.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker executor: init client: %w", err)
	}
	return newDockerExecutor(opts, &dockerClient{cli: cli}, logger), nil
}

func newDockerExecutor(opts DockerOptions, rt containerRuntime, logger *slog.Logger) *DockerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{
		opts:   opts,
		rt:     rt,
		logger: logger.With("component", "docker_executor"),
	}
}

// Execute creates, starts and waits for a container running the item's
// command, then collects its logs. Exit codes are classified the same way
// as for local commands.
func (d *DockerExecutor) Execute(ctx context.Context, item graph.Item) (Result, error) {
	argv, err := BuildCommand(item, containerWorkDir)
	if err != nil {
		return Result{Status: graph.StatusErrored, ExitCode: -1, Output: err.Error()}, nil
	}

	runCtx := ctx
	timeout := itemTimeout(item, d.opts.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := &container.Config{
		Image:      d.opts.Image,
		Cmd:        argv,
		Env:        append([]string{"DEPGATE_TEST_ID=" + item.ID}, d.opts.Env...),
		WorkingDir: containerWorkDir,
		Tty:        false,
		Labels:     map[string]string{"depgate.test": item.ID},
	}
	host := &container.HostConfig{}
	if d.opts.WorkDir != "" {
		src, err := filepath.Abs(d.opts.WorkDir)
		if err != nil {
			return Result{Status: graph.StatusErrored, ExitCode: -1, Output: fmt.Sprintf("resolve work dir: %v", err)}, nil
		}
		host.Mounts = []mount.Mount{{Type: mount.TypeBind, Source: src, Target: containerWorkDir}}
	}
	if d.opts.Network != "" {
		host.NetworkMode = container.NetworkMode(d.opts.Network)
	}

	name := containerName(item.ID, d.seq.Add(1))
	start := time.Now()
	id, err := d.rt.create(runCtx, cfg, host, name)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Status: graph.StatusErrored, ExitCode: -1, Output: fmt.Sprintf("create container: %v", err), Duration: time.Since(start)}, nil
	}
	if d.opts.Remove {
		defer d.cleanup(id, item.ID)
	}

	if err := d.rt.start(runCtx, id); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Status: graph.StatusErrored, ExitCode: -1, Output: fmt.Sprintf("start container: %v", err), Duration: time.Since(start)}, nil
	}

	d.logger.Debug("container started", "item", item.ID, "container", name, "image", d.opts.Image)
	code, waitErr := d.rt.wait(runCtx, id)
	duration := time.Since(start)

	// A timed-out or cancelled container is still running.
	if runCtx.Err() != nil {
		d.kill(id, item.ID)
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	tail := outputTail(d.collectLogs(id, item.ID), outputTailLines)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			Status:   graph.StatusErrored,
			ExitCode: -1,
			Output:   joinDetail(fmt.Sprintf("timed out after %s", timeout), tail),
			Duration: duration,
		}, nil
	}
	if waitErr != nil {
		return Result{
			Status:   graph.StatusErrored,
			ExitCode: -1,
			Output:   joinDetail(fmt.Sprintf("wait for container: %v", waitErr), tail),
			Duration: duration,
		}, nil
	}

	exit := int(code)
	return Result{Status: classify(exit, d.opts.SkipExitCode), ExitCode: exit, Output: tail, Duration: duration}, nil
}

func (d *DockerExecutor) collectLogs(containerID, itemID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := d.rt.logs(ctx, containerID)
	if err != nil {
		d.logger.Warn("collect container logs failed", "item", itemID, "error", err)
		return ""
	}
	return out
}

func (d *DockerExecutor) kill(containerID, itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.rt.kill(ctx, containerID); err != nil {
		d.logger.Warn("kill container failed", "item", itemID, "error", err)
	}
}

func (d *DockerExecutor) cleanup(containerID, itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.rt.remove(ctx, containerID); err != nil {
		d.logger.Warn("remove container failed", "item", itemID, "error", err)
	}
}

// containerName derives a valid, unique container name from a test id.
func containerName(itemID string, seq int64) string {
	var b strings.Builder
	for _, r := range itemID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-.")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	if slug == "" {
		slug = "test"
	}
	return fmt.Sprintf("depgate-%s-%d", slug, seq)
}

// dockerClient adapts the Docker SDK client to containerRuntime.
type dockerClient struct {
	cli *client.Client
}

func (c *dockerClient) create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *dockerClient) start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *dockerClient) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, errors.New(status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (c *dockerClient) kill(ctx context.Context, id string) error {
	return c.cli.ContainerKill(ctx, id, "KILL")
}

func (c *dockerClient) logs(ctx context.Context, id string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

func (c *dockerClient) remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
