package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// defaultPingTimeout is the maximum duration to wait for a Docker daemon
// response during a Ping operation. Docker Desktop on macOS can be slow to
// answer, so this is generous.
const defaultPingTimeout = 5 * time.Second

// API is the subset of the Docker Engine API the tool executor needs.
// Client implements it; tests substitute a fake.
type API interface {
	// Create creates a container and returns its ID.
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Wait waits for the container to stop running.
	Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)

	// Logs follows the multiplexed stdout/stderr stream of the container.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)

	// Kill sends SIGKILL to the container.
	Kill(ctx context.Context, id string) error

	// Remove force-removes the container.
	Remove(ctx context.Context, id string) error

	// List returns every container, running or not, matching the filter.
	List(ctx context.Context, f filters.Args) ([]container.Summary, error)
}

// Client wraps the Docker Engine SDK client. It handles automatic Docker
// socket detection across platforms and implements API.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	inner *client.Client
}

// NewClient creates a new Docker client with automatic socket detection.
//
// The detection strategy follows this priority order:
//  1. DOCKER_HOST environment variable (if set, used as-is)
//  2. Platform-specific default socket paths:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning if no Docker socket
// is found or the client cannot be created.
func NewClient() (*Client, error) {
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return newClientWithHost(dockerHost)
	}

	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
	}
	return newClientWithHost(host)
}

// newClientWithHost creates a client for host with API version
// negotiation, so older daemons keep working.
func newClientWithHost(host string) (*Client, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}
	return &Client{inner: c}, nil
}

// detectDockerHost determines the Docker socket path for the current
// platform. It checks for the socket file rather than connecting; Ping
// verifies the daemon.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{"/var/run/docker.sock"})

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return detectUnixSocket([]string{"/var/run/docker.sock"})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})

	case "windows":
		// os.Stat does not work on named pipes, so probe with a brief dial.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			_ = conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the host URI of the first socket path that
// exists. Paths are listed from most to least preferred.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("docker socket not found at any of: %v (is Docker running?)", paths)
}

// Ping verifies that the Docker daemon is reachable within
// defaultPingTimeout.
//
// Returns a model.CLIError with ExitDockerNotRunning if the daemon
// does not respond or returns an error.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding (is Docker running?)",
			err,
		)
	}
	return nil
}

// Close releases the resources held by the client. It is safe to call
// more than once.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Create implements API.
func (c *Client) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := c.inner.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Start implements API.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.inner.ContainerStart(ctx, id, container.StartOptions{})
}

// Wait implements API.
func (c *Client) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return c.inner.ContainerWait(ctx, id, container.WaitConditionNotRunning)
}

// Logs implements API.
func (c *Client) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// Kill implements API.
func (c *Client) Kill(ctx context.Context, id string) error {
	return c.inner.ContainerKill(ctx, id, "SIGKILL")
}

// Remove implements API.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// List implements API.
func (c *Client) List(ctx context.Context, f filters.Args) ([]container.Summary, error) {
	return c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
}
