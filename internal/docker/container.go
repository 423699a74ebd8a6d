// container.go runs one pipeline tool as a container and cleans up the
// containers of a run.
//
// Every container is created with the icebridge labels (see label.go), so
// a run interrupted before its containers were removed can be cleaned up
// by run ID.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/runner"
)

// cleanupTimeout bounds the kill and remove calls made after the run
// context is gone.
const cleanupTimeout = 30 * time.Second

// Executor implements runner.Executor by running each invocation in a
// fresh container of Image.
type Executor struct {
	api    API
	image  string
	runID  string
	mounts []string
	user   string
	log    zerolog.Logger

	// now is the clock used for the started-at label.
	now func() time.Time
}

// ExecutorOptions configures NewExecutor.
type ExecutorOptions struct {
	// Image is the container image that provides the tools.
	Image string

	// RunID labels every container of the run.
	RunID string

	// Mounts are host directories bind-mounted at the same path.
	Mounts []string

	Logger zerolog.Logger
}

// NewExecutor creates a container executor. Containers run as the calling
// user on unix so their outputs are not owned by root.
func NewExecutor(api API, opts ExecutorOptions) *Executor {
	e := &Executor{
		api:    api,
		image:  opts.Image,
		runID:  opts.RunID,
		mounts: normalizeMounts(opts.Mounts),
		log:    opts.Logger,
		now:    time.Now,
	}
	if runtime.GOOS != "windows" {
		e.user = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	return e
}

// normalizeMounts makes the directories absolute, drops duplicates and
// directories already covered by a parent mount, and sorts them.
func normalizeMounts(dirs []string) []string {
	var abs []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		a, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		abs = append(abs, filepath.Clean(a))
	}
	sort.Strings(abs)

	var out []string
	for _, d := range abs {
		if n := len(out); n > 0 {
			last := out[n-1]
			if d == last || strings.HasPrefix(d, last+string(filepath.Separator)) {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// Mounts returns the bind-mounted host directories.
func (e *Executor) Mounts() []string {
	return e.mounts
}

// Run implements runner.Executor.
//
// The process flow is:
//  1. Create the container with labels and bind mounts
//  2. Register the wait before starting, so a fast exit is not missed
//  3. Start the container and stream its logs
//  4. Wait for exit or cancellation (cancellation kills the container)
//  5. Remove the container
func (e *Executor) Run(ctx context.Context, inv runner.Invocation) error {
	// Step 1: Create
	cfg := &container.Config{
		Image: e.image,
		Cmd:   append([]string{inv.Tool}, inv.Args...),
		User:  e.user,
		Labels: BuildLabels(ToolLabels{
			RunID:     e.runID,
			Stage:     inv.Stage,
			Tool:      inv.Tool,
			StartedAt: e.now(),
		}),
	}
	if wd, err := os.Getwd(); err == nil && e.covers(wd) {
		cfg.WorkingDir = wd
	}
	host := &container.HostConfig{Binds: e.binds()}

	id, err := e.api.Create(ctx, cfg, host)
	if err != nil {
		return fmt.Errorf("create %s container from %s: %w", inv.Tool, e.image, err)
	}
	log := e.log.With().Str("container", shortID(id)).Str("tool", inv.Tool).Logger()
	log.Debug().Msg("Container created")

	// Step 5 runs whatever happens next.
	defer e.remove(id, log)

	// Step 2: Wait registration
	waitCh, errCh := e.api.Wait(ctx, id)

	// Step 3: Start and stream logs
	if err := e.api.Start(ctx, id); err != nil {
		return fmt.Errorf("start %s container: %w", inv.Tool, err)
	}

	logsDone := make(chan struct{})
	logs, err := e.api.Logs(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to attach to container logs")
		close(logsDone)
	} else {
		go func() {
			defer close(logsDone)
			defer func() { _ = logs.Close() }()
			// The stream is multiplexed because the container has no TTY.
			if _, err := stdcopy.StdCopy(orDiscard(inv.Stdout), orDiscard(inv.Stderr), logs); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("Log stream ended")
			}
		}()
	}

	// Step 4: Wait
	select {
	case <-ctx.Done():
		e.kill(id, log)
		return ctx.Err()

	case err := <-errCh:
		if ctx.Err() != nil {
			e.kill(id, log)
			return ctx.Err()
		}
		return fmt.Errorf("wait for %s container: %w", inv.Tool, err)

	case res := <-waitCh:
		waitForLogs(logsDone)
		if res.Error != nil && res.Error.Message != "" {
			return fmt.Errorf("%s container: %s", inv.Tool, res.Error.Message)
		}
		if res.StatusCode != 0 {
			return fmt.Errorf("%s exited with status %d", inv.Tool, res.StatusCode)
		}
		return nil
	}
}

// covers reports whether dir lies inside one of the mounts.
func (e *Executor) covers(dir string) bool {
	for _, m := range e.mounts {
		if dir == m || strings.HasPrefix(dir, m+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Executor) binds() []string {
	binds := make([]string, 0, len(e.mounts))
	for _, m := range e.mounts {
		binds = append(binds, m+":"+m)
	}
	return binds
}

func (e *Executor) kill(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.api.Kill(ctx, id); err != nil {
		log.Debug().Err(err).Msg("Kill failed (container may have exited)")
	}
}

func (e *Executor) remove(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.api.Remove(ctx, id); err != nil {
		log.Warn().Err(err).Msg("Failed to remove container")
	}
}

// waitForLogs gives the log copier a moment to drain after the container
// exited.
func waitForLogs(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// ContainerInfo describes one tool container found on the daemon.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels *ToolLabels
}

// ListRunContainers returns the containers of a run, including exited
// ones. Containers whose labels cannot be parsed are returned with nil
// Labels.
func ListRunContainers(ctx context.Context, api API, runID string) ([]ContainerInfo, error) {
	containers, err := api.List(ctx, RunFilter(runID))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}
	return result, nil
}

// containerToInfo converts an API container summary. Docker reports names
// with a leading "/", which is stripped.
func containerToInfo(c container.Summary) ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	labels, _ := ParseLabels(c.Labels)
	return ContainerInfo{
		ID:     c.ID,
		Name:   name,
		State:  string(c.State),
		Labels: labels,
	}
}

// CleanupRun force-removes every container of the run and returns how many
// were removed. All removal errors are joined.
func CleanupRun(ctx context.Context, api API, runID string) (int, error) {
	containers, err := ListRunContainers(ctx, api, runID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, c := range containers {
		if err := api.Remove(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", shortID(c.ID), err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
