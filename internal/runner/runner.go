package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// ErrDryRun is returned by Output in dry-run mode, where no tool is started.
var ErrDryRun = errors.New("dry run: tool not executed")

// Options configures a Runner.
type Options struct {
	// Policy decides whether existing outputs are reused. Defaults to a
	// policy that reuses everything.
	Policy *Policy

	// Logger receives one record per executed or skipped task.
	Logger zerolog.Logger

	// ToolOutput receives tool stdout and stderr. Nil discards it.
	ToolOutput io.Writer

	// Timeout bounds each invocation. Zero means no timeout.
	Timeout time.Duration

	// DryRun logs commands instead of executing them.
	DryRun bool
}

// Runner executes Tasks through an Executor, idempotently.
//
// Runner is safe for concurrent use. Tasks that share an output path must
// not run concurrently; the pipeline never schedules them that way.
type Runner struct {
	exec    Executor
	policy  *Policy
	log     zerolog.Logger
	out     io.Writer
	timeout time.Duration
	dryRun  bool

	started atomic.Int64
	skipped atomic.Int64
}

// New creates a Runner.
func New(exec Executor, opts Options) *Runner {
	policy := opts.Policy
	if policy == nil {
		policy = NewPolicy(false)
	}
	return &Runner{
		exec:    exec,
		policy:  policy,
		log:     opts.Logger,
		out:     opts.ToolOutput,
		timeout: opts.Timeout,
		dryRun:  opts.DryRun,
	}
}

// Policy returns the idempotence policy the runner consults.
func (r *Runner) Policy() *Policy {
	return r.policy
}

// DryRun reports whether the runner only logs commands.
func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Stats returns how many tools were started and how many tasks were skipped
// because their output already existed.
func (r *Runner) Stats() (started, skipped int64) {
	return r.started.Load(), r.skipped.Load()
}

// Execute runs the task unless its output exists and its stage is not
// forced. After a successful exit the output must exist.
//
// The process flow is:
//  1. Skip when the output exists and the policy does not force the stage
//  2. Make sure the output's parent directory exists
//  3. Run the tool under the per-task timeout
//  4. On failure, remove any partial output and return a StageExecutionError
//  5. Verify the expected output was written
func (r *Runner) Execute(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmdLine := task.CommandLine()
	log := r.log.With().Str("stage", task.Stage.String()).Str("tool", task.Tool).Logger()

	// Step 1: idempotence check
	if task.Output != "" && fileExists(task.Output) && !r.policy.Forced(task.Stage) {
		r.skipped.Add(1)
		log.Debug().Str("output", task.Output).Msg("Output exists, skipping")
		return nil
	}

	if r.dryRun {
		log.Info().Str("command", cmdLine).Msg("Dry run")
		return nil
	}

	// Step 2: output directory
	if task.Output != "" {
		if err := os.MkdirAll(filepath.Dir(task.Output), 0o755); err != nil {
			return &model.StageExecutionError{Stage: task.Stage, Command: cmdLine, Output: task.Output,
				Err: fmt.Errorf("create output directory: %w", err)}
		}
	}

	// Step 3: run
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log.Info().Str("command", cmdLine).Msg("Running")
	r.started.Add(1)
	start := time.Now()
	err := r.exec.Run(runCtx, Invocation{
		Stage:  task.Stage,
		Tool:   task.Tool,
		Args:   task.Args,
		Stdout: r.out,
		Stderr: r.out,
	})

	// Step 4: failure handling
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, context.DeadlineExceeded)
		}
		r.removePartial(task.Output, log)
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Command failed")
		return &model.StageExecutionError{Stage: task.Stage, Command: cmdLine, Output: task.Output, Err: err}
	}

	// Step 5: output verification
	if task.Output != "" && !fileExists(task.Output) {
		log.Error().Str("output", task.Output).Msg("Command produced no output")
		return &model.StageExecutionError{Stage: task.Stage, Command: cmdLine, Output: task.Output,
			Err: model.ErrOutputMissing}
	}

	log.Debug().Dur("elapsed", time.Since(start)).Msg("Command finished")
	return nil
}

// Output runs a query tool (gdalinfo, camera_footprint) and returns its
// standard output. Query tools write no files, so nothing is skipped.
//
// In dry-run mode Output returns ErrDryRun without running anything.
func (r *Runner) Output(ctx context.Context, stage model.StageName, tool string, args ...string) ([]byte, error) {
	task := Task{Stage: stage, Tool: tool, Args: args}
	if r.dryRun {
		r.log.Info().Str("stage", stage.String()).Str("command", task.CommandLine()).Msg("Dry run")
		return nil, ErrDryRun
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	r.log.Debug().Str("stage", stage.String()).Str("command", task.CommandLine()).Msg("Querying")
	r.started.Add(1)
	if err := r.exec.Run(runCtx, Invocation{Stage: stage, Tool: tool, Args: args, Stdout: &stdout, Stderr: r.out}); err != nil {
		return nil, &model.StageExecutionError{Stage: stage, Command: task.CommandLine(), Err: err}
	}
	return stdout.Bytes(), nil
}

// removePartial deletes an output left behind by a failed or cancelled
// tool so that the next run does not mistake it for a finished product.
func (r *Runner) removePartial(path string, log zerolog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err == nil {
		log.Warn().Str("output", path).Msg("Removed partial output")
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("output", path).Msg("Failed to remove partial output")
	}
}

// fileExists reports whether path exists. Symlinks are followed, so a
// dangling alias does not count as an existing output.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileExists is the existence check the runner uses for outputs.
func FileExists(path string) bool {
	return fileExists(path)
}
