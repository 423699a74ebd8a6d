package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stderrTailSize bounds how much tool stderr is kept for error messages.
const stderrTailSize = 2048

// LocalExecutor runs tools as host processes.
//
// Tools are looked up in SearchPaths first, in order, and then on PATH. The
// process environment is never modified; this replaces the old practice of
// prepending the installation's bin directories to PATH at startup.
type LocalExecutor struct {
	// SearchPaths are directories searched for tools before PATH.
	SearchPaths []string

	// WaitDelay bounds how long Run waits for output pipes to drain after
	// the process group was killed. Defaults to 5 seconds.
	WaitDelay time.Duration

	mu       sync.Mutex
	resolved map[string]string
}

// NewLocalExecutor creates a LocalExecutor with the given search paths.
func NewLocalExecutor(searchPaths ...string) *LocalExecutor {
	return &LocalExecutor{SearchPaths: searchPaths}
}

// Resolve returns the path of the named tool. Names containing a path
// separator are returned as-is.
//
// Returns an error wrapping exec.ErrNotFound when the tool is nowhere to be
// found.
func (e *LocalExecutor) Resolve(tool string) (string, error) {
	if strings.ContainsRune(tool, filepath.Separator) {
		return tool, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if path, ok := e.resolved[tool]; ok {
		return path, nil
	}

	path, err := e.lookup(tool)
	if err != nil {
		return "", err
	}
	if e.resolved == nil {
		e.resolved = make(map[string]string)
	}
	e.resolved[tool] = path
	return path, nil
}

func (e *LocalExecutor) lookup(tool string) (string, error) {
	for _, dir := range e.SearchPaths {
		candidate := filepath.Join(dir, tool)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		// Any execute bit will do; Windows reports none, so accept it there.
		if info.Mode()&0o111 != 0 || filepath.Ext(candidate) == ".exe" {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("tool %s not found in %v or PATH: %w", tool, e.SearchPaths, exec.ErrNotFound)
	}
	return path, nil
}

// Run starts the tool, streams its output to inv.Stdout/inv.Stderr and
// waits for it. On ctx cancellation the tool's whole process group is
// killed.
func (e *LocalExecutor) Run(ctx context.Context, inv Invocation) error {
	path, err := e.Resolve(inv.Tool)
	if err != nil {
		return err
	}

	// #nosec G204 -- tool names come from the pipeline, arguments are paths
	// and options built by the driver.
	cmd := exec.CommandContext(ctx, path, inv.Args...)
	configureProcess(cmd)
	cmd.Cancel = func() error { return terminateProcess(cmd) }
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	// Keep the end of stderr so the error says why the tool failed even when
	// its output is otherwise discarded.
	tail := &tailBuffer{limit: stderrTailSize}
	cmd.Stdout = orDiscard(inv.Stdout)
	cmd.Stderr = io.MultiWriter(orDiscard(inv.Stderr), tail)

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("%s exited with status %d: %s", inv.Tool, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("%s exited with status %d", inv.Tool, exitErr.ExitCode())
	}
	return fmt.Errorf("run %s: %w", inv.Tool, err)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
