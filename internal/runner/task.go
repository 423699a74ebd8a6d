// Package runner executes the external tools of the pipeline.
//
// A Task names a tool, its arguments and the file it is expected to produce.
// The Runner executes tasks idempotently: when the expected output already
// exists and the Policy does not force the task's stage, the task is a no-op.
// This file-existence check is what makes an interrupted batch resumable.
//
// Execution itself is delegated to an Executor so that the same pipeline can
// run tools on the host (LocalExecutor) or inside a container image
// (docker.Executor).
package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Task is one external command of the pipeline.
type Task struct {
	// Stage is the pipeline stage the task belongs to. The idempotence and
	// failure policies are keyed by stage.
	Stage model.StageName

	// Tool is the executable name, e.g. "point2dem". It is resolved by the
	// Executor, never through a mutated process PATH.
	Tool string

	// Args are the tool arguments, one element per argument.
	Args []string

	// Output is the file the tool is expected to write. When empty the task
	// always runs and its success is judged by exit status alone.
	Output string
}

// CommandLine renders the task as a shell-like string for logs and errors.
// Arguments containing whitespace are quoted.
func (t Task) CommandLine() string {
	parts := make([]string, 0, len(t.Args)+1)
	parts = append(parts, t.Tool)
	for _, a := range t.Args {
		if a == "" || strings.ContainsFunc(a, unicode.IsSpace) {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Invocation is a resolved request to an Executor.
type Invocation struct {
	// Stage is the pipeline stage the invocation belongs to.
	Stage model.StageName

	// Tool is the executable name as given in the Task.
	Tool string

	// Args are passed verbatim.
	Args []string

	// Stdout and Stderr receive the tool output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs one invocation to completion. It must honor ctx
// cancellation by terminating the tool (and anything it spawned) and must
// return a non-nil error for a non-zero exit status.
type Executor interface {
	Run(ctx context.Context, inv Invocation) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inv Invocation) error

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// SplitArgs splits a free-form argument string (such as --stereo-arguments)
// into arguments. Whitespace separates arguments; single and double quotes
// group, and a backslash escapes the next character outside single quotes.
//
// Returns an error for an unterminated quote.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if escaped {
		current.WriteRune('\\')
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}
