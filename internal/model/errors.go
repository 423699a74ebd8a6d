package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ExitCode defines the CLI exit codes. These codes allow batch schedulers
// to tell a bad invocation apart from a failing external tool.
type ExitCode int

const (
	// ExitSuccess indicates the pipeline completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitUsage indicates malformed arguments or flags.
	ExitUsage ExitCode = 2

	// ExitMissingInput indicates an input image or camera does not exist.
	ExitMissingInput ExitCode = 3

	// ExitStageFailed indicates an external tool failed or did not produce
	// its expected output.
	ExitStageFailed ExitCode = 4

	// ExitDockerNotRunning indicates the container backend was requested
	// but the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 5

	// ExitCancelled indicates the run was interrupted (SIGINT/SIGTERM).
	// 130 is the conventional shell status for a SIGINT-terminated process.
	ExitCancelled ExitCode = 130
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ArgumentError reports malformed or missing positional arguments or flags.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string {
	return "invalid arguments: " + e.Reason
}

// MissingInputError reports input files that do not exist. All missing
// paths are collected so the user can fix them in one go.
type MissingInputError struct {
	Paths []string
}

func (e *MissingInputError) Error() string {
	if len(e.Paths) == 1 {
		return fmt.Sprintf("input file %s does not exist", e.Paths[0])
	}
	return fmt.Sprintf("input files do not exist: %s", strings.Join(e.Paths, ", "))
}

// StageExecutionError reports an external command that exited non-zero,
// timed out, was cancelled, or finished without writing its expected output.
type StageExecutionError struct {
	// Stage is the pipeline stage the command belongs to.
	Stage StageName

	// Command is the command line that was executed, for diagnostics.
	Command string

	// Output is the path the command was expected to produce.
	Output string

	// Err is the underlying cause (exit status, context error, or
	// ErrOutputMissing).
	Err error
}

// ErrOutputMissing is the cause recorded when a command exits cleanly but
// its expected output file is absent.
var ErrOutputMissing = errors.New("expected output is missing")

func (e *StageExecutionError) Error() string {
	msg := fmt.Sprintf("stage %s: %s", e.Stage, e.Command)
	if e.Output != "" {
		msg += fmt.Sprintf(" (expected %s)", e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// GsdComputationError reports a failure to estimate the native ground
// sample distance of a camera. The pipeline treats it as a warning.
type GsdComputationError struct {
	Camera string
	Err    error
}

func (e *GsdComputationError) Error() string {
	return fmt.Sprintf("failed to compute GSD for camera %s: %v", e.Camera, e.Err)
}

func (e *GsdComputationError) Unwrap() error {
	return e.Err
}

// ComparisonError reports a failed difference computation between two
// elevation products (DEM vs DEM, DEM vs fireball, fireball vs lidar).
type ComparisonError struct {
	Label string
	Err   error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("comparison %s failed: %v", e.Label, e.Err)
}

func (e *ComparisonError) Unwrap() error {
	return e.Err
}

// ExitCodeFor maps an error to the exit code the CLI should return.
// CLIError codes win; typed pipeline errors map to their dedicated codes;
// anything else is a general error.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}

	var argErr *ArgumentError
	var missingErr *MissingInputError
	var stageErr *StageExecutionError
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &argErr):
		return ExitUsage
	case errors.As(err, &missingErr):
		return ExitMissingInput
	case errors.As(err, &stageErr):
		return ExitStageFailed
	default:
		return ExitGeneralError
	}
}
