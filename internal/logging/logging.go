// Package logging sets up structured logging for a pipeline run.
//
// Every run logs twice: a human-readable console stream on stderr and a
// full log file inside the output folder
// (icebridge_batch_log_<timestamp>.txt), which also receives the stdout and
// stderr of the external tools when output is suppressed. Each record carries
// the run ID so that logs of concurrent batches can be told apart.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogFilePrefix is the base name of the per-run log file.
const LogFilePrefix = "icebridge_batch_log"

// Options configures Setup.
type Options struct {
	// Level is a zerolog level name ("debug", "info", ...). Unknown names
	// fall back to info.
	Level string

	// OutputFolder receives the log file. Empty disables file logging.
	OutputFolder string

	// RunID is attached to every record as "run".
	RunID string

	// Console is the human-readable sink. Defaults to os.Stderr.
	Console io.Writer

	// Now is the clock used for the log file name. Defaults to time.Now.
	Now func() time.Time
}

// Result is a configured logger and the file it writes to.
type Result struct {
	// Logger is the run logger.
	Logger zerolog.Logger

	// FilePath is the log file path, empty when file logging is disabled.
	FilePath string

	file *os.File
	mu   sync.Mutex
}

// Setup builds the run logger. The log file is created (and the output
// folder with it) when opts.OutputFolder is set.
func Setup(opts Options) (*Result, error) {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        opts.Console,
		TimeFormat: time.RFC3339,
	}}

	res := &Result{}
	if opts.OutputFolder != "" {
		if err := os.MkdirAll(opts.OutputFolder, 0o755); err != nil {
			return nil, fmt.Errorf("create output folder: %w", err)
		}
		name := fmt.Sprintf("%s_%s.txt", LogFilePrefix, opts.Now().UTC().Format("2006-01-02-15-04-05"))
		path := filepath.Join(opts.OutputFolder, name)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		res.file = f
		res.FilePath = path
		writers = append(writers, f)
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp()
	if opts.RunID != "" {
		ctx = ctx.Str("run", opts.RunID)
	}
	res.Logger = ctx.Logger()

	return res, nil
}

// ToolOutput returns the writer external tool output should go to. With
// suppress set, output goes to the log file only (or is discarded when
// there is none); otherwise it goes to stderr and the log file.
func (r *Result) ToolOutput(suppress bool) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.file == nil && suppress:
		return io.Discard
	case r.file == nil:
		return os.Stderr
	case suppress:
		return r.file
	default:
		return io.MultiWriter(os.Stderr, r.file)
	}
}

// Close closes the log file. It is safe to call more than once.
func (r *Result) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Nop returns a logger that discards everything, for tests and dry runs of
// library code.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
