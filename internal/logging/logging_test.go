package logging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC)
}

// TestSetup_WritesFileAndConsole verifies that records reach both sinks and
// carry the run ID.
func TestSetup_WritesFileAndConsole(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "batch")
	var console bytes.Buffer

	res, err := Setup(Options{
		Level:        "debug",
		OutputFolder: dir,
		RunID:        "run-123",
		Console:      &console,
		Now:          fixedClock,
	})
	require.NoError(t, err)

	res.Logger.Info().Str("stage", "mosaic").Msg("Starting processing...")
	require.NoError(t, res.Close())
	require.NoError(t, res.Close(), "Close is idempotent")

	assert.Equal(t, filepath.Join(dir, "icebridge_batch_log_2026-10-18-12-30-00.txt"), res.FilePath)

	data, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run":"run-123"`)
	assert.Contains(t, string(data), `"stage":"mosaic"`)
	assert.Contains(t, console.String(), "Starting processing...")
}

// TestSetup_LevelFiltering drops records below the configured level and
// falls back to info for unknown level names.
func TestSetup_LevelFiltering(t *testing.T) {
	var console bytes.Buffer
	res, err := Setup(Options{Level: "bogus", Console: &console})
	require.NoError(t, err)

	res.Logger.Debug().Msg("hidden")
	res.Logger.Warn().Msg("shown")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
	assert.Empty(t, res.FilePath)
}

// TestToolOutput checks where tool output goes for each combination of
// file logging and suppression.
func TestToolOutput(t *testing.T) {
	noFile, err := Setup(Options{Console: io.Discard})
	require.NoError(t, err)
	assert.Equal(t, io.Discard, noFile.ToolOutput(true))
	assert.Equal(t, os.Stderr, noFile.ToolOutput(false))

	withFile, err := Setup(Options{Console: io.Discard, OutputFolder: t.TempDir(), Now: fixedClock})
	require.NoError(t, err)
	defer func() { _ = withFile.Close() }()

	_, err = io.WriteString(withFile.ToolOutput(true), "stereo: tile 1/4\n")
	require.NoError(t, err)

	data, err := os.ReadFile(withFile.FilePath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "stereo: tile 1/4"))
}
