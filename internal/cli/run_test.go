package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shinji-kodama/icebridge-batch/internal/config"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/pipeline"
)

// parseBatchFlags registers the batch flags on a bare command and parses
// args.
func parseBatchFlags(t *testing.T, args ...string) (*batchFlags, *cobra.Command) {
	t.Helper()
	flags := newBatchFlags()
	cmd := &cobra.Command{Use: "test"}
	flags.register(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return flags, cmd
}

// TestBuildConfig_Precedence checks defaults < config file < changed flags.
func TestBuildConfig_Precedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
demResolution: 0.8
numThreads: 4
lidarOverlay: true
taskTimeout: 2h
`), 0o644))

	flags, cmd := parseBatchFlags(t,
		"--config", file,
		"--num-threads", "2",
		"--output-folder", "/data/out",
		"--task-timeout", "45m",
		"--tool-path", "/opt/asp/bin",
		"--tool-path", "/opt/gdal/bin",
	)

	cfg, err := flags.buildConfig(cmd.Flags().Changed)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.DemResolution, "file value survives an unset flag")
	assert.Equal(t, 2, cfg.NumThreads, "flag beats file")
	assert.True(t, cfg.LidarOverlay)
	assert.Equal(t, 45*time.Minute, cfg.TaskTimeout.Std())
	assert.Equal(t, config.DefaultStereoImageInterval, cfg.StereoImageInterval)
	assert.Equal(t, "/data/out", cfg.OutputFolder)
	assert.Equal(t, []string{"/opt/asp/bin", "/opt/gdal/bin"}, cfg.ToolPaths)
}

func TestBuildConfig_FailurePolicy(t *testing.T) {
	flags, cmd := parseBatchFlags(t, "--failure-policy", "fireball=abort", "--failure-policy", "mosaic = continue")

	cfg, err := flags.buildConfig(cmd.Flags().Changed)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fireball": "abort", "mosaic": "continue"}, cfg.FailurePolicy)

	flags, cmd = parseBatchFlags(t, "--failure-policy", "fireball")
	_, err = flags.buildConfig(cmd.Flags().Changed)
	var argErr *model.ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestBuildConfig_BadConfigFile(t *testing.T) {
	flags, cmd := parseBatchFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := flags.buildConfig(cmd.Flags().Changed)
	assert.Equal(t, model.ExitUsage, model.ExitCodeFor(err))
}

func TestRootCommand_ArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{name: "odd argument count", args: []string{"--output-folder", dir, "a.tif", "b.tif", "a.tsai"}},
		{name: "single pair", args: []string{"--output-folder", dir, "a.tif", "a.tsai"}},
		{name: "no output folder", args: []string{"a.tif", "b.tif", "a.tsai", "b.tsai"}},
		{name: "zero interval", args: []string{"--output-folder", dir, "--stereo-image-interval", "0", "a.tif", "b.tif", "a.tsai", "b.tsai"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCommand()
			root.SetArgs(tt.args)
			err := root.Execute()
			require.Error(t, err)
			assert.Equal(t, model.ExitUsage, model.ExitCodeFor(err))
		})
	}
}

func TestRootCommand_MissingInput(t *testing.T) {
	dir := t.TempDir()
	root := NewRootCommand()
	root.SetArgs([]string{"--output-folder", filepath.Join(dir, "out"), "--quiet",
		filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.tif"), filepath.Join(dir, "a.tsai"), filepath.Join(dir, "b.tsai")})

	err := root.Execute()
	assert.Equal(t, model.ExitMissingInput, model.ExitCodeFor(err))
}

// TestRootCommand_DryRun runs the whole command without executing a tool
// and checks that the log file and the run report were written.
func TestRootCommand_DryRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	var inputs []string
	for _, name := range []string{"f1.tif", "f2.tif", "f3.tif", "f1.tsai", "f2.tsai", "f3.tsai"} {
		p := filepath.Join(dir, "in", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		inputs = append(inputs, p)
	}

	root := NewRootCommand()
	root.SetArgs(append([]string{"--output-folder", out, "--dry-run", "--quiet", "--log-level", "warn"}, inputs...))
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(filepath.Join(out, pipeline.ReportFile))
	require.NoError(t, err)
	assert.NotEmpty(t, gjson.GetBytes(data, "runId").String())
	assert.Equal(t, "ok", gjson.GetBytes(data, `stages.#(stage=="products").status`).String())

	logs, err := filepath.Glob(filepath.Join(out, "icebridge_batch_log_*.txt"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestContainerMounts(t *testing.T) {
	cfg := config.Defaults()
	cfg.OutputFolder = "/data/out"
	cfg.LidarFolder = "/data/lidar"
	cfg.ReferenceDem = "/ref/dem.tif"
	pairs := []model.ImageCameraPair{{Image: "/data/img/a.tif", Camera: "/data/cam/a.tsai"}}

	assert.Equal(t,
		[]string{"/data/out", "/data/img", "/data/cam", "/data/lidar", "/ref"},
		containerMounts(cfg, pairs))
}
