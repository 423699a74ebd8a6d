package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/icebridge-batch/internal/config"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/runner"
)

// gdalinfoJSON serves both the bounds and the band statistics queries.
const gdalinfoJSON = `{
  "cornerCoordinates": {
    "upperLeft": [-1000.0, 2500.0],
    "lowerLeft": [-1000.0, 2000.0],
    "upperRight": [-400.0, 2500.0],
    "lowerRight": [-400.0, 2000.0]
  },
  "bands": [{"band": 1, "minimum": -0.8, "maximum": 2.5, "mean": 0.3, "stdDev": 0.2}]
}`

// fakeTools is an Executor that simulates the ASP and GDAL tools: it
// records every invocation and writes the files the real tool would write.
type fakeTools struct {
	mu    sync.Mutex
	calls []runner.Invocation

	// failIf makes an invocation fail when it returns an error.
	failIf func(inv runner.Invocation) error

	// gsd is printed by camera_footprint; zero makes it fail.
	gsd float64
}

func (f *fakeTools) Run(_ context.Context, inv runner.Invocation) error {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	if f.failIf != nil {
		if err := f.failIf(inv); err != nil {
			return err
		}
	}

	switch inv.Tool {
	case "gdalinfo":
		_, err := fmt.Fprint(inv.Stdout, gdalinfoJSON)
		return err
	case "camera_footprint":
		if f.gsd == 0 {
			return fmt.Errorf("camera_footprint exited with status 1")
		}
		_, err := fmt.Fprintf(inv.Stdout, "Computed mean gsd: %g\n", f.gsd)
		return err
	}

	for path, content := range outputsOf(inv) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// tools returns the tool names invoked, in order.
func (f *fakeTools) tools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Tool
	}
	return out
}

// invocations returns the invocations of one tool.
func (f *fakeTools) invocations(tool string) []runner.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runner.Invocation
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTools) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

const diffCSV = `# Max difference:       1.5
# Min difference:       -0.5
# Mean difference:      0.25
# StdDev of difference: 0.1
lon,lat,height_diff
`

// outputsOf maps an invocation to the files it produces and their content.
func outputsOf(inv runner.Invocation) map[string]string {
	args := inv.Args
	o := flagValue(args, "-o")
	files := map[string]string{}

	switch inv.Tool {
	case "stereo":
		files[args[4]+"-PC.tif"] = "pc"
	case "point2dem":
		if o != "" {
			files[o+"-DEM.tif"] = "dem"
			break
		}
		for _, a := range args {
			switch {
			case strings.HasSuffix(a, "-PC.tif"):
				files[strings.TrimSuffix(a, "-PC.tif")+"-DEM.tif"] = "dem"
			case strings.HasSuffix(a, "-trans_reference.tif"):
				files[strings.TrimSuffix(a, ".tif")+"-DEM.tif"] = "dem"
			}
		}
	case "colormap", "orbitviz", "hillshade":
		files[o] = inv.Tool
	case "gdal_translate":
		files[args[1]] = "browse"
	case "bundle_adjust":
		for _, a := range args {
			if strings.HasSuffix(a, ".tsai") {
				files[o+"-"+filepath.Base(a)] = "camera"
			}
		}
	case "geodiff":
		if flagValue(args, "--csv-format") != "" {
			files[o+"-diff.csv"] = diffCSV
		} else {
			files[o+"-diff.tif"] = "diff"
		}
	case "dem_mosaic":
		files[o+"-tile-0.tif"] = "mosaic"
	case "pc_align":
		files[o+"-trans_reference.tif"] = "aligned"
	}
	return files
}

func flagValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// writeInputs creates n image/camera pairs with time-stamped frame names.
func writeInputs(t *testing.T, dir string, n int) []model.ImageCameraPair {
	t.Helper()
	pairs := make([]model.ImageCameraPair, n)
	for i := range pairs {
		stem := fmt.Sprintf("DMS_20111012_1455%02d_%05d", i*2, 1234+i)
		pairs[i] = model.ImageCameraPair{
			Image:  filepath.Join(dir, stem+".tif"),
			Camera: filepath.Join(dir, stem+".tsai"),
		}
		touch(t, pairs[i].Image)
		touch(t, pairs[i].Camera)
	}
	return pairs
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func testConfig(out string) *config.Batch {
	cfg := config.Defaults()
	cfg.OutputFolder = out
	return cfg
}

type driverFixture struct {
	tools  *fakeTools
	runner *runner.Runner
	driver *Driver
}

func newFixture(cfg *config.Batch, pairs []model.ImageCameraPair, tools *fakeTools) driverFixture {
	r := runner.New(tools, runner.Options{
		Policy: runner.NewPolicy(cfg.Redo),
		Logger: zerolog.Nop(),
		DryRun: cfg.DryRun,
	})
	clock := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	d := New(Options{
		Config: cfg,
		Pairs:  pairs,
		Runner: r,
		Logger: zerolog.Nop(),
		RunID:  "run-1",
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return driverFixture{tools: tools, runner: r, driver: d}
}

func stageStatus(t *testing.T, report *model.RunReport, stage model.StageName) model.StageStatus {
	t.Helper()
	rep, ok := report.Stage(stage)
	require.True(t, ok, "stage %s not reported", stage)
	return rep.Status
}
