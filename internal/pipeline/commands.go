package pipeline

import (
	"path/filepath"
	"strconv"

	"github.com/shinji-kodama/icebridge-batch/internal/config"
	"github.com/shinji-kodama/icebridge-batch/internal/geo"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/runner"
)

// Tool parameters. The bundle adjustment weights were tuned on IceBridge
// flights and are not exposed as options.
const (
	// verticalSearchLimit bounds the vertical correlation search in pixels;
	// epipolar alignment keeps the images at least this well aligned.
	verticalSearchLimit = 10

	// minBAOverlap is the smallest bundle adjustment overlap limit. Smaller
	// values give very bad adjustments.
	minBAOverlap = 2

	cameraWeight    = 0.1
	robustThreshold = 2.0
	overlapExponent = 0.0

	// lidarDemResolution is the grid spacing of the lidar overlay DEM.
	lidarDemResolution = 5.0

	// lidarProjBufferMeters grows the mosaic bounds for the lidar overlay.
	lidarProjBufferMeters = 100.0

	// InterDemDiffCutoff is the mean difference, in meters, above which two
	// pair DEMs are reported as disagreeing.
	InterDemDiffCutoff = 1.0

	// FireballDiffCutoff is the same threshold for mosaic vs fireball DEM.
	FireballDiffCutoff = 1.0
)

// commands builds the tool invocations of a run. It holds no mutable
// state except the DEM resolution, which the GSD check may lower before
// any DEM is built.
type commands struct {
	cfg        *config.Batch
	proj       string
	resolution float64
	stereoArgs []string
	prefix     string
}

func newCommands(cfg *config.Batch, stereoArgs []string) *commands {
	return &commands{
		cfg:        cfg,
		proj:       geo.ProjString(cfg.IsSouth),
		resolution: cfg.DemResolution,
		stereoArgs: stereoArgs,
		prefix:     cfg.OutputPrefix(),
	}
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// path joins name to the output folder.
func (c *commands) path(name string) string {
	return filepath.Join(c.cfg.OutputFolder, name)
}

// out returns "<output>/out<suffix>".
func (c *commands) out(suffix string) string {
	return c.prefix + suffix
}

func (c *commands) threads() []string {
	return c.cfg.ThreadArgs()
}

// overlapLimit is the bundle adjustment overlap limit for the interval.
func (c *commands) overlapLimit() int {
	limit := c.cfg.StereoImageInterval + 3
	if limit < minBAOverlap {
		limit = minBAOverlap
	}
	return limit
}

// bundleAdjust refines all cameras jointly. It returns the task and the
// pairs rewritten to point at the adjusted cameras; the expected output is
// the last adjusted camera.
func (c *commands) bundleAdjust(pairs []model.ImageCameraPair) (runner.Task, []model.ImageCameraPair) {
	bundlePrefix := c.path(filepath.Join("bundle", "out"))

	args := append(model.Images(pairs), model.Cameras(pairs)...)
	args = append(args, "-o", bundlePrefix)
	args = append(args, c.threads()...)
	args = append(args,
		"--datum", "wgs84",
		"--camera-weight", ftoa(cameraWeight),
		"-t", "nadirpinhole",
		"--local-pinhole",
		"--overlap-limit", strconv.Itoa(c.overlapLimit()),
		"--robust-threshold", ftoa(robustThreshold),
		"--overlap-exponent", ftoa(overlapExponent),
		"--epipolar-threshold", "20",
	)
	if c.cfg.SolveIntrinsics {
		args = append(args, "--solve-intrinsics")
	}

	adjusted := make([]model.ImageCameraPair, len(pairs))
	for i, p := range pairs {
		adjusted[i] = model.ImageCameraPair{
			Image:  p.Image,
			Camera: bundlePrefix + "-" + filepath.Base(p.Camera),
		}
	}

	return runner.Task{
		Stage:  model.StageBundleAdjust,
		Tool:   "bundle_adjust",
		Args:   args,
		Output: adjusted[len(adjusted)-1].Camera,
	}, adjusted
}

// orbitviz renders the adjusted camera positions as KML.
func (c *commands) orbitviz(pairs []model.ImageCameraPair) runner.Task {
	kml := c.path("cameras_out.kml")
	args := []string{"--hide-labels", "-t", "nadirpinhole", "-r", "wgs84", "-o", kml}
	for _, p := range pairs {
		args = append(args, p.Image, p.Camera)
	}
	return runner.Task{Stage: model.StageOrbitViz, Tool: "orbitviz", Args: args, Output: kml}
}

// classicCorrelator reports whether the user selected the classic block
// matching correlator, for which the tuned SGM arguments do not apply.
func (c *commands) classicCorrelator() bool {
	for i := 0; i+1 < len(c.stereoArgs); i++ {
		if c.stereoArgs[i] == "--stereo-algorithm" && c.stereoArgs[i+1] == "0" {
			return true
		}
	}
	return false
}

// stereo triangulates the point cloud of one pair.
func (c *commands) stereo(left, right model.ImageCameraPair, rec model.DemRecord) runner.Task {
	args := []string{left.Image, right.Image, left.Camera, right.Camera, rec.Prefix,
		"-t", "nadirpinhole", "--alignment-method", "epipolar"}
	args = append(args, c.threads()...)
	args = append(args, "--corr-seed-mode", "0", "--epipolar-threshold", "20")

	if c.classicCorrelator() {
		args = append(args, c.stereoArgs...)
	} else {
		limit := strconv.Itoa(verticalSearchLimit)
		args = append(args,
			"--xcorr-threshold", "2",
			"--min-xcorr-level", "1",
			"--corr-kernel", "7", "7",
			"--corr-tile-size", "9000",
			"--cost-mode", "4",
			"--sgm-search-buffer", "4", "1",
			"--corr-search-limit", "-9999", "-"+limit, "9999", limit,
			"--corr-memory-limit-mb", "16000",
		)
		args = append(args, c.stereoArgs...)
		args = append(args,
			"--rm-cleanup-passes", "0",
			"--median-filter-size", "5",
			"--texture-smooth-size", "17",
			"--texture-smooth-scale", "0.14",
		)
	}

	return runner.Task{Stage: model.StageStereoPair, Tool: "stereo", Args: args, Output: rec.PointCloudPath()}
}

// pairDem grids the point cloud of one pair. The size limit keeps a bad
// point cloud from producing a giant DEM.
func (c *commands) pairDem(rec model.DemRecord) runner.Task {
	args := []string{"--max-output-size", "10000", "10000",
		"--tr", ftoa(c.resolution), "--t_srs", c.proj, rec.PointCloudPath()}
	args = append(args, c.threads()...)
	args = append(args, "--errorimage")
	return runner.Task{Stage: model.StageStereoPair, Tool: "point2dem", Args: args, Output: rec.DemPath}
}

func (c *commands) colormap(stage model.StageName, dem, output string) runner.Task {
	return runner.Task{Stage: stage, Tool: "colormap", Args: []string{dem, "-o", output}, Output: output}
}

// interDemDiff compares DEM i against the first DEM.
func (c *commands) interDemDiff(first, other string, i int) runner.Task {
	prefix := c.out("_inter_dem_" + strconv.Itoa(i))
	return runner.Task{
		Stage:  model.StageInterDemDiff,
		Tool:   "geodiff",
		Args:   []string{"--absolute", first, other, "-o", prefix},
		Output: prefix + "-diff.tif",
	}
}

// mosaic blends the pair DEMs into one tile.
func (c *commands) mosaic(dems []string) runner.Task {
	args := append([]string{}, dems...)
	args = append(args, "--tr", ftoa(c.resolution), "--t_srs", c.proj)
	args = append(args, c.threads()...)
	args = append(args, "-o", c.prefix)
	return runner.Task{Stage: model.StageMosaic, Tool: "dem_mosaic", Args: args, Output: c.out("-tile-0.tif")}
}

// lidarDem grids the lidar points inside bounds.
func (c *commands) lidarDem(bounds geo.Bounds, lidarFile, csvFormat string) runner.Task {
	prefix := c.path("cropped_lidar")
	args := []string{"--max-output-size", "10000", "10000", "--t_projwin"}
	args = append(args, bounds.ProjWin()...)
	args = append(args, "--tr", ftoa(lidarDemResolution), "--t_srs", c.proj, lidarFile)
	args = append(args, c.threads()...)
	args = append(args, "--csv-format", csvFormat, "-o", prefix)
	return runner.Task{Stage: model.StageLidarOverlay, Tool: "point2dem", Args: args, Output: prefix + "-DEM.tif"}
}

func (c *commands) fireballDiff(allDem, fireball string, i int) runner.Task {
	prefix := c.out("_fireball_" + strconv.Itoa(i))
	return runner.Task{
		Stage:  model.StageFireball,
		Tool:   "geodiff",
		Args:   []string{"--absolute", allDem, fireball, "-o", prefix},
		Output: prefix + "-diff.tif",
	}
}

func (c *commands) fireballLidarDiff(fireball, lidarFile, csvFormat string, i int) runner.Task {
	prefix := c.out("_fireball_lidar_" + strconv.Itoa(i))
	return runner.Task{
		Stage:  model.StageFireball,
		Tool:   "geodiff",
		Args:   []string{"--absolute", "--csv-format", csvFormat, fireball, lidarFile, "-o", prefix},
		Output: prefix + "-diff.csv",
	}
}

// alignPrefix is the pc_align output prefix.
func (c *commands) alignPrefix() string {
	return c.path(filepath.Join("align", "out"))
}

func (c *commands) pcAlign(allDem, lidarFile, csvFormat string) runner.Task {
	prefix := c.alignPrefix()
	args := []string{
		"--max-displacement", ftoa(c.cfg.MaxDisplacement),
		"--csv-format", csvFormat,
		"--save-inv-transformed-reference-points",
		allDem, lidarFile, "-o", prefix,
	}
	args = append(args, c.threads()...)
	return runner.Task{Stage: model.StageAlign, Tool: "pc_align", Args: args, Output: prefix + "-trans_reference.tif"}
}

func (c *commands) alignDem() runner.Task {
	cloud := c.alignPrefix() + "-trans_reference.tif"
	args := []string{"--tr", ftoa(c.resolution), "--t_srs", c.proj, cloud}
	args = append(args, c.threads()...)
	args = append(args, "--errorimage")
	return runner.Task{Stage: model.StageAlign, Tool: "point2dem", Args: args, Output: c.alignPrefix() + "-trans_reference-DEM.tif"}
}

func (c *commands) lidarDiff(allDem, lidarFile, csvFormat string) runner.Task {
	return runner.Task{
		Stage:  model.StageAlign,
		Tool:   "geodiff",
		Args:   []string{"--absolute", "--csv-format", csvFormat, allDem, lidarFile, "-o", c.prefix},
		Output: c.out("-diff.csv"),
	}
}

func (c *commands) hillshade(allDem string) runner.Task {
	out := c.out("-DEM_HILLSHADE.tif")
	return runner.Task{Stage: model.StageProducts, Tool: "hillshade", Args: []string{allDem, "-o", out}, Output: out}
}

// browse makes a small JPEG-compressed thumbnail of the hillshade.
func (c *commands) browse() runner.Task {
	out := c.out("-DEM_HILLSHADE_browse.tif")
	return runner.Task{
		Stage: model.StageProducts,
		Tool:  "gdal_translate",
		Args: []string{c.out("-DEM_HILLSHADE.tif"), out,
			"-of", "GTiff", "-outsize", "10%", "10%", "-b", "1", "-co", "COMPRESS=JPEG"},
		Output: out,
	}
}
