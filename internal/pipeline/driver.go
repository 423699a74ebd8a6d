// Package pipeline sequences the stages of one batch: bundle adjustment,
// per-pair stereo DEMs, DEM comparisons, mosaicking, the optional lidar and
// fireball stages, alignment and the final visualization products.
//
// Every external tool runs through a runner.Runner, so each step is
// idempotent: rerunning a batch reuses the outputs that already exist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/icebridge-batch/internal/config"
	"github.com/shinji-kodama/icebridge-batch/internal/geo"
	"github.com/shinji-kodama/icebridge-batch/internal/geodiff"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/pool"
	"github.com/shinji-kodama/icebridge-batch/internal/runner"
)

// Summary and report file names, relative to the output folder.
const (
	InterDemSummaryFile      = "out_inter_diff_summary.csv"
	FireballSummaryFile      = "out_fireball_diff_summary.csv"
	FireballLidarSummaryFile = "out_fireLidar_diff_summary.csv"
	ReportFile               = "out-run_report.json"
)

// errSkipped marks a stage that does not apply to this run.
var errSkipped = errors.New("stage skipped")

// Publisher uploads finished products. *publish.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, files []string) ([]string, error)
}

// Options configures a Driver.
type Options struct {
	// Config is the batch configuration. The driver validates it.
	Config *config.Batch

	// Pairs are the input frames in acquisition order.
	Pairs []model.ImageCameraPair

	// Runner executes the external tools.
	Runner *runner.Runner

	Logger zerolog.Logger

	// RunID identifies the run in the report.
	RunID string

	// Publisher, when set, receives the final products of a successful run.
	Publisher Publisher

	// Now defaults to time.Now.
	Now func() time.Time

	// GsdRetryDelay is the pause between GSD estimation attempts.
	GsdRetryDelay time.Duration
}

// Driver runs the stages of one batch. A Driver is used for a single Run.
type Driver struct {
	cfg       *config.Batch
	pairs     []model.ImageCameraPair
	run       *runner.Runner
	log       zerolog.Logger
	pub       Publisher
	now       func() time.Time
	gsdDelay  time.Duration
	report    *model.RunReport
	cmds      *commands
	dems      []model.DemRecord
	allDem    string
	lidarFile string
	lidarFmt  string
}

// New creates a Driver.
func New(opts Options) *Driver {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		cfg:      opts.Config,
		pairs:    append([]model.ImageCameraPair(nil), opts.Pairs...),
		run:      opts.Runner,
		log:      opts.Logger,
		pub:      opts.Publisher,
		now:      now,
		gsdDelay: opts.GsdRetryDelay,
		report:   &model.RunReport{RunID: opts.RunID},
	}
}

// Run executes the pipeline and returns the run report. The report is
// returned, and written to the output folder, even when a stage aborts the
// run; it is nil only when the inputs are rejected.
//
// The process flow is:
//  1. Validate the configuration and the input files
//  2. Check the DEM resolution against the native GSD
//  3. Find the lidar file matching the batch
//  4. Run the stages in order, applying each stage's failure policy
//  5. Write the run report and publish the products
func (d *Driver) Run(ctx context.Context) (*model.RunReport, error) {
	// Step 1: validation
	stereoArgs, err := d.validate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.cfg.OutputFolder, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}

	d.cmds = newCommands(d.cfg, stereoArgs)
	d.report.Started = d.now()

	// Step 2: native resolution
	d.checkResolution(ctx)
	d.report.Resolution = d.cmds.resolution

	// Step 3: lidar
	if err := d.matchLidar(); err != nil {
		return nil, err
	}

	// Step 4: stages
	stages := []struct {
		name model.StageName
		fn   func(context.Context) ([]string, error)
	}{
		{model.StageBundleAdjust, d.bundleAdjust},
		{model.StageOrbitViz, d.orbitViz},
		{model.StageStereoPair, d.stereoPairs},
		{model.StageInterDemDiff, d.interDemDiff},
		{model.StageMosaic, d.mosaic},
		{model.StageLidarOverlay, d.lidarOverlay},
		{model.StageFireball, d.fireball},
		{model.StageAlign, d.align},
		{model.StageProducts, d.products},
	}

	var runErr error
	for _, s := range stages {
		if runErr = d.stage(ctx, s.name, s.fn); runErr != nil {
			break
		}
	}

	// Step 5: report and publish
	d.report.FinalDem = d.allDem
	d.report.Finished = d.now()
	d.report.ToolsStarted, d.report.OutputsReused = d.run.Stats()

	reportPath := filepath.Join(d.cfg.OutputFolder, ReportFile)
	if err := WriteReport(reportPath, d.report); err != nil {
		d.log.Error().Err(err).Msg("Failed to write run report")
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return d.report, runErr
	}

	if err := d.publish(ctx, reportPath); err != nil {
		return d.report, err
	}

	d.log.Info().
		Str("final_dem", d.allDem).
		Int64("tools_started", d.report.ToolsStarted).
		Int64("outputs_reused", d.report.OutputsReused).
		Dur("elapsed", d.report.Finished.Sub(d.report.Started)).
		Msg("Batch finished")
	return d.report, nil
}

// validate checks the options and that every input file exists, and splits
// the stereo argument string.
func (d *Driver) validate() ([]string, error) {
	if err := d.cfg.Validate(len(d.pairs)); err != nil {
		return nil, err
	}

	var missing []string
	inputs := append(model.Images(d.pairs), model.Cameras(d.pairs)...)
	if d.cfg.ReferenceDem != "" {
		inputs = append(inputs, d.cfg.ReferenceDem)
	}
	for _, f := range inputs {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &model.MissingInputError{Paths: missing}
	}

	stereoArgs, err := runner.SplitArgs(d.cfg.StereoArgs)
	if err != nil {
		return nil, &model.ArgumentError{Reason: "--stereo-arguments: " + err.Error()}
	}
	return stereoArgs, nil
}

// stage runs fn and records its outcome. A failure aborts the run unless
// the stage's policy is continue; cancellation always aborts.
func (d *Driver) stage(ctx context.Context, name model.StageName, fn func(context.Context) ([]string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := d.log.With().Str("stage", name.String()).Logger()
	log.Info().Msg("Stage started")
	start := d.now()

	outputs, err := fn(ctx)
	rep := model.StageReport{Stage: name, Outputs: outputs, Duration: d.now().Sub(start)}

	switch {
	case err == nil:
		rep.Status = model.StageOK
		log.Info().Dur("elapsed", rep.Duration).Msg("Stage finished")
	case errors.Is(err, errSkipped):
		rep.Status = model.StageSkipped
		rep.Error = err.Error()
		log.Info().Str("reason", err.Error()).Msg("Stage skipped")
		err = nil
	case ctx.Err() != nil:
		rep.Status = model.StageFailed
		rep.Error = ctx.Err().Error()
		log.Warn().Msg("Stage cancelled")
		if !errors.Is(err, ctx.Err()) {
			err = ctx.Err()
		}
	case d.cfg.PolicyFor(name) == model.PolicyContinue:
		rep.Status = model.StageTolerated
		rep.Error = err.Error()
		log.Warn().Err(err).Msg("Stage failed, continuing")
		err = nil
	default:
		rep.Status = model.StageFailed
		rep.Error = err.Error()
		log.Error().Err(err).Msg("Stage failed")
	}

	d.report.Add(rep)
	return err
}

// query runs a query tool on behalf of stage.
func (d *Driver) query(stage model.StageName) func(context.Context, string, ...string) ([]byte, error) {
	return func(ctx context.Context, tool string, args ...string) ([]byte, error) {
		return d.run.Output(ctx, stage, tool, args...)
	}
}

// checkResolution raises the DEM resolution to the native GSD of the first
// camera when the configured one is finer than the imagery supports. A GSD
// that cannot be computed leaves the resolution unchanged.
func (d *Driver) checkResolution(ctx context.Context) {
	if d.cfg.ReferenceDem == "" {
		return
	}
	if d.run.DryRun() {
		d.log.Info().Msg("Dry run, skipping GSD check")
		return
	}

	first := d.pairs[0]
	est := geo.GsdEstimator{
		Query:  d.query(model.StageStereoPair),
		Delay:  d.gsdDelay,
		Logger: d.log,
	}
	gsd, err := est.Estimate(ctx, first.Image, first.Camera, d.cfg.ReferenceDem, d.cmds.proj)
	if err != nil {
		d.log.Warn().Err(err).Float64("resolution", d.cmds.resolution).Msg("Keeping configured DEM resolution")
		return
	}

	check := geo.CheckResolution(d.cmds.resolution, gsd)
	if check.Switched {
		d.log.Warn().Float64("resolution", d.cmds.resolution).Float64("gsd", gsd).
			Msg("DEM resolution is too fine for the imagery, using the native GSD")
		d.cmds.resolution = check.Resolution
	}
	if check.TooCoarse {
		d.log.Warn().Float64("resolution", check.Resolution).Float64("gsd", gsd).
			Msg("DEM resolution is much coarser than the native GSD")
	}
}

// matchLidar finds the lidar file covering the first frame.
func (d *Driver) matchLidar() error {
	if d.cfg.LidarFolder == "" {
		return nil
	}

	file, err := geo.FindMatchingLidarFile(d.pairs[0].Image, d.cfg.LidarFolder)
	if err != nil {
		return fmt.Errorf("match lidar file: %w", err)
	}
	format, err := geo.LidarCsvFormat(file)
	if err != nil {
		return fmt.Errorf("match lidar file: %w", err)
	}

	d.lidarFile, d.lidarFmt = file, format
	d.report.LidarFile = file
	d.log.Info().Str("lidar_file", file).Str("csv_format", format).Msg("Matched lidar file")
	return nil
}

func (d *Driver) bundleAdjust(ctx context.Context) ([]string, error) {
	task, adjusted := d.cmds.bundleAdjust(d.pairs)
	if err := d.run.Execute(ctx, task); err != nil {
		return nil, err
	}
	d.pairs = adjusted
	return model.Cameras(adjusted), nil
}

func (d *Driver) orbitViz(ctx context.Context) ([]string, error) {
	task := d.cmds.orbitviz(d.pairs)
	if err := d.run.Execute(ctx, task); err != nil {
		return nil, err
	}
	return []string{task.Output}, nil
}

// stereoPairs builds one DEM per stereo pair. When any DEM had to be built,
// every later stage is forced so that no product is stale.
func (d *Driver) stereoPairs(ctx context.Context) ([]string, error) {
	numRuns := len(d.pairs) - d.cfg.StereoImageInterval
	d.dems = make([]model.DemRecord, numRuns)

	missing := 0
	for i := range d.dems {
		d.dems[i] = model.NewDemRecord(d.cfg.OutputFolder, i)
		if !runner.FileExists(d.dems[i].DemPath) {
			missing++
		}
	}
	if missing > 0 {
		d.log.Info().Int("missing", missing).Int("total", numRuns).Msg("Some DEMs are missing, later stages will be redone")
		d.run.Policy().ForceAfter(model.StageStereoPair)
	}

	outputs := make([]string, numRuns)
	for i, rec := range d.dems {
		outputs[i] = rec.DemPath
	}

	if d.cfg.NumProcessesPerBatch <= 1 {
		for i := range d.dems {
			if err := d.processPair(ctx, i); err != nil {
				return outputs, err
			}
		}
		return outputs, nil
	}

	units := make([]pool.Func, numRuns)
	for i := range units {
		units[i] = func(ctx context.Context) error { return d.processPair(ctx, i) }
	}
	p := pool.New(d.cfg.NumProcessesPerBatch).WithProgress(func(pr pool.Progress) {
		ev := d.log.Info()
		if pr.Err != nil {
			ev = d.log.Warn().Err(pr.Err)
		}
		ev.Int("pair", pr.Index).Int("done", pr.Done).Int("total", pr.Total).Msg("Stereo pair finished")
	})

	errs := p.Run(ctx, units)
	if failed := pool.Failed(errs); len(failed) > 0 {
		joined := make([]error, 0, len(failed))
		for _, i := range failed {
			joined = append(joined, errs[i])
		}
		return outputs, fmt.Errorf("%d of %d stereo pairs failed: %w", len(failed), numRuns, errors.Join(joined...))
	}
	return outputs, nil
}

// processPair runs stereo, point2dem and colormap for pair i. Stereo is
// skipped along with point2dem when the DEM already exists, since the point
// cloud may have been cleaned up.
func (d *Driver) processPair(ctx context.Context, i int) error {
	rec := d.dems[i]
	left, right := d.pairs[i], d.pairs[i+d.cfg.StereoImageInterval]

	if !runner.FileExists(rec.DemPath) || d.run.Policy().Forced(model.StageStereoPair) {
		if err := d.run.Execute(ctx, d.cmds.stereo(left, right, rec)); err != nil {
			return err
		}
		if err := d.run.Execute(ctx, d.cmds.pairDem(rec)); err != nil {
			return err
		}
	}
	return d.run.Execute(ctx, d.cmds.colormap(model.StageStereoPair, rec.DemPath, rec.ColormapPath()))
}

// compare runs one geodiff task and reads its statistics. A mean beyond
// cutoff is logged; a cutoff of zero disables the check.
func (d *Driver) compare(ctx context.Context, label string, task runner.Task, reader geodiff.StatsReader, cutoff float64) model.ComparisonResult {
	res := model.ComparisonResult{Label: label, StatsPath: task.Output}
	if err := d.run.Execute(ctx, task); err != nil {
		res.Err = &model.ComparisonError{Label: label, Err: err}
		return res
	}
	if d.run.DryRun() {
		return res
	}

	stats, err := reader.ReadStats(ctx, task.Output)
	if err != nil {
		res.Err = &model.ComparisonError{Label: label, Err: err}
		return res
	}
	res.Stats = stats

	if cutoff > 0 && math.Abs(stats.Mean) > cutoff {
		d.log.Warn().Str("comparison", label).Float64("mean", stats.Mean).Float64("cutoff", cutoff).
			Msg("Mean elevation difference exceeds cutoff")
	}
	return res
}

// consolidate writes the summary of the successful results and returns the
// comparison errors, joined.
func (d *Driver) consolidate(results []model.ComparisonResult, name string) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			d.log.Warn().Err(r.Err).Msg("Comparison failed")
			errs = append(errs, r.Err)
		}
	}
	if d.run.DryRun() {
		return errors.Join(errs...)
	}

	summary, err := geodiff.ConsolidateResults(results, filepath.Join(d.cfg.OutputFolder, name))
	if err != nil {
		errs = append(errs, err)
	} else if summary != nil {
		d.report.AddSummary(name, *summary)
		d.log.Info().Str("summary", name).Stringer("stats", summary).Msg("Consolidated differences")
	}
	return errors.Join(errs...)
}

func resultPaths(results []model.ComparisonResult) []string {
	var paths []string
	for _, r := range results {
		if r.Err == nil {
			paths = append(paths, r.StatsPath)
		}
	}
	return paths
}

// interDemDiff compares every DEM against the first one.
func (d *Driver) interDemDiff(ctx context.Context) ([]string, error) {
	if len(d.dems) < 2 {
		return nil, fmt.Errorf("%w: only one DEM", errSkipped)
	}

	reader := geodiff.NewAutoReader(d.query(model.StageInterDemDiff))
	var results []model.ComparisonResult
	for i := 1; i < len(d.dems); i++ {
		task := d.cmds.interDemDiff(d.dems[0].DemPath, d.dems[i].DemPath, i)
		results = append(results, d.compare(ctx, fmt.Sprintf("inter_dem_%d", i), task, reader, InterDemDiffCutoff))
		if ctx.Err() != nil {
			return resultPaths(results), ctx.Err()
		}
	}

	err := d.consolidate(results, InterDemSummaryFile)
	return append(resultPaths(results), filepath.Join(d.cfg.OutputFolder, InterDemSummaryFile)), err
}

// mosaic merges the pair DEMs into out-DEM.tif. A single DEM is aliased.
func (d *Driver) mosaic(ctx context.Context) ([]string, error) {
	target := d.dems[0].DemPath
	if len(d.dems) > 1 {
		dems := make([]string, len(d.dems))
		for i, rec := range d.dems {
			dems[i] = rec.DemPath
		}
		task := d.cmds.mosaic(dems)
		if err := d.run.Execute(ctx, task); err != nil {
			return nil, err
		}
		target = task.Output
	}

	link := d.cmds.out("-DEM.tif")
	d.allDem = link
	if d.run.DryRun() {
		d.log.Info().Str("link", link).Str("target", target).Msg("Dry run, not linking mosaic")
		return []string{link}, nil
	}
	if err := geo.MakeSymLink(target, link); err != nil {
		return nil, err
	}
	return []string{link}, nil
}

// lidarOverlay grids the lidar points over the mosaic footprint.
func (d *Driver) lidarOverlay(ctx context.Context) ([]string, error) {
	if !d.cfg.LidarOverlay {
		return nil, fmt.Errorf("%w: lidar overlay not requested", errSkipped)
	}
	if d.lidarFile == "" {
		return nil, fmt.Errorf("%w: no lidar file", errSkipped)
	}

	bounds, err := geo.ProjectionBounds(ctx, d.query(model.StageLidarOverlay), d.allDem)
	if errors.Is(err, runner.ErrDryRun) {
		return nil, fmt.Errorf("%w: mosaic bounds unknown in dry run", errSkipped)
	}
	if err != nil {
		return nil, err
	}

	task := d.cmds.lidarDem(bounds.Buffer(lidarProjBufferMeters), d.lidarFile, d.lidarFmt)
	if err := d.run.Execute(ctx, task); err != nil {
		return nil, err
	}
	cmap := d.cmds.colormap(model.StageLidarOverlay, task.Output, d.cmds.path("cropped_lidar-DEM_CMAP.tif"))
	if err := d.run.Execute(ctx, cmap); err != nil {
		return []string{task.Output}, err
	}
	return []string{task.Output, cmap.Output}, nil
}

// fireball compares the mosaic against the fireball DEMs of matching
// frames, and each fireball DEM against the lidar file when there is one.
func (d *Driver) fireball(ctx context.Context) ([]string, error) {
	if d.cfg.FireballFolder == "" {
		return nil, fmt.Errorf("%w: no fireball folder", errSkipped)
	}

	candidates, err := geo.GetTifs(d.cfg.FireballFolder)
	if err != nil {
		return nil, err
	}
	matches := geo.MatchingFrames(model.Images(d.pairs), candidates)

	reader := geodiff.NewAutoReader(d.query(model.StageFireball))
	var demResults, lidarResults []model.ComparisonResult
	for i := range d.dems {
		fb := matches[i]
		if fb == "" {
			d.log.Debug().Str("image", d.pairs[i].Image).Msg("No fireball DEM for frame")
			continue
		}

		task := d.cmds.fireballDiff(d.allDem, fb, i)
		demResults = append(demResults, d.compare(ctx, fmt.Sprintf("fireball_%d", i), task, reader, FireballDiffCutoff))

		if d.lidarFile != "" {
			task := d.cmds.fireballLidarDiff(fb, d.lidarFile, d.lidarFmt, i)
			lidarResults = append(lidarResults, d.compare(ctx, fmt.Sprintf("fireball_lidar_%d", i), task, reader, 0))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if len(demResults) == 0 {
		return nil, fmt.Errorf("%w: no fireball DEM matches a frame", errSkipped)
	}

	outputs := append(resultPaths(demResults), resultPaths(lidarResults)...)
	errDem := d.consolidate(demResults, FireballSummaryFile)
	var errLidar error
	if len(lidarResults) > 0 {
		errLidar = d.consolidate(lidarResults, FireballLidarSummaryFile)
	}
	return outputs, errors.Join(errDem, errLidar)
}

// align registers the mosaic to the lidar points and regrids it. The
// aligned DEM becomes the canonical DEM of the run.
func (d *Driver) align(ctx context.Context) ([]string, error) {
	if d.lidarFile == "" {
		return nil, fmt.Errorf("%w: no lidar file", errSkipped)
	}

	if err := d.run.Execute(ctx, d.cmds.pcAlign(d.allDem, d.lidarFile, d.lidarFmt)); err != nil {
		return nil, err
	}
	regrid := d.cmds.alignDem()
	if err := d.run.Execute(ctx, regrid); err != nil {
		return nil, err
	}

	link := d.cmds.out("-align-DEM.tif")
	if !d.run.DryRun() {
		if err := geo.MakeSymLink(regrid.Output, link); err != nil {
			return nil, err
		}
	}
	d.allDem = link

	diff := d.cmds.lidarDiff(d.allDem, d.lidarFile, d.lidarFmt)
	if err := d.run.Execute(ctx, diff); err != nil {
		return []string{link}, err
	}
	if !d.run.DryRun() {
		if stats, err := (geodiff.CSVReader{}).ReadStats(ctx, diff.Output); err != nil {
			d.log.Warn().Err(err).Str("file", diff.Output).Msg("Could not read lidar difference statistics")
		} else {
			d.log.Info().Stringer("stats", stats).Msg("Aligned DEM vs lidar")
		}
	}
	return []string{link, diff.Output}, nil
}

// products renders the hillshade, its browse thumbnail and the colormap of
// the canonical DEM.
func (d *Driver) products(ctx context.Context) ([]string, error) {
	tasks := []runner.Task{
		d.cmds.hillshade(d.allDem),
		d.cmds.browse(),
		d.cmds.colormap(model.StageProducts, d.allDem, d.cmds.out("-DEM_CMAP.tif")),
	}
	var outputs []string
	for _, t := range tasks {
		if err := d.run.Execute(ctx, t); err != nil {
			return outputs, err
		}
		outputs = append(outputs, t.Output)
	}
	return outputs, nil
}

// publish uploads the final products. Nothing is published in dry-run mode.
func (d *Driver) publish(ctx context.Context, reportPath string) error {
	if d.pub == nil || d.run.DryRun() {
		return nil
	}

	files := []string{
		d.cmds.out("-DEM.tif"),
		d.cmds.out("-align-DEM.tif"),
		d.cmds.out("-DEM_CMAP.tif"),
		d.cmds.out("-DEM_HILLSHADE.tif"),
		d.cmds.out("-DEM_HILLSHADE_browse.tif"),
		d.cmds.out("-diff.csv"),
		d.cmds.path("cameras_out.kml"),
		d.cmds.path(InterDemSummaryFile),
		d.cmds.path(FireballSummaryFile),
		d.cmds.path(FireballLidarSummaryFile),
		reportPath,
	}
	keys, err := d.pub.Publish(ctx, files)
	if err != nil {
		return fmt.Errorf("publish products: %w", err)
	}
	d.log.Info().Int("files", len(keys)).Msg("Published products")
	return nil
}
