// Package cli: run.go implements the batch run of the root command.
//
// Orchestration steps:
//  1. Build the configuration: defaults, config file, changed flags
//  2. Split the positional arguments into image/camera pairs
//  3. Set up logging with a fresh run ID
//  4. Choose the tool executor (host or container)
//  5. Run the pipeline under a signal-aware context
//  6. Output the result (text or JSON)
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/icebridge-batch/internal/config"
	"github.com/shinji-kodama/icebridge-batch/internal/docker"
	"github.com/shinji-kodama/icebridge-batch/internal/logging"
	"github.com/shinji-kodama/icebridge-batch/internal/model"
	"github.com/shinji-kodama/icebridge-batch/internal/pipeline"
	"github.com/shinji-kodama/icebridge-batch/internal/publish"
	"github.com/shinji-kodama/icebridge-batch/internal/runner"
)

// cleanupTimeout bounds the removal of leftover containers after an
// interrupted run.
const cleanupTimeout = 30 * time.Second

// batchFlags holds the flag values of the root command. Flags are bound to
// a scratch Batch; only the flags the user actually set are copied onto the
// configuration, so a config file value is not overwritten by a default.
type batchFlags struct {
	configFile    string
	values        *config.Batch
	taskTimeout   time.Duration
	failurePolicy []string
}

func newBatchFlags() *batchFlags {
	return &batchFlags{values: config.Defaults()}
}

// register binds the flags to cmd.
func (f *batchFlags) register(cmd *cobra.Command) {
	v := f.values
	fs := cmd.Flags()

	fs.BoolVar(&v.IsSouth, "south", false, "Images are in the southern hemisphere")
	fs.StringVar(&v.LidarFolder, "lidar-folder", "", "Folder of lidar files; enables lidar matching and alignment")
	fs.StringVar(&v.OutputFolder, "output-folder", "", "Root of all outputs (required)")
	fs.StringVar(&v.ReferenceDem, "reference-dem", "", "Low resolution DEM used to check the DEM resolution against the native GSD")
	fs.StringVar(&v.FireballFolder, "fireball-folder", "", "Folder of fireball DEMs to compare against")
	fs.Float64Var(&v.MaxDisplacement, "max-displacement", v.MaxDisplacement, "Maximum displacement, in meters, when aligning to lidar")
	fs.BoolVar(&v.SolveIntrinsics, "solve-intrinsics", false, "Refine the camera intrinsics during bundle adjustment")
	fs.StringVar(&v.StereoArgs, "stereo-arguments", "", "Extra arguments passed to stereo")
	fs.IntVar(&v.StereoImageInterval, "stereo-image-interval", v.StereoImageInterval, "Frame offset of the second image of each stereo pair")
	fs.BoolVar(&v.LidarOverlay, "lidar-overlay", false, "Render the lidar points over the mosaic footprint")
	fs.Float64Var(&v.DemResolution, "dem-resolution", v.DemResolution, "Output DEM grid spacing in meters")
	fs.IntVar(&v.NumThreads, "num-threads", 0, "Threads per tool invocation (0 lets the tools decide)")
	fs.IntVar(&v.NumProcessesPerBatch, "num-processes-per-batch", v.NumProcessesPerBatch, "Stereo pairs processed in parallel")

	fs.StringVar(&f.configFile, "config", "", "YAML or JSONC file with default option values")
	fs.StringArrayVar(&v.ToolPaths, "tool-path", nil, "Directory searched for the tools before PATH (repeatable)")
	fs.DurationVar(&f.taskTimeout, "task-timeout", 0, "Timeout of each tool invocation (0 disables)")
	fs.BoolVar(&v.Redo, "redo", false, "Rerun every stage even if its outputs exist")
	fs.BoolVarP(&v.SuppressOutput, "quiet", "q", false, "Send tool output to the log file only")
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&v.DockerImage, "docker-image", "", "Run the tools inside this container image")
	fs.StringVar(&v.PublishURI, "publish-uri", "", "Bucket URL the final products are uploaded to (file:///..., mem://)")
	fs.BoolVar(&v.DryRun, "dry-run", false, "Log the commands without running them")
	fs.StringArrayVar(&f.failurePolicy, "failure-policy", nil, "Per-stage failure policy, e.g. fireball=abort (repeatable)")
}

// apply copies every flag the user set onto cfg. changed reports whether a
// flag was set on the command line.
func (f *batchFlags) apply(changed func(name string) bool, cfg *config.Batch) error {
	v := f.values
	setters := map[string]func(){
		"south":                   func() { cfg.IsSouth = v.IsSouth },
		"lidar-folder":            func() { cfg.LidarFolder = v.LidarFolder },
		"output-folder":           func() { cfg.OutputFolder = v.OutputFolder },
		"reference-dem":           func() { cfg.ReferenceDem = v.ReferenceDem },
		"fireball-folder":         func() { cfg.FireballFolder = v.FireballFolder },
		"max-displacement":        func() { cfg.MaxDisplacement = v.MaxDisplacement },
		"solve-intrinsics":        func() { cfg.SolveIntrinsics = v.SolveIntrinsics },
		"stereo-arguments":        func() { cfg.StereoArgs = v.StereoArgs },
		"stereo-image-interval":   func() { cfg.StereoImageInterval = v.StereoImageInterval },
		"lidar-overlay":           func() { cfg.LidarOverlay = v.LidarOverlay },
		"dem-resolution":          func() { cfg.DemResolution = v.DemResolution },
		"num-threads":             func() { cfg.NumThreads = v.NumThreads },
		"num-processes-per-batch": func() { cfg.NumProcessesPerBatch = v.NumProcessesPerBatch },
		"tool-path":               func() { cfg.ToolPaths = v.ToolPaths },
		"task-timeout":            func() { cfg.TaskTimeout = config.Duration(f.taskTimeout) },
		"redo":                    func() { cfg.Redo = v.Redo },
		"quiet":                   func() { cfg.SuppressOutput = v.SuppressOutput },
		"log-level":               func() { cfg.LogLevel = v.LogLevel },
		"docker-image":            func() { cfg.DockerImage = v.DockerImage },
		"publish-uri":             func() { cfg.PublishURI = v.PublishURI },
		"dry-run":                 func() { cfg.DryRun = v.DryRun },
	}
	for name, set := range setters {
		if changed(name) {
			set()
		}
	}

	for _, entry := range f.failurePolicy {
		stage, policy, ok := strings.Cut(entry, "=")
		if !ok {
			return &model.ArgumentError{Reason: fmt.Sprintf("--failure-policy %q: expected stage=policy", entry)}
		}
		if cfg.FailurePolicy == nil {
			cfg.FailurePolicy = make(map[string]string)
		}
		cfg.FailurePolicy[strings.TrimSpace(stage)] = strings.TrimSpace(policy)
	}
	return nil
}

// buildConfig layers defaults, the config file and the changed flags.
func (f *batchFlags) buildConfig(changed func(name string) bool) (*config.Batch, error) {
	cfg := config.Defaults()
	if f.configFile != "" {
		if err := config.LoadFile(f.configFile, cfg); err != nil {
			return nil, err
		}
	}
	if err := f.apply(changed, cfg); err != nil {
		return nil, err
	}
	if verbose && !changed("log-level") {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// runBatch is the main logic function of the root command.
func runBatch(cmd *cobra.Command, args []string, flags *batchFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 1: configuration
	cfg, err := flags.buildConfig(cmd.Flags().Changed)
	if err != nil {
		return err
	}

	// Step 2: inputs
	pairs, err := model.PairsFromArgs(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(len(pairs)); err != nil {
		return err
	}

	// Step 3: logging
	runID := uuid.NewString()
	logs, err := logging.Setup(logging.Options{
		Level:        cfg.LogLevel,
		OutputFolder: cfg.OutputFolder,
		RunID:        runID,
	})
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to set up logging", err)
	}
	defer func() { _ = logs.Close() }()
	log := logs.Logger

	log.Info().
		Int("pairs", len(pairs)).
		Str("output_folder", cfg.OutputFolder).
		Str("log_file", logs.FilePath).
		Str("version", Version).
		Msg("Starting batch")

	// Step 4: executor
	exec, cleanup, err := newExecutor(ctx, cfg, pairs, runID, log)
	if err != nil {
		return err
	}
	defer cleanup()

	r := runner.New(exec, runner.Options{
		Policy:     runner.NewPolicy(cfg.Redo),
		Logger:     log,
		ToolOutput: logs.ToolOutput(cfg.SuppressOutput),
		Timeout:    cfg.TaskTimeout.Std(),
		DryRun:     cfg.DryRun,
	})

	var pub pipeline.Publisher
	if cfg.PublishURI != "" {
		p, err := publish.Open(ctx, cfg.PublishURI, runID, log)
		if err != nil {
			return model.WrapCLIError(model.ExitUsage, "invalid --publish-uri", err)
		}
		defer func() { _ = p.Close() }()
		pub = p
	}

	// Step 5: pipeline
	report, err := pipeline.New(pipeline.Options{
		Config:        cfg,
		Pairs:         pairs,
		Runner:        r,
		Logger:        log,
		RunID:         runID,
		Publisher:     pub,
		GsdRetryDelay: time.Second,
	}).Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("Batch interrupted")
		}
		return err
	}

	// Step 6: output
	printRunResult(report)
	return nil
}

// newExecutor returns the executor for cfg and a cleanup function. With a
// docker image the tools run in containers that bind-mount every input and
// output directory at the same path.
func newExecutor(ctx context.Context, cfg *config.Batch, pairs []model.ImageCameraPair, runID string, log zerolog.Logger) (runner.Executor, func(), error) {
	if cfg.DockerImage == "" {
		paths := append(append([]string{}, cfg.ToolPaths...), config.DefaultToolPaths()...)
		return runner.NewLocalExecutor(paths...), func() {}, nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.DryRun {
		if err := cli.Ping(ctx); err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
	}

	exec := docker.NewExecutor(cli, docker.ExecutorOptions{
		Image:  cfg.DockerImage,
		RunID:  runID,
		Mounts: containerMounts(cfg, pairs),
		Logger: log,
	})

	cleanup := func() {
		// Containers being created when the run was interrupted can outlive
		// their executor.
		if ctx.Err() != nil {
			cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if n, err := docker.CleanupRun(cctx, cli, runID); err != nil {
				log.Warn().Err(err).Msg("Failed to remove containers of the run")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("Removed leftover containers")
			}
		}
		_ = cli.Close()
	}
	return exec, cleanup, nil
}

// containerMounts lists the directories a tool container needs.
func containerMounts(cfg *config.Batch, pairs []model.ImageCameraPair) []string {
	dirs := []string{cfg.OutputFolder}
	for _, p := range pairs {
		dirs = append(dirs, filepath.Dir(p.Image), filepath.Dir(p.Camera))
	}
	for _, d := range []string{cfg.LidarFolder, cfg.FireballFolder} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	if cfg.ReferenceDem != "" {
		dirs = append(dirs, filepath.Dir(cfg.ReferenceDem))
	}
	return dirs
}

// printRunResult outputs the run report in text or JSON format.
func printRunResult(report *model.RunReport) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Batch %s finished\n", report.RunID)
	for _, s := range report.Stages {
		line := fmt.Sprintf("  %-16s %s", s.Stage, s.Status)
		if s.Error != "" && s.Status != model.StageSkipped {
			line += ": " + s.Error
		}
		fmt.Println(line)
	}
	if report.FinalDem != "" {
		fmt.Printf("Final DEM: %s\n", report.FinalDem)
	}
}
