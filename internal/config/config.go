// Package config holds the batch configuration: every option that controls a
// pipeline run, its defaults, the optional configuration file, and the
// validation that turns user input into a read-only BatchConfiguration.
//
// Precedence, lowest to highest:
//
//	Defaults() → configuration file (--config) → explicitly set CLI flags
//
// The CLI layer applies the flag overlay (it knows which flags were
// changed); this package provides the first two layers and Validate.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

const (
	// DefaultDemResolution is the output grid spacing in projected units (meters).
	DefaultDemResolution = 0.4

	// DefaultMaxDisplacement bounds the pc_align search, in meters.
	DefaultMaxDisplacement = 20.0

	// DefaultStereoImageInterval pairs each frame with the next one.
	DefaultStereoImageInterval = 1

	// DefaultNumProcessesPerBatch runs the per-pair stage serially. This
	// should stay at 1 when several batches run side by side.
	DefaultNumProcessesPerBatch = 1

	// DefaultLogLevel is the zerolog level used when none is configured.
	DefaultLogLevel = "info"
)

// Batch is the BatchConfiguration: the validated options of one run. It is
// created once at startup and treated as read-only afterwards, with the one
// documented exception of DemResolution, which the GSD check may raise to
// the native resolution before any DEM is produced.
type Batch struct {
	// IsSouth selects the southern-hemisphere polar stereographic projection.
	IsSouth bool `yaml:"south" json:"south"`

	// LidarFolder enables lidar matching, fireball-vs-lidar comparison and
	// alignment of the mosaic to the matched lidar file.
	LidarFolder string `yaml:"lidarFolder" json:"lidarFolder"`

	// OutputFolder is the root of all outputs. Required.
	OutputFolder string `yaml:"outputFolder" json:"outputFolder"`

	// ReferenceDem is a low resolution DEM used for the native GSD check.
	ReferenceDem string `yaml:"referenceDem" json:"referenceDem"`

	// FireballFolder holds external reference DEMs to compare against.
	FireballFolder string `yaml:"fireballFolder" json:"fireballFolder"`

	// MaxDisplacement is passed to pc_align.
	MaxDisplacement float64 `yaml:"maxDisplacement" json:"maxDisplacement"`

	// SolveIntrinsics floats the camera intrinsics during bundle adjustment.
	SolveIntrinsics bool `yaml:"solveIntrinsics" json:"solveIntrinsics"`

	// StereoArgs is a free-form argument string appended to stereo.
	StereoArgs string `yaml:"stereoArguments" json:"stereoArguments"`

	// StereoImageInterval is the frame offset of the second image of each
	// stereo pair. It also sets the bundle adjustment overlap limit.
	StereoImageInterval int `yaml:"stereoImageInterval" json:"stereoImageInterval"`

	// LidarOverlay renders a lidar DEM over the mosaic footprint.
	LidarOverlay bool `yaml:"lidarOverlay" json:"lidarOverlay"`

	// DemResolution is the output grid spacing.
	DemResolution float64 `yaml:"demResolution" json:"demResolution"`

	// NumThreads is passed to each tool as --threads. Zero leaves it unset.
	NumThreads int `yaml:"numThreads" json:"numThreads"`

	// NumProcessesPerBatch is the worker-pool size of the per-pair stage.
	NumProcessesPerBatch int `yaml:"numProcessesPerBatch" json:"numProcessesPerBatch"`

	// ToolPaths are directories searched, in order, for the external tools
	// before falling back to PATH.
	ToolPaths []string `yaml:"toolPaths" json:"toolPaths"`

	// TaskTimeout bounds each external invocation. Zero means no timeout.
	TaskTimeout Duration `yaml:"taskTimeout" json:"taskTimeout"`

	// Redo forces every stage to rerun even if its output exists.
	Redo bool `yaml:"redo" json:"redo"`

	// SuppressOutput sends tool output to the log file only.
	SuppressOutput bool `yaml:"quiet" json:"quiet"`

	// LogLevel is the zerolog level name.
	LogLevel string `yaml:"logLevel" json:"logLevel"`

	// DockerImage, when set, runs every tool inside this container image
	// instead of on the host.
	DockerImage string `yaml:"dockerImage" json:"dockerImage"`

	// PublishURI, when set, is a gocloud.dev blob URL the final products
	// are uploaded to (file:///..., s3://...).
	PublishURI string `yaml:"publishUri" json:"publishUri"`

	// DryRun logs the commands without executing them.
	DryRun bool `yaml:"dryRun" json:"dryRun"`

	// FailurePolicy overrides the per-stage failure policy, keyed by stage
	// name ("inter_dem_diff": "abort").
	FailurePolicy map[string]string `yaml:"failurePolicy" json:"failurePolicy"`

	// policies is the resolved FailurePolicy, filled in by Validate.
	policies map[model.StageName]model.FailurePolicy
}

// Defaults returns a Batch populated with the default option values.
func Defaults() *Batch {
	return &Batch{
		MaxDisplacement:      DefaultMaxDisplacement,
		StereoImageInterval:  DefaultStereoImageInterval,
		DemResolution:        DefaultDemResolution,
		NumProcessesPerBatch: DefaultNumProcessesPerBatch,
		LogLevel:             DefaultLogLevel,
	}
}

// DefaultFailurePolicies returns the built-in per-stage policies. The
// comparison stages are best-effort: DEMs with no overlap make geodiff fail,
// and that must not cost the user the rest of the run.
func DefaultFailurePolicies() map[model.StageName]model.FailurePolicy {
	policies := make(map[model.StageName]model.FailurePolicy, len(model.AllStages))
	for _, stage := range model.AllStages {
		policies[stage] = model.PolicyAbort
	}
	policies[model.StageInterDemDiff] = model.PolicyContinue
	policies[model.StageFireball] = model.PolicyContinue
	return policies
}

// Validate checks option ranges and resolves the failure policies. numPairs
// is the number of image/camera pairs of the run; the stereo interval must
// leave at least one pair to process.
//
// Returns a *model.ArgumentError describing the first problem found.
func (b *Batch) Validate(numPairs int) error {
	if strings.TrimSpace(b.OutputFolder) == "" {
		return &model.ArgumentError{Reason: "--output-folder is required"}
	}
	if b.StereoImageInterval < 1 {
		return &model.ArgumentError{Reason: fmt.Sprintf("--stereo-image-interval must be >= 1, got %d", b.StereoImageInterval)}
	}
	if numPairs-b.StereoImageInterval < 1 {
		return &model.ArgumentError{Reason: fmt.Sprintf(
			"--stereo-image-interval %d leaves no stereo pairs for %d images", b.StereoImageInterval, numPairs)}
	}
	if !(b.DemResolution > 0) || math.IsInf(b.DemResolution, 0) {
		return &model.ArgumentError{Reason: fmt.Sprintf("--dem-resolution must be positive, got %g", b.DemResolution)}
	}
	if b.MaxDisplacement < 0 {
		return &model.ArgumentError{Reason: fmt.Sprintf("--max-displacement must be >= 0, got %g", b.MaxDisplacement)}
	}
	if b.NumThreads < 0 {
		return &model.ArgumentError{Reason: fmt.Sprintf("--num-threads must be >= 0, got %d", b.NumThreads)}
	}
	if b.NumProcessesPerBatch < 1 {
		return &model.ArgumentError{Reason: fmt.Sprintf("--num-processes-per-batch must be >= 1, got %d", b.NumProcessesPerBatch)}
	}
	if b.TaskTimeout < 0 {
		return &model.ArgumentError{Reason: "--task-timeout must not be negative"}
	}

	policies := DefaultFailurePolicies()
	for rawStage, rawPolicy := range b.FailurePolicy {
		stage, err := model.ParseStageName(rawStage)
		if err != nil {
			return &model.ArgumentError{Reason: "failurePolicy: " + err.Error()}
		}
		policy, err := model.ParseFailurePolicy(rawPolicy)
		if err != nil {
			return &model.ArgumentError{Reason: fmt.Sprintf("failurePolicy.%s: %v", stage, err)}
		}
		policies[stage] = policy
	}
	b.policies = policies

	return nil
}

// PolicyFor returns the failure policy of a stage. Before Validate has run
// the built-in defaults apply.
func (b *Batch) PolicyFor(stage model.StageName) model.FailurePolicy {
	if b.policies == nil {
		return DefaultFailurePolicies()[stage]
	}
	if p, ok := b.policies[stage]; ok {
		return p
	}
	return model.PolicyAbort
}

// ThreadArgs returns the "--threads N" argument pair, or nil when the
// thread count is left to the tools.
func (b *Batch) ThreadArgs() []string {
	if b.NumThreads <= 0 {
		return nil
	}
	return []string{"--threads", fmt.Sprintf("%d", b.NumThreads)}
}

// OutputPrefix is the prefix of the top-level artifacts: "<output>/out".
func (b *Batch) OutputPrefix() string {
	return filepath.Join(b.OutputFolder, "out")
}

// DefaultToolPaths returns the directories next to the running executable
// where a packaged installation keeps its tools (bin, libexec, Tools).
// Missing directories are skipped.
func DefaultToolPaths() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	base := filepath.Dir(exe)

	var paths []string
	for _, dir := range []string{"../bin", "../libexec", "../Tools"} {
		candidate := filepath.Clean(filepath.Join(base, dir))
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			paths = append(paths, candidate)
		}
	}
	return paths
}

// Duration is a time.Duration that reads "90s" / "1h30m" strings (or a
// plain number of seconds) from configuration files.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats the duration the way time.Duration does.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return Duration(d), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
