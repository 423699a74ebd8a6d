// Package model defines the domain types for the icebridge-batch CLI.
//
// All entities in this package are process-scoped: they are created and
// consumed within a single pipeline run. The only durable side effects of a
// run are the files written to the output folder by the external tools.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// StageName identifies one step of the batch pipeline. Stage names are used
// by the idempotence policy (which stages are forced to rerun), by the
// failure policy (which stages may fail without aborting the run) and by
// the run report.
//
// The stages run in this fixed order:
//
//	bundle_adjust → orbitviz → stereo_pair → inter_dem_diff → mosaic →
//	lidar_overlay → fireball → align → products
type StageName string

const (
	// StageBundleAdjust jointly refines all cameras of the batch.
	StageBundleAdjust StageName = "bundle_adjust"

	// StageOrbitViz renders a KML of the adjusted camera positions.
	StageOrbitViz StageName = "orbitviz"

	// StageStereoPair runs stereo, point2dem and colormap for one image pair.
	StageStereoPair StageName = "stereo_pair"

	// StageInterDemDiff compares every DEM against the first DEM.
	StageInterDemDiff StageName = "inter_dem_diff"

	// StageMosaic merges the per-pair DEMs (or aliases a single DEM).
	StageMosaic StageName = "mosaic"

	// StageLidarOverlay grids the matched lidar file over the mosaic footprint.
	StageLidarOverlay StageName = "lidar_overlay"

	// StageFireball compares the mosaic against external fireball DEMs.
	StageFireball StageName = "fireball"

	// StageAlign aligns the mosaic to the lidar point cloud and regrids it.
	StageAlign StageName = "align"

	// StageProducts generates the hillshade, browse thumbnail and colormap.
	StageProducts StageName = "products"
)

// AllStages lists every stage in pipeline order.
var AllStages = []StageName{
	StageBundleAdjust,
	StageOrbitViz,
	StageStereoPair,
	StageInterDemDiff,
	StageMosaic,
	StageLidarOverlay,
	StageFireball,
	StageAlign,
	StageProducts,
}

// String returns the string representation of StageName.
func (s StageName) String() string {
	return string(s)
}

// IsValid checks whether the StageName is one of the predefined stages.
func (s StageName) IsValid() bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStageName converts a string (case-insensitive, "-" or "_") to a
// StageName. Returns an error if the string does not name a known stage.
func ParseStageName(s string) (StageName, error) {
	stage := StageName(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !stage.IsValid() {
		names := make([]string, 0, len(AllStages))
		for _, st := range AllStages {
			names = append(names, st.String())
		}
		return "", fmt.Errorf("invalid stage name: %q (valid: %s)", s, strings.Join(names, ", "))
	}
	return stage, nil
}

// FailurePolicy declares what the pipeline does when a stage fails.
type FailurePolicy string

const (
	// PolicyAbort stops the whole run and propagates the stage error.
	PolicyAbort FailurePolicy = "abort"

	// PolicyContinue logs the failure, records it in the run report and
	// moves on to the next stage.
	PolicyContinue FailurePolicy = "continue"
)

// String returns the string representation of FailurePolicy.
func (p FailurePolicy) String() string {
	return string(p)
}

// IsValid checks whether the FailurePolicy value is a known policy.
func (p FailurePolicy) IsValid() bool {
	return p == PolicyAbort || p == PolicyContinue
}

// ParseFailurePolicy converts a string to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	policy := FailurePolicy(strings.ToLower(strings.TrimSpace(s)))
	if !policy.IsValid() {
		return "", fmt.Errorf("invalid failure policy: %q (valid: abort, continue)", s)
	}
	return policy, nil
}

// ImageCameraPair is one input frame: an image and the camera model that
// describes how it was acquired. Pairs are kept in acquisition order, which
// is the order they were given on the command line.
type ImageCameraPair struct {
	// Image is the path to the image file.
	Image string `json:"image"`

	// Camera is the path to the camera model file. After bundle adjustment
	// the driver replaces it with the adjusted camera.
	Camera string `json:"camera"`
}

// PairsFromArgs splits the positional arguments into image/camera pairs.
// The first half of args are images and the second half are cameras, so the
// image at index i pairs with the camera at index i + len(args)/2.
//
// Returns an ArgumentError when the count is odd or fewer than two pairs
// are supplied.
func PairsFromArgs(args []string) ([]ImageCameraPair, error) {
	numArgs := len(args)
	numCameras := numArgs / 2
	if numArgs%2 != 0 || numCameras < 2 {
		return nil, &ArgumentError{
			Reason: fmt.Sprintf("expecting as many images as cameras (at least 2 of each), got %d arguments: %s",
				numArgs, strings.Join(args, " ")),
		}
	}

	pairs := make([]ImageCameraPair, 0, numCameras)
	for i := 0; i < numCameras; i++ {
		pairs = append(pairs, ImageCameraPair{Image: args[i], Camera: args[i+numCameras]})
	}
	return pairs, nil
}

// Images returns the image paths of the pairs, in order.
func Images(pairs []ImageCameraPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Image
	}
	return out
}

// Cameras returns the camera paths of the pairs, in order.
func Cameras(pairs []ImageCameraPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Camera
	}
	return out
}

// DemRecord ties a stereo pair to the DEM it produces. One record exists
// per stereo pair; records are created up front by the driver so that the
// mosaic and diff stages can refer to DEMs by index.
type DemRecord struct {
	// Index is the position of the first image of the pair.
	Index int `json:"index"`

	// Prefix is the output prefix handed to stereo, e.g.
	// "<output>/stereo_pair_0/out".
	Prefix string `json:"prefix"`

	// DemPath is the DEM written by point2dem: "<Prefix>-DEM.tif".
	DemPath string `json:"demPath"`
}

// NewDemRecord builds the record for pair index i under outputFolder,
// following the stereo_pair_N/out-DEM.tif layout.
func NewDemRecord(outputFolder string, i int) DemRecord {
	prefix := filepath.Join(outputFolder, fmt.Sprintf("stereo_pair_%d", i), "out")
	return DemRecord{
		Index:   i,
		Prefix:  prefix,
		DemPath: prefix + "-DEM.tif",
	}
}

// PointCloudPath is the triangulated point cloud written by stereo.
func (d DemRecord) PointCloudPath() string {
	return d.Prefix + "-PC.tif"
}

// ColormapPath is the colorized rendering of the pair DEM.
func (d DemRecord) ColormapPath() string {
	return d.Prefix + "-DEM_CMAP.tif"
}

// DiffStatistics holds the summary of one elevation difference computation
// as reported by geodiff: the extreme values, the mean and the standard
// deviation of the per-pixel difference.
type DiffStatistics struct {
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// String renders the statistics on one line for log messages.
func (d DiffStatistics) String() string {
	return fmt.Sprintf("max=%g min=%g mean=%g stddev=%g", d.Max, d.Min, d.Mean, d.StdDev)
}

// ComparisonResult is the outcome of one difference computation. Exactly one
// of Stats and Err is set. Comparison stages collect these instead of
// aborting, and the failure policy decides what a failed result means.
type ComparisonResult struct {
	// Label names the comparison, e.g. "inter_dem_2" or "fireball_0".
	Label string `json:"label"`

	// StatsPath is the file the statistics were read from.
	StatsPath string `json:"statsPath"`

	// Stats is set when the comparison succeeded.
	Stats *DiffStatistics `json:"stats,omitempty"`

	// Err is set when the comparison failed.
	Err error `json:"-"`
}

// OK reports whether the comparison produced statistics.
func (r ComparisonResult) OK() bool {
	return r.Err == nil && r.Stats != nil
}

// StageStatus is the recorded outcome of a stage in the run report.
type StageStatus string

const (
	// StageOK means the stage ran (or found all outputs present) and succeeded.
	StageOK StageStatus = "ok"

	// StageSkipped means the stage was not applicable for this run
	// (e.g. lidar overlay without a lidar file).
	StageSkipped StageStatus = "skipped"

	// StageFailed means the stage failed and aborted the run.
	StageFailed StageStatus = "failed"

	// StageTolerated means the stage failed but its failure policy allowed
	// the run to continue.
	StageTolerated StageStatus = "tolerated"
)

// String returns the string representation of StageStatus.
func (s StageStatus) String() string {
	return string(s)
}

// StageReport records what happened in one stage.
type StageReport struct {
	Stage    StageName     `json:"stage"`
	Status   StageStatus   `json:"status"`
	Outputs  []string      `json:"outputs,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunReport is the summary of a pipeline run. It is written next to the
// other artifacts as out-run_report.json.
type RunReport struct {
	RunID    string        `json:"runId"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Stages   []StageReport `json:"stages"`

	// FinalDem is the canonical DEM of the run: the aligned DEM when lidar
	// alignment ran, otherwise the mosaic.
	FinalDem string `json:"finalDem"`

	// Resolution is the DEM grid spacing actually used, after the GSD check.
	Resolution float64 `json:"resolution"`

	// LidarFile is the lidar file matched to the batch, if any.
	LidarFile string `json:"lidarFile,omitempty"`

	// Summaries holds the consolidated difference statistics, keyed by the
	// summary file name.
	Summaries map[string]DiffStatistics `json:"summaries,omitempty"`

	// ToolsStarted and OutputsReused count external invocations and tasks
	// skipped because their output already existed.
	ToolsStarted  int64 `json:"toolsStarted"`
	OutputsReused int64 `json:"outputsReused"`
}

// AddSummary records a consolidated summary under name.
func (r *RunReport) AddSummary(name string, s DiffStatistics) {
	if r.Summaries == nil {
		r.Summaries = make(map[string]DiffStatistics)
	}
	r.Summaries[name] = s
}

// Add appends a stage report.
func (r *RunReport) Add(report StageReport) {
	r.Stages = append(r.Stages, report)
}

// Stage returns the last report recorded for the given stage.
func (r *RunReport) Stage(name StageName) (StageReport, bool) {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Stage == name {
			return r.Stages[i], true
		}
	}
	return StageReport{}, false
}
