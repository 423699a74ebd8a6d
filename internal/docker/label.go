package docker

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Label keys attached to every tool container. All keys share the
// "icebridge." prefix to avoid collisions with labels set by other tools.
const (
	// LabelPrefix is the common prefix for all icebridge-batch labels.
	LabelPrefix = "icebridge."

	// LabelManagedBy identifies containers started by icebridge-batch.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRun stores the run ID, which is also attached to every log
	// record of the run.
	LabelRun = LabelPrefix + "run"

	// LabelStage stores the pipeline stage, e.g. "stereo_pair".
	LabelStage = LabelPrefix + "stage"

	// LabelTool stores the tool name, e.g. "point2dem".
	LabelTool = LabelPrefix + "tool"

	// LabelStartedAt stores the RFC3339 creation time of the container.
	LabelStartedAt = LabelPrefix + "started-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "icebridge-batch"

// ToolLabels is the metadata carried by a tool container's labels.
type ToolLabels struct {
	RunID     string
	Stage     model.StageName
	Tool      string
	StartedAt time.Time
}

// BuildLabels constructs the label map of a tool container.
func BuildLabels(l ToolLabels) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRun:       l.RunID,
		LabelStage:     l.Stage.String(),
		LabelTool:      l.Tool,
		// UTC keeps the value independent of the host timezone.
		LabelStartedAt: l.StartedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs ToolLabels from container labels. This is the
// inverse of BuildLabels.
//
// Missing required labels are reported together in one error.
func ParseLabels(labels map[string]string) (*ToolLabels, error) {
	var missing []string
	for _, key := range []string{LabelManagedBy, LabelRun, LabelStage, LabelTool, LabelStartedAt} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	stage, err := model.ParseStageName(labels[LabelStage])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelStage, err)
	}

	startedAt, err := time.Parse(time.RFC3339, labels[LabelStartedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelStartedAt, err)
	}

	return &ToolLabels{
		RunID:     labels[LabelRun],
		Stage:     stage,
		Tool:      labels[LabelTool],
		StartedAt: startedAt,
	}, nil
}

// RunFilter returns the server-side filter matching the containers of one
// run. An empty runID matches every container managed by icebridge-batch.
func RunFilter(runID string) filters.Args {
	args := filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
	if runID != "" {
		args.Add("label", LabelRun+"="+runID)
	}
	return args
}
