package geodiff

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Merge combines several statistics into one summary: the maximum of the
// maxima, the minimum of the minima, and the unweighted means of the means
// and of the standard deviations.
//
// Returns nil for no input.
func Merge(all []model.DiffStatistics) *model.DiffStatistics {
	if len(all) == 0 {
		return nil
	}

	maxes := make([]float64, len(all))
	mins := make([]float64, len(all))
	means := make([]float64, len(all))
	stds := make([]float64, len(all))
	for i, s := range all {
		maxes[i] = s.Max
		mins[i] = s.Min
		means[i] = s.Mean
		stds[i] = s.StdDev
	}

	return &model.DiffStatistics{
		Max:    floats.Max(maxes),
		Min:    floats.Min(mins),
		Mean:   stat.Mean(means, nil),
		StdDev: stat.Mean(stds, nil),
	}
}

// Consolidate reads the statistics of every path, merges them and, when
// outputPath is not empty, writes the summary there.
//
// Returns (nil, nil) for no paths; nothing is written in that case. A path
// that cannot be read fails the whole consolidation.
func Consolidate(ctx context.Context, paths []string, outputPath string, reader StatsReader) (*model.DiffStatistics, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	all := make([]model.DiffStatistics, 0, len(paths))
	for _, p := range paths {
		s, err := reader.ReadStats(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("consolidate: %w", err)
		}
		all = append(all, *s)
	}

	merged := Merge(all)
	if outputPath != "" {
		if err := WriteSummary(outputPath, merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// ConsolidateResults merges the successful comparison results and writes
// the summary to outputPath. Failed results are ignored. Returns nil when
// no result succeeded.
func ConsolidateResults(results []model.ComparisonResult, outputPath string) (*model.DiffStatistics, error) {
	var all []model.DiffStatistics
	for _, r := range results {
		if r.OK() {
			all = append(all, *r.Stats)
		}
	}

	merged := Merge(all)
	if merged == nil || outputPath == "" {
		return merged, nil
	}
	if err := WriteSummary(outputPath, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// WriteSummary writes the four labeled header lines.
func WriteSummary(path string, s *model.DiffStatistics) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s:       %s\n", labelMax, formatValue(s.Max))
	fmt.Fprintf(&b, "# %s:       %s\n", labelMin, formatValue(s.Min))
	fmt.Fprintf(&b, "# %s:      %s\n", labelMean, formatValue(s.Mean))
	fmt.Fprintf(&b, "# %s: %s\n", labelStdDev, formatValue(s.StdDev))

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write summary %s: %w", path, err)
	}
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
