// Package geodiff reads and consolidates elevation difference statistics.
//
// geodiff writes two kinds of results. Comparisons against a point cloud
// (--csv-format) produce a "-diff.csv" file whose header carries the summary:
//
//	# Max difference:       4.12
//	# Min difference:       -0.03
//	# Mean difference:      0.87
//	# StdDev of difference: 0.42
//
// Raster-to-raster comparisons produce a "-diff.tif" difference image, whose
// statistics are obtained from gdalinfo. Consolidated summaries are written
// in the CSV header format so they can be read back with the same reader.
package geodiff

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Header labels, in the order they are written.
const (
	labelMax    = "Max difference"
	labelMin    = "Min difference"
	labelMean   = "Mean difference"
	labelStdDev = "StdDev of difference"
)

// ErrIncompleteStats is returned when a statistics source lacks one of the
// four values.
var ErrIncompleteStats = errors.New("incomplete difference statistics")

// StatsReader reads the summary statistics of one geodiff result.
type StatsReader interface {
	ReadStats(ctx context.Context, path string) (*model.DiffStatistics, error)
}

// CSVReader parses the "#" header of geodiff csv output and of consolidated
// summary files.
type CSVReader struct{}

// ReadStats implements StatsReader.
func (CSVReader) ReadStats(_ context.Context, path string) (*model.DiffStatistics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	values := make(map[string]float64, 4)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#") {
			// The header precedes the first data row.
			if line != "" {
				break
			}
			continue
		}
		label, raw, ok := strings.Cut(strings.TrimPrefix(line, "#"), ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		switch label {
		case labelMax, labelMin, labelMean, labelStdDev:
		default:
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad %q value: %w", path, label, err)
		}
		values[label] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return statsFrom(path, values)
}

// QueryFunc runs a query tool and returns its standard output.
// runner.Runner.Output has this shape once bound to a stage.
type QueryFunc func(ctx context.Context, tool string, args ...string) ([]byte, error)

// RasterReader reads band statistics of a difference raster from
// "gdalinfo -json -stats".
type RasterReader struct {
	Query QueryFunc
}

// ReadStats implements StatsReader.
func (r RasterReader) ReadStats(ctx context.Context, path string) (*model.DiffStatistics, error) {
	out, err := r.Query(ctx, "gdalinfo", "-json", "-stats", path)
	if err != nil {
		return nil, err
	}
	return ParseGdalinfoStats(path, out)
}

// ParseGdalinfoStats extracts the statistics of the first band from
// gdalinfo JSON output.
func ParseGdalinfoStats(path string, data []byte) (*model.DiffStatistics, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: gdalinfo returned invalid JSON", path)
	}

	band := gjson.GetBytes(data, "bands.0")
	if !band.Exists() {
		return nil, fmt.Errorf("%s: %w: raster has no bands", path, ErrIncompleteStats)
	}

	values := make(map[string]float64, 4)
	for label, key := range map[string]string{
		labelMax:    "maximum",
		labelMin:    "minimum",
		labelMean:   "mean",
		labelStdDev: "stdDev",
	} {
		if v := band.Get(key); v.Exists() {
			values[label] = v.Float()
		}
	}
	return statsFrom(path, values)
}

func statsFrom(path string, values map[string]float64) (*model.DiffStatistics, error) {
	var missing []string
	for _, label := range []string{labelMax, labelMin, labelMean, labelStdDev} {
		if _, ok := values[label]; !ok {
			missing = append(missing, label)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: %w: missing %s", path, ErrIncompleteStats, strings.Join(missing, ", "))
	}

	stats := &model.DiffStatistics{
		Max:    values[labelMax],
		Min:    values[labelMin],
		Mean:   values[labelMean],
		StdDev: values[labelStdDev],
	}
	if math.IsNaN(stats.Mean) {
		return nil, fmt.Errorf("%s: %w: mean is NaN", path, ErrIncompleteStats)
	}
	return stats, nil
}

// AutoReader dispatches on the file extension: ".tif" results go to Raster,
// everything else to CSV.
type AutoReader struct {
	CSV    StatsReader
	Raster StatsReader
}

// NewAutoReader builds an AutoReader whose raster side queries gdalinfo
// through query.
func NewAutoReader(query QueryFunc) AutoReader {
	return AutoReader{CSV: CSVReader{}, Raster: RasterReader{Query: query}}
}

// ReadStats implements StatsReader.
func (a AutoReader) ReadStats(ctx context.Context, path string) (*model.DiffStatistics, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".tif") || strings.HasSuffix(lower, ".tiff") {
		return a.Raster.ReadStats(ctx, path)
	}
	return a.CSV.ReadStats(ctx, path)
}
