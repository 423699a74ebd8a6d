package geodiff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// writeDiffCSV writes a geodiff-style csv with the given summary values and
// one data row.
func writeDiffCSV(t *testing.T, dir, name string, s model.DiffStatistics) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, WriteSummary(path, &s))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("# lat,lon,height_above_datum,diff\n69.1,-49.5,302.1,0.4\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestCSVReader(t *testing.T) {
	dir := t.TempDir()
	want := model.DiffStatistics{Max: 4.12, Min: -0.03, Mean: 0.87, StdDev: 0.42}
	path := writeDiffCSV(t, dir, "out-diff.csv", want)

	got, err := CSVReader{}.ReadStats(context.Background(), path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got, approx); diff != "" {
		t.Errorf("ReadStats() mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVReader_Errors(t *testing.T) {
	dir := t.TempDir()

	partial := filepath.Join(dir, "partial.csv")
	require.NoError(t, os.WriteFile(partial, []byte("# Max difference: 1\n# Min difference: 0\n"), 0o644))
	_, err := CSVReader{}.ReadStats(context.Background(), partial)
	assert.ErrorIs(t, err, ErrIncompleteStats)

	garbled := filepath.Join(dir, "garbled.csv")
	require.NoError(t, os.WriteFile(garbled, []byte("# Max difference: lots\n"), 0o644))
	_, err = CSVReader{}.ReadStats(context.Background(), garbled)
	assert.Error(t, err)

	_, err = CSVReader{}.ReadStats(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

const gdalinfoJSON = `{
  "description": "out_inter_dem_1-diff.tif",
  "size": [512, 512],
  "bands": [{
    "band": 1,
    "type": "Float32",
    "minimum": 0.001,
    "maximum": 3.5,
    "mean": 0.62,
    "stdDev": 0.31,
    "noDataValue": -32768
  }]
}`

func TestRasterReader(t *testing.T) {
	var gotArgs []string
	r := RasterReader{Query: func(_ context.Context, tool string, args ...string) ([]byte, error) {
		gotArgs = append([]string{tool}, args...)
		return []byte(gdalinfoJSON), nil
	}}

	got, err := r.ReadStats(context.Background(), "out_inter_dem_1-diff.tif")
	require.NoError(t, err)

	assert.Equal(t, []string{"gdalinfo", "-json", "-stats", "out_inter_dem_1-diff.tif"}, gotArgs)
	want := model.DiffStatistics{Max: 3.5, Min: 0.001, Mean: 0.62, StdDev: 0.31}
	if diff := cmp.Diff(want, *got, approx); diff != "" {
		t.Errorf("ReadStats() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseGdalinfoStats_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"bands": [`},
		{"no bands", `{"bands": []}`},
		{"no statistics", `{"bands": [{"band": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGdalinfoStats("x.tif", []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestAutoReader_Dispatch(t *testing.T) {
	queried := false
	a := NewAutoReader(func(context.Context, string, ...string) ([]byte, error) {
		queried = true
		return []byte(gdalinfoJSON), nil
	})

	_, err := a.ReadStats(context.Background(), "x-diff.TIF")
	require.NoError(t, err)
	assert.True(t, queried)

	path := writeDiffCSV(t, t.TempDir(), "x-diff.csv", model.DiffStatistics{Max: 1, Min: 0, Mean: 0.5, StdDev: 0.1})
	queried = false
	_, err = a.ReadStats(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, queried)
}

// TestMerge checks the merge rules: max of maxima, min of minima, mean of
// means and mean of standard deviations.
func TestMerge(t *testing.T) {
	assert.Nil(t, Merge(nil))

	got := Merge([]model.DiffStatistics{
		{Max: 2, Min: -1, Mean: 0.5, StdDev: 0.2},
		{Max: 5, Min: 0.5, Mean: 1.5, StdDev: 0.4},
		{Max: 1, Min: -3, Mean: 1.0, StdDev: 0.6},
	})
	want := &model.DiffStatistics{Max: 5, Min: -3, Mean: 1.0, StdDev: 0.4}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

// TestConsolidate_RoundTrip writes a summary and reads it back with the csv
// reader.
func TestConsolidate_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeDiffCSV(t, dir, "a-diff.csv", model.DiffStatistics{Max: 3, Min: 1, Mean: 2, StdDev: 1}),
		writeDiffCSV(t, dir, "b-diff.csv", model.DiffStatistics{Max: 7, Min: -2, Mean: 4, StdDev: 3}),
	}
	summary := filepath.Join(dir, "out_fireball_diff_summary.csv")

	merged, err := Consolidate(context.Background(), paths, summary, CSVReader{})
	require.NoError(t, err)

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	assert.Equal(t,
		"# Max difference:       7\n"+
			"# Min difference:       -2\n"+
			"# Mean difference:      3\n"+
			"# StdDev of difference: 2\n",
		string(data))

	back, err := CSVReader{}.ReadStats(context.Background(), summary)
	require.NoError(t, err)
	if diff := cmp.Diff(merged, back, approx); diff != "" {
		t.Errorf("summary round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConsolidate_EmptyWritesNothing(t *testing.T) {
	summary := filepath.Join(t.TempDir(), "summary.csv")

	merged, err := Consolidate(context.Background(), nil, summary, CSVReader{})
	require.NoError(t, err)
	assert.Nil(t, merged)
	assert.NoFileExists(t, summary)
}

func TestConsolidate_ReadFailure(t *testing.T) {
	boom := errors.New("gdalinfo failed")
	reader := RasterReader{Query: func(context.Context, string, ...string) ([]byte, error) { return nil, boom }}

	_, err := Consolidate(context.Background(), []string{"a-diff.tif"}, "", reader)
	assert.ErrorIs(t, err, boom)
}

func TestConsolidateResults_IgnoresFailures(t *testing.T) {
	summary := filepath.Join(t.TempDir(), "out_inter_diff_summary.csv")
	results := []model.ComparisonResult{
		{Label: "inter_dem_1", Stats: &model.DiffStatistics{Max: 1, Min: 0, Mean: 0.2, StdDev: 0.1}},
		{Label: "inter_dem_2", Err: errors.New("no overlap")},
		{Label: "inter_dem_3", Stats: &model.DiffStatistics{Max: 2, Min: -1, Mean: 0.4, StdDev: 0.3}},
	}

	merged, err := ConsolidateResults(results, summary)
	require.NoError(t, err)
	want := &model.DiffStatistics{Max: 2, Min: -1, Mean: 0.3, StdDev: 0.2}
	if diff := cmp.Diff(want, merged, approx); diff != "" {
		t.Errorf("ConsolidateResults() mismatch (-want +got):\n%s", diff)
	}
	assert.FileExists(t, summary)

	none, err := ConsolidateResults(results[1:2], summary+".none")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.NoFileExists(t, summary+".none")
}
