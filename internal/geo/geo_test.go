package geo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// touch creates empty files named names inside dir.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
}

func TestProjString(t *testing.T) {
	assert.Contains(t, ProjString(false), "+lat_0=90")
	assert.Contains(t, ProjString(true), "+lat_0=-90")
	assert.NotContains(t, ProjString(true), `"`)
}

func TestLidarCsvFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "ILATM1B_20110504_141407.ATM4BT4.csv", want: ATMCsvFormat},
		{path: "ILVIS2_GL2017_0511_R1705_051345.TXT", want: LVISCsvFormat},
		{path: "lvis.txt", want: LVISCsvFormat},
		{path: "ILATM1B_20110504_141407.h5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := LidarCsvFormat(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilenameTime(t *testing.T) {
	got, err := FilenameTime("/data/DMS_20110504_14140710.tif")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2011, 5, 4, 14, 14, 7, 0, time.UTC), got)

	got, err = FilenameTime("ILVIS2_GL2017_0511_R1705_051345.TXT")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2017, 5, 11, 5, 13, 45, 0, time.UTC), got)

	_, err = FilenameTime("frame.tif")
	assert.Error(t, err)
}

// TestFindMatchingLidarFile picks the latest same-day file that started
// before the image.
func TestFindMatchingLidarFile(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"ILATM1B_20110504_130000.ATM4BT4.csv",
		"ILATM1B_20110504_140500.ATM4BT4.csv",
		"ILATM1B_20110504_150000.ATM4BT4.csv",
		"ILATM1B_20110503_235959.ATM4BT4.csv",
		"ILATM1B_20110504_140600.ATM4BT4.h5",
		"notes.txt",
	)

	got, err := FindMatchingLidarFile("DMS_20110504_14140710.tif", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ILATM1B_20110504_140500.ATM4BT4.csv"), got)

	_, err = FindMatchingLidarFile("DMS_20110505_10000000.tif", dir)
	assert.Error(t, err)

	_, err = FindMatchingLidarFile("DMS_20110504_14140710.tif", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestGetTifsAndMatchingFrames(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"IODMS3_20091016_17254216_05036_DEM.tif",
		"IODMS3_20091016_17254016_05035_DEM.TIF",
		"readme.md",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755))

	tifs, err := GetTifs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "IODMS3_20091016_17254016_05035_DEM.TIF"),
		filepath.Join(dir, "IODMS3_20091016_17254216_05036_DEM.tif"),
	}, tifs)

	images := []string{"2009_10_16_05035.tif", "2009_10_16_05036.tif", "2009_10_16_05037.tif"}
	matches := MatchingFrames(images, tifs)
	assert.Equal(t, []string{tifs[0], tifs[1], ""}, matches)
}

func TestFrameNumber(t *testing.T) {
	n, err := FrameNumber("/x/2009_10_16_05035.tif")
	require.NoError(t, err)
	assert.Equal(t, 5035, n)

	_, err = FrameNumber("frame.tif")
	assert.Error(t, err)
}

func TestParseGsd(t *testing.T) {
	gsd, err := ParseGsd([]byte("Loading camera...\nComputed mean gsd: 0.2534\nDone\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.2534, gsd, 1e-12)

	_, err = ParseGsd([]byte("nothing here"))
	assert.Error(t, err)

	_, err = ParseGsd([]byte("Computed mean gsd: 0"))
	assert.Error(t, err)
}

// TestGsdEstimator_Retry fails the DEM-based attempt and succeeds on the
// datum fallback.
func TestGsdEstimator_Retry(t *testing.T) {
	var calls [][]string
	e := GsdEstimator{
		Logger: zerolog.Nop(),
		Query: func(_ context.Context, tool string, args ...string) ([]byte, error) {
			calls = append(calls, args)
			if strings.Contains(strings.Join(args, " "), "--dem-file") {
				return nil, errors.New("footprint outside DEM")
			}
			return []byte("Computed mean gsd: 0.3\n"), nil
		},
	}

	gsd, err := e.Estimate(context.Background(), "img.tif", "cam.tsai", "ref.tif", NorthProj)
	require.NoError(t, err)
	assert.Equal(t, 0.3, gsd)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "ref.tif")
	assert.NotContains(t, calls[1], "--dem-file")
	assert.Equal(t, []string{"img.tif", "cam.tsai"}, calls[1][len(calls[1])-2:])
}

func TestGsdEstimator_Failure(t *testing.T) {
	e := GsdEstimator{
		Attempts: 3,
		Logger:   zerolog.Nop(),
		Query: func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("camera_footprint crashed")
		},
	}

	_, err := e.Estimate(context.Background(), "img.tif", "cam.tsai", "", SouthProj)
	var gsdErr *model.GsdComputationError
	require.ErrorAs(t, err, &gsdErr)
	assert.Equal(t, "cam.tsai", gsdErr.Camera)
}

func TestCheckResolution(t *testing.T) {
	tests := []struct {
		name       string
		resolution float64
		gsd        float64
		want       ResolutionCheck
	}{
		{"too fine switches to gsd", 0.4, 0.3, ResolutionCheck{Resolution: 0.3, Switched: true}},
		{"within range", 1.0, 0.3, ResolutionCheck{Resolution: 1.0}},
		{"too coarse warns", 2.0, 0.3, ResolutionCheck{Resolution: 2.0, TooCoarse: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckResolution(tt.resolution, tt.gsd))
		})
	}
}

const demInfo = `{
  "description": "out-DEM.tif",
  "cornerCoordinates": {
    "upperLeft":  [-200010.0, -2200000.0],
    "lowerLeft":  [-200010.0, -2203500.5],
    "upperRight": [-196000.0, -2200000.0],
    "lowerRight": [-196000.0, -2203500.5],
    "center":     [-198005.0, -2201750.25]
  }
}`

func TestProjectionBounds(t *testing.T) {
	query := func(_ context.Context, tool string, args ...string) ([]byte, error) {
		assert.Equal(t, "gdalinfo", tool)
		assert.Equal(t, []string{"-json", "out-DEM.tif"}, args)
		return []byte(demInfo), nil
	}

	b, err := ProjectionBounds(context.Background(), query, "out-DEM.tif")
	require.NoError(t, err)
	assert.Equal(t, Bounds{MinX: -200010, MaxX: -196000, MinY: -2203500.5, MaxY: -2200000}, b)

	buffered := b.Buffer(100)
	assert.Equal(t, []string{"-200110.000000", "-2203600.500000", "-195900.000000", "-2199900.000000"}, buffered.ProjWin())
}

func TestParseProjectionBounds_Errors(t *testing.T) {
	for _, data := range []string{`{`, `{"size": [1, 1]}`, `{"cornerCoordinates": {"center": [0, 0]}}`} {
		_, err := ParseProjectionBounds("x.tif", []byte(data))
		assert.Error(t, err, data)
	}
}

func TestMakeSymLink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out-tile-0.tif")
	link := filepath.Join(dir, "out-DEM.tif")
	require.NoError(t, os.WriteFile(target, []byte("dem"), 0o644))

	require.NoError(t, MakeSymLink(target, link))
	dest, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "out-tile-0.tif", dest)

	// Relinking replaces the old link.
	other := filepath.Join(dir, "stereo_pair_0", "out-DEM.tif")
	require.NoError(t, os.MkdirAll(filepath.Dir(other), 0o755))
	require.NoError(t, os.WriteFile(other, []byte("pair"), 0o644))
	require.NoError(t, MakeSymLink(other, link))

	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "pair", string(data))
}
