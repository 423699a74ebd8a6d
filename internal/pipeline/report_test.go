package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

func TestWriteReport(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	r := &model.RunReport{
		RunID:      "7c6b3a52",
		Started:    start,
		Finished:   start.Add(90 * time.Second),
		FinalDem:   "/data/out/out-DEM.tif",
		Resolution: 0.4,
	}
	r.Add(model.StageReport{Stage: model.StageMosaic, Status: model.StageOK, Outputs: []string{"/data/out/out-DEM.tif"}, Duration: 2 * time.Second})
	r.Add(model.StageReport{Stage: model.StageFireball, Status: model.StageTolerated, Error: "comparison fireball_0 failed"})
	r.AddSummary(InterDemSummaryFile, model.DiffStatistics{Max: 2, Min: -1, Mean: 0.5, StdDev: 0.25})

	path := filepath.Join(t.TempDir(), ReportFile)
	require.NoError(t, WriteReport(path, r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(data))

	assert.Equal(t, "7c6b3a52", gjson.GetBytes(data, "runId").String())
	assert.Equal(t, "2026-10-18T09:00:00Z", gjson.GetBytes(data, "started").String())
	assert.InDelta(t, 90.0, gjson.GetBytes(data, "elapsedSeconds").Float(), 1e-9)
	assert.False(t, gjson.GetBytes(data, "lidarFile").Exists())

	assert.Equal(t, int64(2), gjson.GetBytes(data, "stages.#").Int())
	assert.Equal(t, "mosaic", gjson.GetBytes(data, "stages.0.stage").String())
	assert.Equal(t, "/data/out/out-DEM.tif", gjson.GetBytes(data, "stages.0.outputs.0").String())
	assert.Equal(t, "tolerated", gjson.GetBytes(data, "stages.1.status").String())
	assert.Equal(t, "comparison fireball_0 failed", gjson.GetBytes(data, "stages.1.error").String())

	summary := gjson.GetBytes(data, `summaries.out_inter_diff_summary\.csv`)
	require.True(t, summary.Exists())
	assert.Equal(t, 0.5, summary.Get("mean").Float())
}

func TestWriteReport_NoStages(t *testing.T) {
	path := filepath.Join(t.TempDir(), ReportFile)
	require.NoError(t, WriteReport(path, &model.RunReport{RunID: "r"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(data, "stages").IsArray())
	assert.Equal(t, int64(0), gjson.GetBytes(data, "stages.#").Int())
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, `out_fireball_diff_summary\.csv`, escapeKey(FireballSummaryFile))
}
