package pipeline

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tidwall/sjson"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// WriteReport writes the run report as JSON. Timestamps are RFC 3339 and
// durations are in seconds.
func WriteReport(path string, r *model.RunReport) error {
	doc, err := reportJSON(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}

func reportJSON(r *model.RunReport) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, value)
		}
	}

	set("runId", r.RunID)
	set("started", r.Started.UTC().Format(time.RFC3339))
	set("finished", r.Finished.UTC().Format(time.RFC3339))
	set("elapsedSeconds", r.Finished.Sub(r.Started).Seconds())
	set("finalDem", r.FinalDem)
	set("resolution", r.Resolution)
	if r.LidarFile != "" {
		set("lidarFile", r.LidarFile)
	}
	set("toolsStarted", r.ToolsStarted)
	set("outputsReused", r.OutputsReused)

	if err == nil {
		doc, err = sjson.SetRawBytes(doc, "stages", []byte(`[]`))
	}
	for _, s := range r.Stages {
		stage, serr := stageJSON(s)
		if serr != nil {
			return nil, serr
		}
		if err == nil {
			doc, err = sjson.SetRawBytes(doc, "stages.-1", stage)
		}
	}

	names := make([]string, 0, len(r.Summaries))
	for name := range r.Summaries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.Summaries[name]
		// File names contain dots, which sjson treats as separators.
		key := "summaries." + escapeKey(name)
		set(key+".max", s.Max)
		set(key+".min", s.Min)
		set(key+".mean", s.Mean)
		set(key+".stdDev", s.StdDev)
	}

	return doc, err
}

func stageJSON(s model.StageReport) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, value)
		}
	}

	set("stage", s.Stage.String())
	set("status", s.Status.String())
	set("durationSeconds", s.Duration.Seconds())
	if len(s.Outputs) > 0 {
		set("outputs", s.Outputs)
	}
	if s.Error != "" {
		set("error", s.Error)
	}
	return doc, err
}

// escapeKey escapes the sjson path metacharacters in a literal key.
func escapeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
