package geo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

const (
	// MaxOversampling is how much finer than the native GSD the output grid
	// may be before the native GSD is used instead.
	MaxOversampling = 2.0

	// MaxUndersampling is how much coarser than the native GSD the output
	// grid may be before a warning is logged.
	MaxUndersampling = 5.0
)

var gsdLine = regexp.MustCompile(`Computed mean gsd:\s*([-+0-9.eE]+)`)

// GsdEstimator estimates the native ground sample distance of a camera by
// running camera_footprint.
type GsdEstimator struct {
	// Query runs camera_footprint.
	Query QueryFunc

	// Attempts is the number of tries; defaults to 2. The first try
	// intersects the footprint with the reference DEM, later tries fall back
	// to the WGS84 datum, which succeeds when the DEM does not cover the
	// footprint.
	Attempts int

	// Delay is the pause between tries.
	Delay time.Duration

	Logger zerolog.Logger
}

// Estimate returns the mean GSD, in meters, of camera over referenceDem.
//
// Returns a *model.GsdComputationError when no attempt succeeds.
func (e GsdEstimator) Estimate(ctx context.Context, image, camera, referenceDem, proj string) (float64, error) {
	attempts := e.Attempts
	if attempts < 1 {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && e.Delay > 0 {
			select {
			case <-ctx.Done():
				return 0, &model.GsdComputationError{Camera: camera, Err: ctx.Err()}
			case <-time.After(e.Delay):
			}
		}

		args := []string{"--quick", "--datum", "wgs84", "--t_srs", proj}
		if i == 0 && referenceDem != "" {
			args = append(args, "--dem-file", referenceDem)
		}
		args = append(args, image, camera)

		out, err := e.Query(ctx, "camera_footprint", args...)
		if err == nil {
			var gsd float64
			gsd, err = ParseGsd(out)
			if err == nil {
				return gsd, nil
			}
		}
		lastErr = err
		e.Logger.Debug().Err(err).Int("attempt", i+1).Str("camera", camera).Msg("GSD estimate failed")
		if ctx.Err() != nil {
			break
		}
	}
	return 0, &model.GsdComputationError{Camera: camera, Err: lastErr}
}

// ParseGsd reads the "Computed mean gsd: X" line of camera_footprint output.
func ParseGsd(out []byte) (float64, error) {
	m := gsdLine.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("camera_footprint output has no gsd line")
	}
	gsd, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("parse gsd %q: %w", m[1], err)
	}
	if !(gsd > 0) {
		return 0, fmt.Errorf("invalid gsd %g", gsd)
	}
	return gsd, nil
}

// ResolutionCheck is the outcome of comparing the configured DEM
// resolution with the native GSD.
type ResolutionCheck struct {
	// Resolution is the resolution to use.
	Resolution float64

	// Switched is set when the configured resolution was too fine and was
	// replaced by the GSD.
	Switched bool

	// TooCoarse is set when the resolution is much coarser than the GSD.
	TooCoarse bool
}

// CheckResolution applies the oversampling rule: a resolution finer than
// MaxOversampling times the GSD is replaced by the GSD, and one coarser
// than MaxUndersampling times the GSD is flagged.
func CheckResolution(resolution, gsd float64) ResolutionCheck {
	check := ResolutionCheck{Resolution: resolution}
	if resolution < gsd*MaxOversampling {
		check.Resolution = gsd
		check.Switched = true
	}
	if check.Resolution > gsd*MaxUndersampling {
		check.TooCoarse = true
	}
	return check
}
