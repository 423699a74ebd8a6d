// Package geo provides the geospatial collaborators of the pipeline: the
// polar projection strings, lidar file matching, fireball DEM matching, the
// native GSD estimate of a camera and the projected bounds of a raster.
//
// The geospatial work itself (projection math, raster and point cloud
// parsing) is left to the external tools; this package only assembles their
// arguments and reads their textual output.
package geo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// QueryFunc runs a query tool and returns its standard output.
type QueryFunc func(ctx context.Context, tool string, args ...string) ([]byte, error)

// Polar stereographic projections used for the output DEMs.
const (
	// NorthProj is NSIDC Sea Ice Polar Stereographic North (EPSG:3413).
	NorthProj = "+proj=stere +lat_0=90 +lat_ts=70 +lon_0=-45 +k=1 +x_0=0 +y_0=0 +datum=WGS84 +units=m +no_defs"

	// SouthProj is Antarctic Polar Stereographic (EPSG:3031).
	SouthProj = "+proj=stere +lat_0=-90 +lat_ts=-71 +lon_0=0 +k=1 +x_0=0 +y_0=0 +datum=WGS84 +units=m +no_defs"
)

// ProjString returns the PROJ string of the output projection for the
// hemisphere. The string is a single argument; no shell quoting is needed.
func ProjString(isSouth bool) string {
	if isSouth {
		return SouthProj
	}
	return NorthProj
}

// MakeSymLink points link at target, replacing whatever link was there.
// The link is relative when target and link share a directory tree, so the
// output folder can be moved as a whole.
func MakeSymLink(target, link string) error {
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old link %s: %w", link, err)
	}

	dest := target
	absTarget, errT := filepath.Abs(target)
	absLinkDir, errL := filepath.Abs(filepath.Dir(link))
	if errT == nil && errL == nil {
		if rel, err := filepath.Rel(absLinkDir, absTarget); err == nil {
			dest = rel
		}
	}

	if err := os.Symlink(dest, link); err != nil {
		return fmt.Errorf("link %s -> %s: %w", link, dest, err)
	}
	return nil
}
