package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// Bounds is a projected bounding box.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// Buffer grows the box by margin on every side.
func (b Bounds) Buffer(margin float64) Bounds {
	return Bounds{
		MinX: b.MinX - margin,
		MaxX: b.MaxX + margin,
		MinY: b.MinY - margin,
		MaxY: b.MaxY + margin,
	}
}

// ProjWin returns the bounds in the order point2dem --t_projwin expects:
// minX minY maxX maxY.
func (b Bounds) ProjWin() []string {
	return []string{
		formatCoord(b.MinX), formatCoord(b.MinY),
		formatCoord(b.MaxX), formatCoord(b.MaxY),
	}
}

func formatCoord(v float64) string {
	return fmt.Sprintf("%f", v)
}

// ProjectionBounds returns the projected bounds of a raster, read from
// "gdalinfo -json".
func ProjectionBounds(ctx context.Context, query QueryFunc, path string) (Bounds, error) {
	out, err := query(ctx, "gdalinfo", "-json", path)
	if err != nil {
		return Bounds{}, err
	}
	return ParseProjectionBounds(path, out)
}

// ParseProjectionBounds computes the bounds from the corner coordinates of
// gdalinfo JSON output.
func ParseProjectionBounds(path string, data []byte) (Bounds, error) {
	if !gjson.ValidBytes(data) {
		return Bounds{}, fmt.Errorf("%s: gdalinfo returned invalid JSON", path)
	}

	corners := gjson.GetBytes(data, "cornerCoordinates")
	if !corners.Exists() {
		return Bounds{}, fmt.Errorf("%s: gdalinfo output has no corner coordinates", path)
	}

	b := Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
	}
	found := 0
	for _, name := range []string{"upperLeft", "lowerLeft", "upperRight", "lowerRight"} {
		xy := corners.Get(name).Array()
		if len(xy) < 2 {
			continue
		}
		x, y := xy[0].Float(), xy[1].Float()
		b.MinX = math.Min(b.MinX, x)
		b.MaxX = math.Max(b.MaxX, x)
		b.MinY = math.Min(b.MinY, y)
		b.MaxY = math.Max(b.MaxY, y)
		found++
	}
	if found < 2 {
		return Bounds{}, fmt.Errorf("%s: gdalinfo output has too few corners", path)
	}
	return b, nil
}
