package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// GetTifs lists the GeoTIFF files of folder, sorted, with the folder
// prepended.
func GetTifs(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", folder, err)
	}

	var tifs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".tif" || ext == ".tiff" {
			tifs = append(tifs, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(tifs)
	return tifs, nil
}

// FrameNumber returns the frame number of an image or fireball DEM: the
// last group of digits in the file name, e.g. 5035 for
// "2009_10_16_05035.tif" and "IODMS3_20091016_17254216_05035_DEM.tif".
func FrameNumber(path string) (int, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	groups := digitRun.FindAllString(stem, -1)
	if len(groups) == 0 {
		return 0, fmt.Errorf("no frame number in %s", filepath.Base(path))
	}
	return strconv.Atoi(groups[len(groups)-1])
}

// MatchingFrames pairs every image with the candidate of the same frame
// number. The result has one entry per image; images without a match get
// an empty string.
func MatchingFrames(images, candidates []string) []string {
	byFrame := make(map[int]string, len(candidates))
	for _, c := range candidates {
		frame, err := FrameNumber(c)
		if err != nil {
			continue
		}
		if _, dup := byFrame[frame]; !dup {
			byFrame[frame] = c
		}
	}

	matches := make([]string, len(images))
	for i, img := range images {
		frame, err := FrameNumber(img)
		if err != nil {
			continue
		}
		matches[i] = byFrame[frame]
	}
	return matches
}
