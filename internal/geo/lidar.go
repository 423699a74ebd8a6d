package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Lidar csv formats as understood by point2dem, pc_align and geodiff.
const (
	// ATMCsvFormat is the layout of converted ATM lidar files (.csv).
	ATMCsvFormat = "1:lat 2:lon 3:height_above_datum"

	// LVISCsvFormat is the layout of LVIS lidar files (.TXT).
	LVISCsvFormat = "5:lat 4:lon 6:height_above_datum"
)

var (
	// "..._20110504_141407..." as found in ATM files and camera images.
	compactStamp = regexp.MustCompile(`(\d{8})_(\d{6})`)

	// "ILVIS2_GL2017_0511_R1705_051345.TXT": year, month+day, time.
	lvisStamp = regexp.MustCompile(`(\d{4})_(\d{4})_R\d+_(\d{6})`)
)

// LidarCsvFormat returns the --csv-format value for a lidar file, chosen by
// extension. Returns an error for an unknown file type.
func LidarCsvFormat(path string) (string, error) {
	switch filepath.Ext(path) {
	case ".csv", ".CSV":
		return ATMCsvFormat, nil
	case ".txt", ".TXT":
		return LVISCsvFormat, nil
	default:
		return "", fmt.Errorf("unknown lidar file type: %s", path)
	}
}

// FilenameTime extracts the acquisition date and time encoded in an image
// or lidar file name.
func FilenameTime(path string) (time.Time, error) {
	base := filepath.Base(path)

	if m := lvisStamp.FindStringSubmatch(base); m != nil {
		return time.Parse("20060102150405", m[1]+m[2]+m[3])
	}
	if m := compactStamp.FindStringSubmatch(base); m != nil {
		return time.Parse("20060102150405", m[1]+m[2])
	}
	return time.Time{}, fmt.Errorf("no date/time in file name %s", base)
}

// FindMatchingLidarFile returns the lidar file in folder that covers the
// acquisition time of image: among the files recorded on the same day, the
// one with the latest start time not after the image. Files whose names
// carry no time stamp are ignored.
func FindMatchingLidarFile(image, folder string) (string, error) {
	imageTime, err := FilenameTime(image)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", fmt.Errorf("read lidar folder: %w", err)
	}

	type candidate struct {
		path string
		at   time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := LidarCsvFormat(e.Name()); err != nil {
			continue
		}
		at, err := FilenameTime(e.Name())
		if err != nil {
			continue
		}
		if sameDay(at, imageTime) && !at.After(imageTime) {
			candidates = append(candidates, candidate{filepath.Join(folder, e.Name()), at})
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no lidar file in %s matches %s", folder, filepath.Base(image))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return strings.Compare(candidates[i].path, candidates[j].path) < 0
		}
		return candidates[i].at.After(candidates[j].at)
	})
	return candidates[0].path, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
