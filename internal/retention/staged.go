// Package retention prunes staged uploads and signed files that the
// signing log no longer needs on disk.
package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StagedFile is an upload or signed file in the state directory.
type StagedFile struct {
	Path    string
	Kind    string // "in" or "out"
	ModTime time.Time
	Size    int64
}

// FindStale lists regular files under <stateDir>/in and <stateDir>/out last
// modified more than minAge before now, oldest first. Hidden files are
// skipped. A missing staging directory is not an error.
func FindStale(stateDir string, minAge time.Duration, now time.Time) ([]StagedFile, error) {
	cutoff := now.Add(-minAge)
	var stale []StagedFile
	for _, kind := range []string{"in", "out"} {
		dir := filepath.Join(stateDir, kind)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			stale = append(stale, StagedFile{
				Path:    filepath.Join(dir, e.Name()),
				Kind:    kind,
				ModTime: info.ModTime(),
				Size:    info.Size(),
			})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ModTime.Before(stale[j].ModTime) })
	return stale, nil
}

// Remove deletes files, re-checking each one's age first so a file touched
// since the scan is kept. It returns how many files were removed and the
// paths it skipped.
func Remove(files []StagedFile, minAge time.Duration, now time.Time) (removed int, skipped []string, err error) {
	cutoff := now.Add(-minAge)
	var errs []error
	for _, f := range files {
		info, statErr := os.Stat(f.Path)
		if errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		if statErr == nil && info.ModTime().After(cutoff) {
			skipped = append(skipped, f.Path)
			continue
		}
		if rmErr := os.Remove(f.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			errs = append(errs, rmErr)
			continue
		}
		removed++
	}
	return removed, skipped, errors.Join(errs...)
}

// TotalSize sums the sizes of files.
func TotalSize(files []StagedFile) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// FormatSize renders a byte count with binary units.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
