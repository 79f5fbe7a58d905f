package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// filePrefix names debug log files: handtoken-YYYY-MM-DD.jsonl.
const filePrefix = "handtoken-"

// FileWriter writes JSONL debug logs into one file per day and keeps a
// "latest" symlink pointing at the current file. Files are created 0600
// because signing logs name clients, certificates and file digests.
type FileWriter struct {
	dir      string
	now      func() time.Time
	mu       sync.Mutex
	file     *os.File
	currDate string
}

// NewFileWriter creates a FileWriter writing to dir.
func NewFileWriter(dir string) (*FileWriter, error) {
	return newFileWriter(dir, time.Now)
}

func newFileWriter(dir string, now func() time.Time) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}

	fw := &FileWriter{dir: dir, now: now}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openLocked(fw.today()); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWriter) today() string {
	return fw.now().Format("2006-01-02")
}

// Write implements io.Writer, switching files when the day changes.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if today := fw.today(); today != fw.currDate {
		if err := fw.openLocked(today); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) openLocked(date string) error {
	if fw.file != nil {
		fw.file.Close()
	}

	name := filePrefix + date + ".jsonl"
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fw.file = f
	fw.currDate = date
	fw.updateSymlink(name)
	return nil
}

func (fw *FileWriter) updateSymlink(target string) {
	link := filepath.Join(fw.dir, "latest")
	tmp := link + ".tmp"

	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return // best effort
	}
	_ = os.Rename(tmp, link)
}

var datePattern = regexp.MustCompile(`^` + filePrefix + `(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup removes debug log files older than retentionDays and returns how
// many were removed. Files that do not look like debug logs are left alone.
func Cleanup(dir string, retentionDays int, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := datePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := time.Parse("2006-01-02", m[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
