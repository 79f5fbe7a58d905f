package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileWriter_Write(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWriter(dir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte(`{"msg":"test"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	logFile := filepath.Join(dir, filePrefix+time.Now().Format("2006-01-02")+".jsonl")
	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("stat log file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("log file permissions = %04o, want 0600", perm)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `{"msg":"test"}`) {
		t.Errorf("expected content to contain test message, got: %s", content)
	}
}

func TestFileWriter_DayRollover(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)

	fw, err := newFileWriter(dir, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newFileWriter: %v", err)
	}
	defer fw.Close()

	fw.Write([]byte("day one\n"))
	now = now.Add(2 * time.Minute)
	fw.Write([]byte("day two\n"))

	for day, want := range map[string]string{"2026-03-01": "day one", "2026-03-02": "day two"} {
		content, err := os.ReadFile(filepath.Join(dir, filePrefix+day+".jsonl"))
		if err != nil {
			t.Fatalf("reading %s: %v", day, err)
		}
		if strings.TrimSpace(string(content)) != want {
			t.Errorf("%s content = %q, want %q", day, content, want)
		}
	}

	target, err := os.Readlink(filepath.Join(dir, "latest"))
	if err != nil {
		t.Fatalf("reading symlink: %v", err)
	}
	if target != filePrefix+"2026-03-02.jsonl" {
		t.Errorf("latest -> %s, want day two file", target)
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	old := filepath.Join(dir, filePrefix+"2026-09-01.jsonl")
	recent := filepath.Join(dir, filePrefix+"2026-10-10.jsonl")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, recent, unrelated} {
		if err := os.WriteFile(p, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	if n := Cleanup(dir, 14, now); n != 1 {
		t.Errorf("Cleanup removed %d files, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log file should have been removed")
	}
	for _, p := range []string{recent, unrelated} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should remain: %v", filepath.Base(p), err)
		}
	}
}
