package errlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, now time.Time) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	h, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.now = func() time.Time { return now }
	return h, dir
}

func TestLogWritesPerDayPerSeverityFile(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	h, dir := newTestHandler(t, now)

	h.Log(errors.New("stt exploded"), Context{"user": "alice", "guild": "g1"}, "ERROR")
	h.Log(errors.New("still broken"), nil, "ERROR")
	h.Log(errors.New("worse"), nil, "critical")

	data, err := os.ReadFile(filepath.Join(dir, "error-2026-08-28.log"))
	if err != nil {
		t.Fatalf("error file missing: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "stt exploded") || !strings.Contains(content, "still broken") {
		t.Fatalf("entries not appended:\n%s", content)
	}
	if !strings.Contains(content, `"user": "alice"`) {
		t.Fatal("context not serialized")
	}
	if strings.Count(content, separator) != 2 {
		t.Fatalf("separator count = %d", strings.Count(content, separator))
	}

	if _, err := os.Stat(filepath.Join(dir, "critical-2026-08-28.log")); err != nil {
		t.Fatalf("critical file missing: %v", err)
	}
}

func TestLogNilErrorIsNoOp(t *testing.T) {
	h, dir := newTestHandler(t, time.Now())
	h.Log(nil, Context{"user": "bob"}, "error")
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("nil error produced files: %v", entries)
	}
}

func TestCleanupRemovesOldFiles(t *testing.T) {
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	h, dir := newTestHandler(t, now)

	oldPath := filepath.Join(dir, "error-2026-06-01.log")
	freshPath := filepath.Join(dir, "error-2026-08-27.log")
	if err := os.WriteFile(oldPath, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(freshPath, []byte("fresh"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := now.Add(-40 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatal(err)
	}

	if removed := h.Cleanup(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("stale file survived cleanup")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatal("fresh file removed")
	}
}

func TestGetStats(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	h, dir := newTestHandler(t, now)

	for _, name := range []string{
		"error-2026-08-28.log",
		"error-2026-08-27.log",
		"critical-2026-08-28.log",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := h.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalFiles != 3 {
		t.Fatalf("TotalFiles = %d", st.TotalFiles)
	}
	if st.TodayFiles != 2 {
		t.Fatalf("TodayFiles = %d", st.TodayFiles)
	}
	if st.BySeverity["error"] != 2 || st.BySeverity["critical"] != 1 {
		t.Fatalf("BySeverity = %v", st.BySeverity)
	}
	if sev := st.Severities(); len(sev) != 2 || sev[0] != "critical" {
		t.Fatalf("Severities = %v", sev)
	}
}
