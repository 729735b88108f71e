// Package errlog appends structured error reports to per-day, per-severity
// files under a log directory, alongside the regular zap output. The files
// are what operators grep after an incident; zap lines are for live tailing.
package errlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-copilot/internal/logging"
)

// retention is how long log files stick around before Cleanup removes them.
const retention = 30 * 24 * time.Hour

const separator = "================================================================================\n"

// Handler writes error reports to <dir>/<severity>-<YYYY-MM-DD>.log.
type Handler struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func New(dir string) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("errlog: create %s: %w", dir, err)
	}
	return &Handler{dir: dir, now: time.Now}, nil
}

// Context carries the who/where of an error for the report body.
type Context map[string]interface{}

// Log appends one report. severity becomes part of the filename
// ("error-2026-08-28.log"); context is serialized as JSON.
func (h *Handler) Log(err error, ctx Context, severity string) {
	if err == nil {
		return
	}
	if severity == "" {
		severity = "error"
	}
	severity = strings.ToLower(severity)

	now := h.now().UTC()
	ctxJSON, jerr := json.MarshalIndent(ctx, "", "  ")
	if jerr != nil {
		ctxJSON = []byte("{}")
	}
	entry := fmt.Sprintf("[%s] %s\nContext: %s\n%s",
		now.Format(time.RFC3339), err.Error(), ctxJSON, separator)

	name := fmt.Sprintf("%s-%s.log", severity, now.Format("2006-01-02"))
	path := filepath.Join(h.dir, name)

	h.mu.Lock()
	defer h.mu.Unlock()
	f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if ferr != nil {
		logging.Errorw("errlog: open log file failed", "path", path, "err", ferr)
		return
	}
	defer f.Close()
	if _, werr := f.WriteString(entry); werr != nil {
		logging.Errorw("errlog: append failed", "path", path, "err", werr)
	}
}

// Cleanup deletes log files older than the retention window and returns how
// many were removed.
func (h *Handler) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		logging.Warnw("errlog: cleanup read dir failed", "dir", h.dir, "err", err)
		return 0
	}
	cutoff := h.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(h.dir, e.Name())); err == nil {
				removed++
				logging.Infow("errlog: removed old log file", "file", e.Name())
			}
		}
	}
	return removed
}

// RunCleanup deletes expired files now and then once a day until the channel
// closes. Call as a goroutine with a done channel tied to shutdown.
func (h *Handler) RunCleanup(done <-chan struct{}) {
	h.Cleanup()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.Cleanup()
		}
	}
}

// Stats summarizes the log directory for the debug command.
type Stats struct {
	TotalFiles int
	TodayFiles int
	BySeverity map[string]int
}

// GetStats counts log files total, for today, and per severity prefix.
func (h *Handler) GetStats() (Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("errlog: stats: %w", err)
	}
	today := h.now().UTC().Format("2006-01-02")
	st := Stats{BySeverity: make(map[string]int)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		st.TotalFiles++
		if strings.Contains(e.Name(), today) {
			st.TodayFiles++
		}
		if i := strings.Index(e.Name(), "-"); i > 0 {
			st.BySeverity[e.Name()[:i]]++
		}
	}
	return st, nil
}

// Severities returns the severity names seen in the directory, sorted.
func (s Stats) Severities() []string {
	out := make([]string, 0, len(s.BySeverity))
	for k := range s.BySeverity {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
