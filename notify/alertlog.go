package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"argus/core"
)

// FormatAlert renders ev in the alert log text format.
func FormatAlert(ev *core.Event) string {
	var b strings.Builder
	b.WriteString("ALERT START\n")
	fmt.Fprintf(&b, "Time: %s\n", ev.Received.Format(time.RFC3339))
	fmt.Fprintf(&b, "Priority: %d\n", ev.Priority)
	fmt.Fprintf(&b, "Info: %s [%d]\n", ev.Description, ev.RuleID)
	fmt.Fprintf(&b, "Log: %s\n", ev.LogStr)
	b.WriteString("Traits:\n")
	writeSorted(&b, ev.Traits)
	b.WriteString("Extracted fields:\n")
	writeSorted(&b, ev.Fields)
	b.WriteString("ALERT END\n")
	return b.String()
}

func writeSorted(b *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %s\n", k, m[k])
	}
}

// AlertLog appends formatted alerts to a text file.
type AlertLog struct {
	path string

	mu sync.Mutex
	w  io.WriteCloser
}

// NewAlertLog opens path for appending, creating its directory.
func NewAlertLog(path string) (*AlertLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create alert log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log: %w", err)
	}
	return &AlertLog{path: path, w: f}, nil
}

// Name implements AlertSink.
func (l *AlertLog) Name() string { return "alert_log" }

// Record implements AlertSink.
func (l *AlertLog) Record(_ context.Context, ev *core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return fmt.Errorf("alert log %s is closed", l.path)
	}
	if _, err := io.WriteString(l.w, FormatAlert(ev)); err != nil {
		return fmt.Errorf("failed to write alert log: %w", err)
	}
	return nil
}

// Close closes the file.
func (l *AlertLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}
