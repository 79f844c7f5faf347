// Package reports appends human-readable diagnostic blocks to files under the
// reports directory. Writes are best-effort: failures are logged and never returned.
package reports

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const banner = "================================================================================"

// Field is one "KEY: value" header line of a block.
type Field struct {
	Key   string
	Value string
}

// Section is a titled body within a block.
type Section struct {
	Title string
	Body  string
}

// BlockWriter appends banner-delimited blocks to one file.
// A BlockWriter with an empty path discards everything.
type BlockWriter struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewBlockWriter creates a writer for path. The parent directory is created lazily.
func NewBlockWriter(path string, logger *zap.Logger) *BlockWriter {
	return &BlockWriter{
		path:   path,
		logger: logger.Named("reports"),
		now:    time.Now,
	}
}

// Path returns the file the writer appends to.
func (w *BlockWriter) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one block. A TIMESTAMP field is always written first.
func (w *BlockWriter) Append(fields []Field, sections ...Section) {
	if w == nil || w.path == "" {
		return
	}

	var b strings.Builder
	b.WriteString(banner + "\n")
	fmt.Fprintf(&b, "TIMESTAMP: %s\n", w.now().UTC().Format(time.RFC3339Nano))
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}
	b.WriteString(banner + "\n")
	for _, s := range sections {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", s.Title, strings.TrimRight(s.Body, "\n"))
	}
	b.WriteString("\n")

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.logger.Warn("Failed to create report directory", zap.String("path", w.path), zap.Error(err))
		return
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("Failed to open report file", zap.String("path", w.path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		w.logger.Warn("Failed to append report block", zap.String("path", w.path), zap.Error(err))
	}
}
