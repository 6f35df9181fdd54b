package risk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autotrader/internal/util"
)

// backupper rotates timestamped sibling copies of a JSON state file, named
// <stem>.backup_<ts>.json next to the original.
type backupper struct {
	path      string
	retention int
	logger    *slog.Logger
}

func newBackupper(path string, retention int, logger *slog.Logger) *backupper {
	if retention <= 0 {
		retention = 5
	}
	return &backupper{path: path, retention: retention, logger: logger}
}

func (b *backupper) backupPath(ts time.Time) string {
	stem := strings.TrimSuffix(b.path, filepath.Ext(b.path))
	return fmt.Sprintf("%s.backup_%s.json", stem, ts.Format("20060102_150405"))
}

// create copies the current state file to a timestamped sibling and prunes
// backups past the retention count. Missing originals are not an error.
func (b *backupper) create() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dst := b.backupPath(time.Now().UTC())
	err = util.Retry(context.Background(), 3, 50*time.Millisecond, func() error {
		return os.WriteFile(dst, data, 0o644)
	})
	if err != nil {
		return fmt.Errorf("writing backup %s: %w", dst, err)
	}

	b.rotate()
	return nil
}

// rotate removes the oldest backups past the retention count.
func (b *backupper) rotate() {
	backups := b.list()
	if len(backups) <= b.retention {
		return
	}
	for _, stale := range backups[b.retention:] {
		if err := os.Remove(stale); err != nil {
			b.logger.Warn("removing stale backup failed", "path", stale, "error", err)
		}
	}
}

// list returns backup paths, newest first. The timestamp format sorts
// lexically, so a reverse name sort is a reverse time sort.
func (b *backupper) list() []string {
	stem := strings.TrimSuffix(b.path, filepath.Ext(b.path))
	matches, err := filepath.Glob(stem + ".backup_*.json")
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}
