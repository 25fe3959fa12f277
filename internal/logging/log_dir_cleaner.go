package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// The cleaner keeps the log directory under the configured size cap by
// removing rotated files oldest-first. The active main.log is never removed.

const logDirSweepInterval = time.Minute

var logDirCleanerCancel context.CancelFunc

func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	go sweepLogDir(ctx, filepath.Clean(dir), int64(maxTotalSizeMB)*1024*1024, strings.TrimSpace(protectedPath))
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel == nil {
		return
	}
	logDirCleanerCancel()
	logDirCleanerCancel = nil
}

func sweepLogDir(ctx context.Context, dir string, maxBytes int64, protectedPath string) {
	ticker := time.NewTicker(logDirSweepInterval)
	defer ticker.Stop()

	for {
		deleted, err := pruneLogDir(dir, maxBytes, protectedPath)
		if err != nil {
			log.WithError(err).Warn("log directory cleanup failed")
		} else if deleted > 0 {
			log.Debugf("removed %d rotated log file(s) over the size cap", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pruneLogDir deletes the oldest log files in dir until their total size fits
// under maxBytes, skipping protectedPath. It reports how many files it
// removed.
func pruneLogDir(dir string, maxBytes int64, protectedPath string) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	protected := strings.TrimSpace(protectedPath)
	if protected != "" {
		protected = filepath.Clean(protected)
	}

	type logFile struct {
		path string
		size int64
		mod  time.Time
	}
	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !hasLogSuffix(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
			mod:  info.ModTime(),
		})
		total += info.Size()
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].mod.Before(files[j].mod)
	})

	deleted := 0
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if protected != "" && filepath.Clean(f.path) == protected {
			continue
		}
		if errRemove := os.Remove(f.path); errRemove != nil {
			log.WithError(errRemove).Warnf("could not remove rotated log file %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		deleted++
	}
	return deleted, nil
}

func hasLogSuffix(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
