package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/runstore"
)

// Scratch directories older than this belong to runs that never cleaned up.
const staleScratchAge = time.Hour

type janitor struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	store     *runstore.Store
	log       *slog.Logger
	clock     func() time.Time
}

func (j *janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *janitor) sweep(ctx context.Context) {
	removed, err := sweepOutputs(j.dir, j.retention, j.clock())
	if err != nil {
		j.log.Warn("output sweep failed", slogError(err))
	}
	if removed > 0 {
		j.log.Info("output sweep removed files", slog.Int("count", removed))
	}
	if err := j.store.Prune(ctx); err != nil {
		j.log.Warn("run store prune failed", slogError(err))
	}
}

// sweepOutputs deletes combined files older than retention (zero keeps them
// forever) and abandoned scratch directories and partial files.
func sweepOutputs(dir string, retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		name := entry.Name()
		target := filepath.Join(dir, name)

		switch {
		case entry.IsDir() && strings.HasPrefix(name, ".run-") && age > staleScratchAge:
			err = os.RemoveAll(target)
		case !entry.IsDir() && strings.HasSuffix(name, ".partial") && age > staleScratchAge:
			err = os.Remove(target)
		case !entry.IsDir() && strings.HasSuffix(name, ".mp3") && retention > 0 && age > retention:
			err = os.Remove(target)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
