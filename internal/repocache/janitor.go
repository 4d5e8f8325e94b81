package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintain runs git gc on every cache entry, each under its own lock.
func (m *Manager) Maintain(ctx context.Context) error {
	owners, err := os.ReadDir(m.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list cache: %w", err)
	}
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(m.cacheDir, o.Name()))
		if err != nil {
			return fmt.Errorf("failed to list cache: %w", err)
		}
		for _, r := range repos {
			ref := RepoRef{Owner: o.Name(), Name: r.Name()}
			// dot entries are clones in progress
			if !r.IsDir() || strings.HasPrefix(ref.Name, ".") {
				continue
			}
			unlock := m.lock(ref)
			err := m.git.GC(ctx, m.CachePath(ref))
			unlock()
			if err != nil {
				slog.WarnContext(ctx, "cache gc failed", "repo", ref.String(), "error", err)
			}
		}
	}
	return nil
}

// RemoveStaleWorkspaces deletes workspaces older than maxAge that no
// running task owns. These are left behind by crashes.
func (m *Manager) RemoveStaleWorkspaces(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		m.mu.Lock()
		_, busy := m.active[e.Name()]
		m.mu.Unlock()
		if busy || !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.workspaceDir, e.Name())); err != nil {
			slog.WarnContext(ctx, "failed to remove stale workspace", "task_id", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Janitor runs cache maintenance on a cron schedule.
type Janitor struct {
	manager *Manager
	cron    *cron.Cron
	maxAge  time.Duration
}

func NewJanitor(m *Manager, schedule string, maxAge time.Duration) (*Janitor, error) {
	j := &Janitor{manager: m, cron: cron.New(), maxAge: maxAge}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Run blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
}

func (j *Janitor) run() {
	ctx := context.Background()
	start := time.Now()
	if err := j.manager.Maintain(ctx); err != nil {
		slog.ErrorContext(ctx, "cache maintenance failed", "error", err)
	}
	n, err := j.manager.RemoveStaleWorkspaces(ctx, j.maxAge)
	if err != nil {
		slog.ErrorContext(ctx, "workspace cleanup failed", "error", err)
	}
	slog.InfoContext(ctx, "cache maintenance finished", "removed_workspaces", n, "duration", time.Since(start))
}
